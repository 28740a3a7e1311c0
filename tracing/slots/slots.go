package slots

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Solidity storage derivation rules. Every function is pure; all arithmetic
// wraps over the 256-bit slot space exactly as the EVM does.

// MappingSlot returns keccak256(key ++ base), the slot of `m[key]` for a
// mapping rooted at base. Both operands are 32-byte big-endian words.
func MappingSlot(base common.Hash, key common.Hash) common.Hash {
	return crypto.Keccak256Hash(key[:], base[:])
}

// ArrayDataBase returns keccak256(base), the first data slot of a dynamic
// array whose length lives at base.
func ArrayDataBase(base common.Hash) common.Hash {
	return crypto.Keccak256Hash(base[:])
}

// BytesDataBase returns keccak256(header), the first content slot of a long
// bytes/string value whose header lives at header.
func BytesDataBase(header common.Hash) common.Hash {
	return crypto.Keccak256Hash(header[:])
}

// Add offsets a slot by n, wrapping modulo 2^256.
func Add(base common.Hash, n uint64) common.Hash {
	x := new(uint256.Int).SetBytes32(base[:])
	x.AddUint64(x, n)
	return x.Bytes32()
}

// AddWord offsets a slot by a full 256-bit delta, wrapping modulo 2^256.
func AddWord(base common.Hash, delta *uint256.Int) common.Hash {
	x := new(uint256.Int).SetBytes32(base[:])
	x.Add(x, delta)
	return x.Bytes32()
}

// ElementSlot locates element i of an array region rooted at dataBase, for
// elements of the given stride in bytes. Elements narrower than a word share
// slots; wider elements span whole slots.
func ElementSlot(dataBase common.Hash, index uint64, stride uint64) (slot common.Hash, offset int) {
	if stride == 0 {
		stride = 32
	}
	if stride < 32 {
		byteIndex := index * stride
		return Add(dataBase, byteIndex/32), int(byteIndex % 32)
	}
	slotsPerElem := (stride + 31) / 32
	return Add(dataBase, index*slotsPerElem), 0
}

// StructFieldSlot offsets a struct base by a member's slot distance.
func StructFieldSlot(base common.Hash, slotInStruct common.Hash) common.Hash {
	delta := new(uint256.Int).SetBytes32(slotInStruct[:])
	return AddWord(base, delta)
}

// SlotsForBytes returns how many content slots a long bytes value of the
// given length occupies.
func SlotsForBytes(length uint64) uint64 {
	return (length + 31) / 32
}
