package explore

import (
	"math/big"
	"reflect"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polareth/evmstate/tracing/layout"
	"github.com/polareth/evmstate/tracing/preimage"
	"github.com/polareth/evmstate/tracing/slots"
)

const mappingAddressUint = `{
	"storage": [
		{"label": "balances", "offset": 0, "slot": "0", "type": "t_mapping(t_address,t_uint256)"}
	],
	"types": {
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_mapping(t_address,t_uint256)": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => uint256)", "numberOfBytes": "32", "value": "t_uint256"}
	}
}`

const packedSlot = `{
	"storage": [
		{"label": "smallValue1", "offset": 0, "slot": "0", "type": "t_uint8"},
		{"label": "smallValue2", "offset": 1, "slot": "0", "type": "t_uint8"},
		{"label": "flag", "offset": 2, "slot": "0", "type": "t_bool"},
		{"label": "someAddress", "offset": 3, "slot": "0", "type": "t_address"}
	],
	"types": {
		"t_uint8": {"encoding": "inplace", "label": "uint8", "numberOfBytes": "1"},
		"t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"}
	}
}`

const dynArrayUint = `{
	"storage": [
		{"label": "values", "offset": 0, "slot": "7", "type": "t_array(t_uint256)dyn_storage"}
	],
	"types": {
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_array(t_uint256)dyn_storage": {"encoding": "dynamic_array", "label": "uint256[]", "numberOfBytes": "32", "base": "t_uint256"}
	}
}`

const nestedMapping = `{
	"storage": [
		{"label": "allowances", "offset": 0, "slot": "1", "type": "t_mapping(t_address,t_mapping(t_address,t_uint256))"}
	],
	"types": {
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_mapping(t_address,t_uint256)": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => uint256)", "numberOfBytes": "32", "value": "t_uint256"},
		"t_mapping(t_address,t_mapping(t_address,t_uint256))": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => mapping(address => uint256))", "numberOfBytes": "32", "value": "t_mapping(t_address,t_uint256)"}
	}
}`

const longString = `{
	"storage": [
		{"label": "name", "offset": 0, "slot": "3", "type": "t_string_storage"}
	],
	"types": {
		"t_string_storage": {"encoding": "bytes", "label": "string", "numberOfBytes": "32"}
	}
}`

const mappingToStruct = `{
	"storage": [
		{"label": "users", "offset": 0, "slot": "2", "type": "t_mapping(t_address,t_struct(User)_storage)"}
	],
	"types": {
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_struct(User)_storage": {"encoding": "inplace", "label": "struct Store.User", "numberOfBytes": "64", "members": [
			{"label": "balance", "offset": 0, "slot": "0", "type": "t_uint256"},
			{"label": "nonce", "offset": 0, "slot": "1", "type": "t_uint256"}
		]},
		"t_mapping(t_address,t_struct(User)_storage)": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => struct Store.User)", "numberOfBytes": "32", "value": "t_struct(User)_storage"}
	}
}`

func mustLayout(t *testing.T, raw string) *layout.StorageLayout {
	t.Helper()
	lay, err := layout.ParseJSON([]byte(raw))
	require.NoError(t, err)
	return lay
}

func hashPtr(h common.Hash) *common.Hash { return &h }

func uintHash(n int64) common.Hash { return common.BigToHash(big.NewInt(n)) }

func addressPool(addrs ...common.Address) *preimage.Pool {
	pool := preimage.NewPool()
	for _, a := range addrs {
		pool.AddAddress(a)
	}
	pool.Finalize()
	return pool
}

func findVariable(t *testing.T, vars []*LabeledVariable, name string) *LabeledVariable {
	t.Helper()
	for _, v := range vars {
		if v.Name == name {
			return v
		}
	}
	t.Fatalf("variable %q not found", name)
	return nil
}

// S1: single mapping write inverted through an address preimage.
func TestExploreSimpleMappingWrite(t *testing.T) {
	lay := mustLayout(t, mappingAddressUint)
	key := common.HexToAddress("0xCAFECAFECAFECAFECAFECAFECAFECAFECAFECAFE")

	slot := slots.MappingSlot(uintHash(0), common.BytesToHash(key.Bytes()))
	observed := Observed{
		slot: {Current: common.Hash{}, Next: hashPtr(uintHash(1000))},
	}

	explorer := New(lay, observed, addressPool(key), DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)

	v := vars[0]
	assert.Equal(t, "balances", v.Name)
	assert.Equal(t, VariableMapping, v.Kind)
	require.Len(t, v.Trace, 1)

	rec := v.Trace[0]
	assert.Equal(t, []common.Hash{slot}, rec.Slots)
	require.Len(t, rec.Path, 1)
	assert.Equal(t, SegmentMappingKey, rec.Path[0].Kind)
	assert.Equal(t, "address", rec.Path[0].KeyType)
	assert.Equal(t, "balances["+strings.ToLower(key.Hex())+"]", rec.FullExpression)
	assert.True(t, rec.Modified)
	assert.Equal(t, 0, rec.Current.Decoded.(*big.Int).Sign())
	assert.Equal(t, int64(1000), rec.Next.Decoded.(*big.Int).Int64())

	assert.Empty(t, explorer.UnexploredSlots())
}

// S2: four packed variables written in one slot decode at their own offsets.
func TestExplorePackedSlotPartialWrite(t *testing.T) {
	lay := mustLayout(t, packedSlot)
	addr := common.HexToAddress("0xCa11000000000000000000000000000000000001")

	var next common.Hash
	copy(next[9:29], addr.Bytes())
	next[29] = 0x01 // flag
	next[30] = 0x02 // smallValue2
	next[31] = 0x01 // smallValue1

	observed := Observed{
		uintHash(0): {Current: common.Hash{}, Next: hashPtr(next)},
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 4)

	v1 := findVariable(t, vars, "smallValue1")
	assert.Equal(t, int64(1), v1.Trace[0].Next.Decoded.(*big.Int).Int64())

	v2 := findVariable(t, vars, "smallValue2")
	assert.Equal(t, int64(2), v2.Trace[0].Next.Decoded.(*big.Int).Int64())

	flag := findVariable(t, vars, "flag")
	assert.Equal(t, true, flag.Trace[0].Next.Decoded)

	someAddress := findVariable(t, vars, "someAddress")
	assert.Equal(t, addr, someAddress.Trace[0].Next.Decoded)

	for _, v := range vars {
		require.Len(t, v.Trace, 1)
		assert.Equal(t, []common.Hash{uintHash(0)}, v.Trace[0].Slots)
		assert.True(t, v.Trace[0].Modified)
	}
	assert.Empty(t, explorer.UnexploredSlots())
}

// S3: a push emits the synthetic length record and the element record.
func TestExploreDynamicArrayPush(t *testing.T) {
	lay := mustLayout(t, dynArrayUint)
	base := uintHash(7)
	elem0 := slots.ArrayDataBase(base)

	observed := Observed{
		base:  {Current: common.Hash{}, Next: hashPtr(uintHash(1))},
		elem0: {Current: common.Hash{}, Next: hashPtr(uintHash(123))},
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)

	v := vars[0]
	assert.Equal(t, VariableDynamicArray, v.Kind)
	require.Len(t, v.Trace, 2)

	length := v.Trace[0]
	require.Len(t, length.Path, 1)
	assert.Equal(t, SegmentArrayLength, length.Path[0].Kind)
	assert.Equal(t, "values._length", length.FullExpression)
	assert.Equal(t, int64(1), length.Next.Decoded.(*big.Int).Int64())

	element := v.Trace[1]
	require.Len(t, element.Path, 1)
	assert.Equal(t, SegmentArrayIndex, element.Path[0].Kind)
	assert.Equal(t, uint64(0), element.Path[0].Index)
	assert.Equal(t, "values[0]", element.FullExpression)
	assert.Equal(t, int64(123), element.Next.Decoded.(*big.Int).Int64())

	assert.Empty(t, explorer.UnexploredSlots())
}

// S4: nested mapping inverted through two address preimages.
func TestExploreNestedMapping(t *testing.T) {
	lay := mustLayout(t, nestedMapping)
	owner := common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	spender := common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")

	inner := slots.MappingSlot(uintHash(1), common.BytesToHash(owner.Bytes()))
	leaf := slots.MappingSlot(inner, common.BytesToHash(spender.Bytes()))

	observed := Observed{
		leaf: {Current: common.Hash{}, Next: hashPtr(uintHash(1000))},
	}

	explorer := New(lay, observed, addressPool(owner, spender), DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)

	v := vars[0]
	require.Len(t, v.Trace, 1)
	rec := v.Trace[0]
	require.Len(t, rec.Path, 2)
	assert.Equal(t, strings.ToLower(common.BytesToHash(owner.Bytes()).Hex()), rec.Path[0].Key)
	assert.Equal(t, strings.ToLower(common.BytesToHash(spender.Bytes()).Hex()), rec.Path[1].Key)
	expected := "allowances[" + strings.ToLower(owner.Hex()) + "][" + strings.ToLower(spender.Hex()) + "]"
	assert.Equal(t, expected, rec.FullExpression)
	assert.Equal(t, int64(1000), rec.Next.Decoded.(*big.Int).Int64())

	// Mapping inversion soundness: the emitted keys re-derive the slot.
	derived := slots.MappingSlot(slots.MappingSlot(uintHash(1), common.HexToHash(rec.Path[0].Key)), common.HexToHash(rec.Path[1].Key))
	assert.Equal(t, leaf, derived)
}

// S5: long string write reassembled across the continuation slots.
func TestExploreLongStringWrite(t *testing.T) {
	lay := mustLayout(t, longString)
	base := uintHash(3)
	content := strings.Repeat("a very long string", 10) // length 180
	require.Len(t, content, 180)

	header := uintHash(int64(2*len(content) + 1))
	dataBase := slots.BytesDataBase(base)

	observed := Observed{
		base: {Current: common.Hash{}, Next: hashPtr(header)},
	}
	numSlots := (len(content) + 31) / 32
	require.Equal(t, 6, numSlots)
	var contSlots []common.Hash
	for k := 0; k < numSlots; k++ {
		var chunk common.Hash
		copy(chunk[:], content[k*32:min(len(content), (k+1)*32)])
		slot := slots.Add(dataBase, uint64(k))
		contSlots = append(contSlots, slot)
		observed[slot] = SlotValue{Current: common.Hash{}, Next: hashPtr(chunk)}
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)

	v := vars[0]
	assert.Equal(t, VariableBytes, v.Kind)
	require.Len(t, v.Trace, 2)

	length := v.Trace[0]
	require.Len(t, length.Path, 1)
	assert.Equal(t, SegmentBytesLength, length.Path[0].Kind)
	assert.Equal(t, "name._length", length.FullExpression)
	assert.Equal(t, int64(180), length.Next.Decoded.(*big.Int).Int64())

	body := v.Trace[1]
	assert.Empty(t, body.Path)
	assert.Equal(t, "name", body.FullExpression)
	require.Len(t, body.Slots, 1+numSlots)
	assert.Equal(t, base, body.Slots[0])
	assert.Equal(t, contSlots, body.Slots[1:])
	assert.True(t, body.Modified)
	assert.Equal(t, "", body.Current.Decoded)
	assert.Equal(t, content, body.Next.Decoded)

	assert.Empty(t, explorer.UnexploredSlots())
}

// S6: with no layout every observed slot degrades to a synthetic record.
func TestExploreNoLayout(t *testing.T) {
	observed := Observed{
		uintHash(0): {Current: uintHash(1), Next: hashPtr(uintHash(2))},
		uintHash(5): {Current: uintHash(3), Next: hashPtr(uintHash(4))},
		uintHash(9): {Current: uintHash(5), Next: hashPtr(uintHash(6))},
	}

	explorer := New(nil, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 3)

	for _, v := range vars {
		assert.True(t, strings.HasPrefix(v.Name, "slot_0x"))
		require.Len(t, v.Trace, 1)
		rec := v.Trace[0]
		assert.Equal(t, "Could not label this slot access because no layout was found.", rec.Note)
		assert.True(t, rec.Modified)
		assert.NotNil(t, rec.Current)
		assert.NotNil(t, rec.Next)
	}

	// Deterministic ordering by slot.
	assert.Equal(t, "slot_"+strings.ToLower(uintHash(0).Hex()), vars[0].Name)
	assert.Equal(t, "slot_"+strings.ToLower(uintHash(5).Hex()), vars[1].Name)
	assert.Equal(t, "slot_"+strings.ToLower(uintHash(9).Hex()), vars[2].Name)
}

func TestExploreMappingToStructField(t *testing.T) {
	lay := mustLayout(t, mappingToStruct)
	user := common.HexToAddress("0x1234000000000000000000000000000000005678")

	structBase := slots.MappingSlot(uintHash(2), common.BytesToHash(user.Bytes()))
	nonceSlot := slots.Add(structBase, 1)

	observed := Observed{
		nonceSlot: {Current: uintHash(4), Next: hashPtr(uintHash(5))},
	}

	explorer := New(lay, observed, addressPool(user), DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)

	rec := vars[0].Trace[0]
	require.Len(t, rec.Path, 2)
	assert.Equal(t, SegmentMappingKey, rec.Path[0].Kind)
	assert.Equal(t, SegmentStructField, rec.Path[1].Kind)
	assert.Equal(t, "nonce", rec.Path[1].Field)
	assert.Equal(t, "users["+strings.ToLower(user.Hex())+"].nonce", rec.FullExpression)
	assert.Equal(t, int64(4), rec.Current.Decoded.(*big.Int).Int64())
	assert.Equal(t, int64(5), rec.Next.Decoded.(*big.Int).Int64())
}

// Identity diffs yield modified=false and no next values.
func TestExploreIdentityDiff(t *testing.T) {
	lay := mustLayout(t, packedSlot)
	cur := uintHash(0x010201)

	observed := Observed{
		uintHash(0): {Current: cur, Next: hashPtr(cur)},
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.NotEmpty(t, vars)
	for _, v := range vars {
		for _, rec := range v.Trace {
			assert.False(t, rec.Modified)
			assert.Nil(t, rec.Next)
		}
	}
}

// Determinism and idempotence: identical inputs yield identical outputs.
func TestExploreDeterminism(t *testing.T) {
	lay := mustLayout(t, nestedMapping)
	owner := common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	spender := common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")

	leaf := slots.MappingSlot(slots.MappingSlot(uintHash(1), common.BytesToHash(owner.Bytes())), common.BytesToHash(spender.Bytes()))
	observed := Observed{
		leaf:        {Current: common.Hash{}, Next: hashPtr(uintHash(7))},
		uintHash(9): {Current: uintHash(1)},
	}

	run := func() []*LabeledVariable {
		return New(lay, observed, addressPool(owner, spender), DefaultConfig()).Explore()
	}

	first := run()
	second := run()
	require.True(t, reflect.DeepEqual(first, second))
}

// No fabrication: every emitted slot was observed.
func TestExploreNoFabrication(t *testing.T) {
	lay := mustLayout(t, dynArrayUint)
	base := uintHash(7)
	observed := Observed{
		base:                                    {Current: uintHash(3)},
		slots.Add(slots.ArrayDataBase(base), 2): {Current: uintHash(30)},
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	for _, v := range explorer.Explore() {
		for _, rec := range v.Trace {
			for _, slot := range rec.Slots {
				_, ok := observed[slot]
				assert.True(t, ok, "fabricated slot %s", slot.Hex())
			}
		}
	}
}

// A tiny state budget stops the mapping search and reports exhaustion.
func TestExploreBudgetExhausted(t *testing.T) {
	lay := mustLayout(t, nestedMapping)
	owner := common.HexToAddress("0xAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	spender := common.HexToAddress("0xBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB")

	leaf := slots.MappingSlot(slots.MappingSlot(uintHash(1), common.BytesToHash(owner.Bytes())), common.BytesToHash(spender.Bytes()))
	observed := Observed{
		leaf: {Current: common.Hash{}, Next: hashPtr(uintHash(7))},
	}

	cfg := DefaultConfig()
	cfg.MaxExploredStates = 1
	explorer := New(lay, observed, addressPool(owner, spender), cfg)
	vars := explorer.Explore()

	assert.True(t, explorer.BudgetExhausted())
	// The un-inverted slot still surfaces as a synthetic variable.
	require.Len(t, vars, 1)
	assert.True(t, strings.HasPrefix(vars[0].Name, "slot_0x"))
}

func TestExploreShortString(t *testing.T) {
	lay := mustLayout(t, longString)
	base := uintHash(3)

	var cur common.Hash
	copy(cur[:], "abc")
	cur[31] = 6 // 2 * len("abc")

	observed := Observed{
		base: {Current: cur},
	}

	explorer := New(lay, observed, nil, DefaultConfig())
	vars := explorer.Explore()
	require.Len(t, vars, 1)
	require.Len(t, vars[0].Trace, 2)

	length := vars[0].Trace[0]
	assert.Equal(t, int64(3), length.Current.Decoded.(*big.Int).Int64())

	body := vars[0].Trace[1]
	assert.Equal(t, "abc", body.Current.Decoded)
	assert.False(t, body.Modified)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
