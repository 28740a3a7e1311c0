package layout

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleLayout = `{
	"storage": [
		{"astId": 3, "contract": "Store.sol:Store", "label": "owner", "offset": 0, "slot": "0", "type": "t_address"},
		{"astId": 5, "contract": "Store.sol:Store", "label": "paused", "offset": 20, "slot": "0", "type": "t_bool"},
		{"astId": 8, "contract": "Store.sol:Store", "label": "balances", "offset": 0, "slot": "1", "type": "t_mapping(t_address,t_uint256)"},
		{"astId": 12, "contract": "Store.sol:Store", "label": "history", "offset": 0, "slot": "2", "type": "t_array(t_uint256)dyn_storage"},
		{"astId": 15, "contract": "Store.sol:Store", "label": "checkpoints", "offset": 0, "slot": "3", "type": "t_array(t_uint64)5_storage"},
		{"astId": 20, "contract": "Store.sol:Store", "label": "config", "offset": 0, "slot": "4", "type": "t_struct(Config)_storage"},
		{"astId": 25, "contract": "Store.sol:Store", "label": "name", "offset": 0, "slot": "6", "type": "t_string_storage"}
	],
	"types": {
		"t_address": {"encoding": "inplace", "label": "address", "numberOfBytes": "20"},
		"t_bool": {"encoding": "inplace", "label": "bool", "numberOfBytes": "1"},
		"t_uint64": {"encoding": "inplace", "label": "uint64", "numberOfBytes": "8"},
		"t_uint256": {"encoding": "inplace", "label": "uint256", "numberOfBytes": "32"},
		"t_mapping(t_address,t_uint256)": {"encoding": "mapping", "key": "t_address", "label": "mapping(address => uint256)", "numberOfBytes": "32", "value": "t_uint256"},
		"t_array(t_uint256)dyn_storage": {"encoding": "dynamic_array", "label": "uint256[]", "numberOfBytes": "32", "base": "t_uint256"},
		"t_array(t_uint64)5_storage": {"encoding": "inplace", "label": "uint64[5]", "numberOfBytes": "64", "base": "t_uint64"},
		"t_struct(Config)_storage": {"encoding": "inplace", "label": "struct Store.Config", "numberOfBytes": "64", "members": [
			{"label": "fee", "offset": 0, "slot": "0", "type": "t_uint256"},
			{"label": "collector", "offset": 0, "slot": "1", "type": "t_address"}
		]},
		"t_string_storage": {"encoding": "bytes", "label": "string", "numberOfBytes": "32"}
	}
}`

func TestParseJSON(t *testing.T) {
	lay, err := ParseJSON([]byte(sampleLayout))
	require.NoError(t, err)
	require.Len(t, lay.Storage, 7)

	owner := lay.Storage[0]
	assert.Equal(t, "owner", owner.Label)
	assert.Equal(t, "0", owner.Slot.String())
	assert.Equal(t, 0, owner.Offset)
	assert.Equal(t, common.BigToHash(big.NewInt(0)), owner.Slot.Hash())

	paused := lay.Storage[1]
	assert.Equal(t, 20, paused.Offset)
}

func TestParseJSONRejectsUnresolvedTypes(t *testing.T) {
	broken := `{"storage":[{"label":"x","offset":0,"slot":"0","type":"t_missing"}],"types":{}}`
	_, err := ParseJSON([]byte(broken))
	assert.Error(t, err)
}

func TestKindClassification(t *testing.T) {
	lay, err := ParseJSON([]byte(sampleLayout))
	require.NoError(t, err)

	assert.Equal(t, KindPrimitive, lay.KindOf("t_address"))
	assert.Equal(t, KindPrimitive, lay.KindOf("t_bool"))
	assert.Equal(t, KindMapping, lay.KindOf("t_mapping(t_address,t_uint256)"))
	assert.Equal(t, KindDynamicArray, lay.KindOf("t_array(t_uint256)dyn_storage"))
	assert.Equal(t, KindStaticArray, lay.KindOf("t_array(t_uint64)5_storage"))
	assert.Equal(t, KindStruct, lay.KindOf("t_struct(Config)_storage"))
	assert.Equal(t, KindBytes, lay.KindOf("t_string_storage"))
}

func TestStaticLength(t *testing.T) {
	lay, err := ParseJSON([]byte(sampleLayout))
	require.NoError(t, err)

	n, ok := lay.Type("t_array(t_uint64)5_storage").StaticLength()
	require.True(t, ok)
	assert.Equal(t, uint64(5), n)

	_, ok = lay.Type("t_uint256").StaticLength()
	assert.False(t, ok)
}

func TestTypePredicates(t *testing.T) {
	lay, err := ParseJSON([]byte(sampleLayout))
	require.NoError(t, err)

	assert.True(t, lay.Type("t_address").IsAddress())
	assert.True(t, lay.Type("t_bool").IsBool())
	assert.True(t, lay.Type("t_string_storage").IsString())
	assert.False(t, lay.Type("t_uint256").IsSigned())

	enum := &TypeDef{Encoding: EncodingInplace, Label: "enum Store.Status", NumberOfBytes: 1}
	assert.True(t, enum.IsEnum())

	fixed := &TypeDef{Encoding: EncodingInplace, Label: "bytes8", NumberOfBytes: 8}
	assert.True(t, fixed.IsFixedBytes())
}

func TestWithProxySlots(t *testing.T) {
	lay, err := ParseJSON([]byte(sampleLayout))
	require.NoError(t, err)

	merged := lay.WithProxySlots()
	require.Len(t, merged.Storage, 9)

	impl := merged.Storage[7]
	assert.Equal(t, "__implementation", impl.Label)
	assert.Equal(t, ProxyImplementationSlot, impl.Slot.Hash())

	admin := merged.Storage[8]
	assert.Equal(t, "__admin", admin.Label)
	assert.Equal(t, ProxyAdminSlot, admin.Slot.Hash())

	// The original layout is untouched.
	assert.Len(t, lay.Storage, 7)

	// A nil layout still yields the proxy entries.
	proxyOnly := (*StorageLayout)(nil).WithProxySlots()
	require.Len(t, proxyOnly.Storage, 2)
	require.NoError(t, proxyOnly.Validate())
}
