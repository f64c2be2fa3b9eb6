package datastore

import (
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore 在临时目录中创建真实的 sqlite 数据库，测试结束后自动清理
func setupTestStore(t *testing.T) *ConfigSql {
	t.Helper()
	store, err := NewConfigSql(DriverSQLite, filepath.Join(t.TempDir(), "config.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func mustCBOR(t *testing.T, v any) []byte {
	t.Helper()
	b, err := cbor.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestConfigSql_Lifecycle(t *testing.T) {
	store := setupTestStore(t)
	p := inter.PartitionUser

	t.Run("EmptyPartition", func(t *testing.T) {
		committed, keys, err := store.Status(p)
		require.NoError(t, err)
		assert.True(t, committed)
		assert.Empty(t, keys)
	})

	t.Run("SetMarksDirty", func(t *testing.T) {
		require.NoError(t, store.Set(p, "sample_rate", mustCBOR(t, 1000)))
		require.NoError(t, store.Set(p, "name", mustCBOR(t, "buoy")))

		committed, keys, err := store.Status(p)
		require.NoError(t, err)
		assert.False(t, committed)
		assert.Equal(t, []string{"name", "sample_rate"}, keys)
	})

	t.Run("GetAndOverwrite", func(t *testing.T) {
		v, err := store.Get(p, "sample_rate")
		require.NoError(t, err)
		assert.Equal(t, mustCBOR(t, 1000), v)

		require.NoError(t, store.Set(p, "sample_rate", mustCBOR(t, 250)))
		v, err = store.Get(p, "sample_rate")
		require.NoError(t, err)
		assert.Equal(t, mustCBOR(t, 250), v)
	})

	t.Run("Commit", func(t *testing.T) {
		require.NoError(t, store.Commit(p))
		committed, _, err := store.Status(p)
		require.NoError(t, err)
		assert.True(t, committed)
	})

	t.Run("Delete", func(t *testing.T) {
		existed, err := store.Delete(p, "missing")
		require.NoError(t, err)
		assert.False(t, existed)
		committed, _, _ := store.Status(p)
		assert.True(t, committed, "删除不存在的项不应改变提交状态")

		existed, err = store.Delete(p, "name")
		require.NoError(t, err)
		assert.True(t, existed)

		committed, keys, err := store.Status(p)
		require.NoError(t, err)
		assert.False(t, committed)
		assert.Equal(t, []string{"sample_rate"}, keys)

		_, err = store.Get(p, "name")
		assert.ErrorIs(t, err, inter.ErrConfigKeyNotFound)
	})
}

func TestConfigSql_RejectsMalformedCBOR(t *testing.T) {
	store := setupTestStore(t)

	err := store.Set(inter.PartitionSystem, "bad", []byte{0x19, 0x01}) // 截断的 uint16
	assert.ErrorIs(t, err, inter.ErrConfigValueInvalid)
	assert.ErrorIs(t, store.Set(inter.PartitionSystem, "empty", nil), inter.ErrConfigValueInvalid)

	_, keys, err := store.Status(inter.PartitionSystem)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConfigSql_PartitionsIsolated(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Set(inter.PartitionUser, "k", mustCBOR(t, 1)))
	require.NoError(t, store.Set(inter.PartitionHardware, "k", mustCBOR(t, 2)))

	v, err := store.Get(inter.PartitionHardware, "k")
	require.NoError(t, err)
	assert.Equal(t, mustCBOR(t, 2), v)

	require.NoError(t, store.Commit(inter.PartitionUser))
	committed, _, _ := store.Status(inter.PartitionHardware)
	assert.False(t, committed)
}

func TestConfigSql_ConfigMap(t *testing.T) {
	store := setupTestStore(t)
	p := inter.PartitionSystem
	require.NoError(t, store.Set(p, "interval", mustCBOR(t, 1000)))
	require.NoError(t, store.Set(p, "label", mustCBOR(t, "north")))

	raw, err := store.ConfigMap(p)
	require.NoError(t, err)
	require.NoError(t, cbor.Wellformed(raw))

	var decoded map[string]any
	require.NoError(t, cbor.Unmarshal(raw, &decoded))
	assert.Equal(t, map[string]any{"interval": uint64(1000), "label": "north"}, decoded)

	again, err := store.ConfigMap(p)
	require.NoError(t, err)
	assert.Equal(t, raw, again, "确定性编码")

	empty, err := store.ConfigMap(inter.PartitionHardware)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA0}, empty)
}

func TestConfigSql_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.db")
	store, err := NewConfigSql(DriverSQLite, path)
	require.NoError(t, err)
	require.NoError(t, store.Set(inter.PartitionUser, "persist", mustCBOR(t, true)))
	require.NoError(t, store.Close())

	store, err = NewConfigSql(DriverSQLite, path)
	require.NoError(t, err)
	defer store.Close()
	v, err := store.Get(inter.PartitionUser, "persist")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xF5}, v)
}

func TestConfigSql_Rebind(t *testing.T) {
	pg := &ConfigSql{driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &ConfigSql{driver: DriverSQLite}
	assert.Equal(t, "x = ?", lite.rebind("x = ?"))
}

func TestNewConfigSql_UnknownDriver(t *testing.T) {
	_, err := NewConfigSql("mysql", "dsn")
	assert.Error(t, err)
}
