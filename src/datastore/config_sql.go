package datastore

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/nhirsama/Goster-Mesh/src/inter"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "pgx"
)

// ConfigSql 基于 database/sql 的配置存储，支持 sqlite 与 postgres (pgx)
type ConfigSql struct {
	db     *sql.DB
	driver string
}

var _ inter.ConfigStore = (*ConfigSql)(nil)

// 配置表按 CBOR map 编码时使用确定性编码，相同内容得到相同字节
var configMapEnc, _ = cbor.CoreDetEncOptions().EncMode()

func schema(driver string) string {
	blob := "BLOB"
	if driver == DriverPostgres {
		blob = "BYTEA"
	}
	return `
    CREATE TABLE IF NOT EXISTS config_values (
       partition_id INTEGER NOT NULL,
       cfg_key      TEXT NOT NULL,
       value        ` + blob + ` NOT NULL,
       updated_at   BIGINT NOT NULL,
       PRIMARY KEY (partition_id, cfg_key)
    );

    CREATE TABLE IF NOT EXISTS config_partitions (
       partition_id INTEGER PRIMARY KEY,
       dirty        BOOLEAN NOT NULL DEFAULT FALSE,
       committed_at BIGINT
    );
    `
}

// NewConfigSql 打开数据库并初始化表结构。
// driver 为 "sqlite" 时 dsn 为文件路径；为 "pgx" 时 dsn 为 postgres 连接串。
func NewConfigSql(driver, dsn string) (*ConfigSql, error) {
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("datastore: 不支持的驱动 %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// sqlite 单写者，避免 database is locked
		db.SetMaxOpenConns(1)
	}

	s := &ConfigSql{db: db, driver: driver}
	// postgres 不支持一次执行多条语句的预处理，逐条执行
	for _, stmt := range strings.Split(schema(driver), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("datastore: 初始化表结构: %w", err)
		}
	}
	return s, nil
}

// rebind 将 ? 占位符转换为驱动所需格式
func (s *ConfigSql) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *ConfigSql) Get(partition inter.ConfigPartition, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow(s.rebind("SELECT value FROM config_values WHERE partition_id = ? AND cfg_key = ?"),
		int(partition), key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", inter.ErrConfigKeyNotFound, partition, key)
	}
	return value, err
}

// Set 写入值与标记分区在同一事务中完成
func (s *ConfigSql) Set(partition inter.ConfigPartition, key string, value []byte) error {
	if err := cbor.Wellformed(value); err != nil {
		return fmt.Errorf("%w: %v", inter.ErrConfigValueInvalid, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(s.rebind(`
		INSERT INTO config_values (partition_id, cfg_key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (partition_id, cfg_key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`),
		int(partition), key, value, time.Now().Unix()); err != nil {
		return err
	}
	if err := s.markDirty(tx, partition); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *ConfigSql) Delete(partition inter.ConfigPartition, key string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	res, err := tx.Exec(s.rebind("DELETE FROM config_values WHERE partition_id = ? AND cfg_key = ?"), int(partition), key)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	if err := s.markDirty(tx, partition); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *ConfigSql) markDirty(tx *sql.Tx, partition inter.ConfigPartition) error {
	_, err := tx.Exec(s.rebind(`
		INSERT INTO config_partitions (partition_id, dirty) VALUES (?, TRUE)
		ON CONFLICT (partition_id) DO UPDATE SET dirty = TRUE`), int(partition))
	return err
}

func (s *ConfigSql) Commit(partition inter.ConfigPartition) error {
	_, err := s.db.Exec(s.rebind(`
		INSERT INTO config_partitions (partition_id, dirty, committed_at) VALUES (?, FALSE, ?)
		ON CONFLICT (partition_id) DO UPDATE SET dirty = FALSE, committed_at = excluded.committed_at`),
		int(partition), time.Now().Unix())
	return err
}

// Status 从未写入过的分区视为已提交
func (s *ConfigSql) Status(partition inter.ConfigPartition) (bool, []string, error) {
	var dirty bool
	err := s.db.QueryRow(s.rebind("SELECT dirty FROM config_partitions WHERE partition_id = ?"), int(partition)).Scan(&dirty)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, nil, err
	}

	rows, err := s.db.Query(s.rebind("SELECT cfg_key FROM config_values WHERE partition_id = ? ORDER BY cfg_key ASC"), int(partition))
	if err != nil {
		return false, nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return false, nil, err
		}
		keys = append(keys, k)
	}
	return !dirty, keys, rows.Err()
}

func (s *ConfigSql) ConfigMap(partition inter.ConfigPartition) ([]byte, error) {
	rows, err := s.db.Query(s.rebind("SELECT cfg_key, value FROM config_values WHERE partition_id = ?"), int(partition))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	m := make(map[string]cbor.RawMessage)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		m[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return configMapEnc.Marshal(m)
}

func (s *ConfigSql) Close() error {
	return s.db.Close()
}
