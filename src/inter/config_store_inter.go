package inter

import "errors"

var (
	// ErrConfigKeyNotFound 分区中不存在该配置项
	ErrConfigKeyNotFound = errors.New("config: 配置项不存在")
	// ErrConfigValueInvalid 配置值不是合法的 CBOR 数据项
	ErrConfigValueInvalid = errors.New("config: 配置值不是合法的 CBOR")
)

// ConfigStore 定义节点配置的持久化接口。
// 配置按分区 (user/system/hardware) 组织，值为 CBOR 编码的单个数据项。
// 任意写入都会把分区标记为未提交，直到调用 Commit。
type ConfigStore interface {
	// Get 读取配置值，不存在时返回 ErrConfigKeyNotFound
	Get(partition ConfigPartition, key string) ([]byte, error)

	// Set 写入配置值并将分区标记为未提交。
	// value 必须是格式正确的 CBOR，否则返回 ErrConfigValueInvalid。
	Set(partition ConfigPartition, key string, value []byte) error

	// Delete 删除配置项，返回该项删除前是否存在
	Delete(partition ConfigPartition, key string) (bool, error)

	// Commit 将分区当前内容标记为已提交
	Commit(partition ConfigPartition) error

	// Status 返回分区提交状态以及按字典序排列的全部 key
	Status(partition ConfigPartition) (committed bool, keys []string, err error)

	// ConfigMap 将分区内容编码为一个 CBOR map (key -> value)
	ConfigMap(partition ConfigPartition) ([]byte, error)

	// Close 释放底层连接
	Close() error
}
