package device_manager

import (
	"errors"
	"sync"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// MessageQueue 每个节点一个有界通道
type MessageQueue struct {
	queues   sync.Map // map[uint64]chan []byte
	capacity int
}

var _ inter.MessageQueue = (*MessageQueue)(nil)

func NewMessageQueue(capacity int) *MessageQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &MessageQueue{capacity: capacity}
}

func (m *MessageQueue) queue(nodeID uint64) chan []byte {
	actual, _ := m.queues.LoadOrStore(nodeID, make(chan []byte, m.capacity))
	return actual.(chan []byte)
}

func (m *MessageQueue) Push(nodeID uint64, payload []byte) error {
	q := m.queue(nodeID)
	payload = append([]byte(nil), payload...)

	select {
	case q <- payload:
		return nil
	default:
		// 队列满：丢弃最早的一条再压入
		select {
		case <-q:
		default:
		}

		select {
		case q <- payload:
			return nil
		default:
			return errors.New("device_manager: 队列已满且无法清理")
		}
	}
}

func (m *MessageQueue) Pop(nodeID uint64) ([]byte, bool) {
	actual, exists := m.queues.Load(nodeID)
	if !exists {
		return nil, false
	}
	select {
	case msg := <-actual.(chan []byte):
		return msg, true
	default:
		return nil, false
	}
}

func (m *MessageQueue) IsEmpty(nodeID uint64) bool {
	actual, exists := m.queues.Load(nodeID)
	if !exists {
		return true
	}
	return len(actual.(chan []byte)) == 0
}
