package device_manager

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// ErrNodeUnknown 节点从未出现过
var ErrNodeUnknown = errors.New("device_manager: 节点从未上线")

// NodeRegistry 节点活跃表
type NodeRegistry struct {
	nodes sync.Map // map[uint64]*nodeEntry

	// DeathLine 超过该时长未收到报文即判定离线
	DeathLine time.Duration

	now func() time.Time
}

type nodeEntry struct {
	mu   sync.Mutex
	info inter.NodeInfo
}

var _ inter.NodeRegistry = (*NodeRegistry)(nil)

func NewNodeRegistry(deathLine time.Duration) *NodeRegistry {
	if deathLine <= 0 {
		deathLine = 60 * time.Second
	}
	return &NodeRegistry{DeathLine: deathLine, now: time.Now}
}

func (r *NodeRegistry) entry(nodeID uint64) *nodeEntry {
	actual, _ := r.nodes.LoadOrStore(nodeID, &nodeEntry{info: inter.NodeInfo{NodeID: nodeID}})
	return actual.(*nodeEntry)
}

func (r *NodeRegistry) HandleSeen(nodeID uint64) {
	r.Update(nodeID, nil)
}

func (r *NodeRegistry) Update(nodeID uint64, fn func(info *inter.NodeInfo)) {
	e := r.entry(nodeID)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.info.LastSeen = r.now()
	if fn != nil {
		fn(&e.info)
	}
}

func (r *NodeRegistry) QueryNodeStatus(nodeID uint64) (inter.NodeStatus, error) {
	info, ok := r.Lookup(nodeID)
	if !ok {
		return inter.StatusOffline, ErrNodeUnknown
	}
	if r.now().Sub(info.LastSeen) < r.DeathLine {
		return inter.StatusOnline, nil
	}
	return inter.StatusOffline, nil
}

func (r *NodeRegistry) Lookup(nodeID uint64) (inter.NodeInfo, bool) {
	actual, ok := r.nodes.Load(nodeID)
	if !ok {
		return inter.NodeInfo{}, false
	}
	e := actual.(*nodeEntry)
	e.mu.Lock()
	defer e.mu.Unlock()
	info := e.info
	if info.Device != nil {
		dev := *info.Device
		info.Device = &dev
	}
	return info, true
}

func (r *NodeRegistry) OnlineNodes() []uint64 {
	var ids []uint64
	r.nodes.Range(func(key, _ any) bool {
		id := key.(uint64)
		if status, _ := r.QueryNodeStatus(id); status == inter.StatusOnline {
			ids = append(ids, id)
		}
		return true
	})
	slices.Sort(ids)
	return ids
}
