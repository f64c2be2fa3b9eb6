package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/mux"
	"github.com/nhirsama/Goster-Mesh/src/inter"
)

// NodeView 节点状态的 JSON 视图
type NodeView struct {
	NodeID         string      `json:"node_id"`
	Status         string      `json:"status"`
	LastSeen       time.Time   `json:"last_seen"`
	RebootReason   uint32      `json:"reboot_reason"`
	RebootCount    uint32      `json:"reboot_count"`
	GitSHA         string      `json:"git_sha"`
	SelfTestResult uint32      `json:"self_test_result"`
	Device         *DeviceView `json:"device,omitempty"`
}

type DeviceView struct {
	VendorID   uint16 `json:"vendor_id"`
	ProductID  uint16 `json:"product_id"`
	Version    string `json:"version"`
	VersionStr string `json:"version_string"`
	DeviceName string `json:"device_name"`
}

// ConfigView 配置分区的 JSON 视图，值以 CBOR 诊断记法给出
type ConfigView struct {
	Partition string            `json:"partition"`
	Committed bool              `json:"committed"`
	Values    map[string]string `json:"values"`
}

type statusServer struct {
	registry inter.NodeRegistry
	store    inter.ConfigStore
}

// NewStatusHandler 返回只读状态接口:
//
//	GET /api/nodes              在线节点列表
//	GET /api/nodes/{id}         单个节点，id 支持 0x 前缀
//	GET /api/config/{partition} 本节点配置分区
func NewStatusHandler(registry inter.NodeRegistry, store inter.ConfigStore) http.Handler {
	s := &statusServer{registry: registry, store: store}
	r := mux.NewRouter()
	r.HandleFunc("/api/nodes", s.nodeListHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/nodes/{id}", s.nodeHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/config/{partition}", s.configHandler).Methods(http.MethodGet)
	return r
}

// nodeListHandler 在线节点列表
func (s *statusServer) nodeListHandler(w http.ResponseWriter, r *http.Request) {
	views := make([]NodeView, 0)
	for _, id := range s.registry.OnlineNodes() {
		info, ok := s.registry.Lookup(id)
		if !ok {
			continue
		}
		views = append(views, s.view(info))
	}
	writeJSON(w, views)
}

// nodeHandler 单个节点详情，从未出现过的节点返回 404
func (s *statusServer) nodeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 0, 64)
	if err != nil {
		http.Error(w, "无效的节点 ID", http.StatusBadRequest)
		return
	}
	info, ok := s.registry.Lookup(id)
	if !ok {
		http.Error(w, "未找到节点", http.StatusNotFound)
		return
	}
	writeJSON(w, s.view(info))
}

func (s *statusServer) configHandler(w http.ResponseWriter, r *http.Request) {
	partition, err := inter.ParsePartition(mux.Vars(r)["partition"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	committed, keys, err := s.store.Status(partition)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	view := ConfigView{Partition: partition.String(), Committed: committed, Values: make(map[string]string, len(keys))}
	for _, key := range keys {
		value, err := s.store.Get(partition, key)
		if errors.Is(err, inter.ErrConfigKeyNotFound) {
			// 读取 Status 之后被删除
			continue
		}
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		diag, err := cbor.Diagnose(value)
		if err != nil {
			diag = fmt.Sprintf("h'%x'", value)
		}
		view.Values[key] = diag
	}
	writeJSON(w, view)
}

func (s *statusServer) view(info inter.NodeInfo) NodeView {
	status, _ := s.registry.QueryNodeStatus(info.NodeID)
	v := NodeView{
		NodeID:         fmt.Sprintf("%016x", info.NodeID),
		Status:         status.String(),
		LastSeen:       info.LastSeen,
		RebootReason:   info.RebootReason,
		RebootCount:    info.RebootCount,
		GitSHA:         fmt.Sprintf("%08x", info.GitSHA),
		SelfTestResult: info.SelfTestResult,
	}
	if d := info.Device; d != nil {
		v.Device = &DeviceView{
			VendorID:   d.VendorID,
			ProductID:  d.ProductID,
			Version:    fmt.Sprintf("%d.%d.%d", d.VerMajor, d.VerMinor, d.VerRev),
			VersionStr: d.VersionString,
			DeviceName: d.DeviceName,
		}
	}
	return v
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
