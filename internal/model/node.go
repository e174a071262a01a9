package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Role 节点角色，与账本合约 nodeType 一致
type Role uint8

const (
	RoleMiner   Role = 0
	RoleWitness Role = 1
)

func (r Role) String() string {
	switch r {
	case RoleMiner:
		return "MINER"
	case RoleWitness:
		return "WITNESS"
	default:
		return "UNKNOWN"
	}
}

// Registry 中的节点类型
const (
	NodeTypeMiner        = "miner"
	NodeTypeStandbyMiner = "miner*"
	NodeTypeWitness      = "witness"
	NodeTypeAuditWitness = "witness(a)"
)

// ParticipantID 可选的参与者 (core) 标识
//
// 缺失与 0 必须区分：0 是合法的 coreId。
type ParticipantID struct {
	value uint32
	valid bool
}

// SomeParticipant 有值
func SomeParticipant(id uint32) ParticipantID {
	return ParticipantID{value: id, valid: true}
}

// NoParticipant 未登记 (无 KYC)
func NoParticipant() ParticipantID {
	return ParticipantID{}
}

// Get 返回值与是否存在
func (p ParticipantID) Get() (uint32, bool) {
	return p.value, p.valid
}

// IsSet 是否存在
func (p ParticipantID) IsSet() bool {
	return p.valid
}

func (p ParticipantID) String() string {
	if !p.valid {
		return "-"
	}
	return strconv.FormatUint(uint64(p.value), 10)
}

// MarshalJSON 缺失时输出 null
func (p ParticipantID) MarshalJSON() ([]byte, error) {
	if !p.valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatUint(uint64(p.value), 10)), nil
}

// UnmarshalJSON 接受 null、整数或数字字符串，范围 0..0xFFFFFFFF
func (p *ParticipantID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = NoParticipant()
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		raw = strings.TrimSpace(s)
		if raw == "" {
			*p = NoParticipant()
			return nil
		}
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid coreId %s: %w", raw, err)
	}
	if v < 0 || v > math.MaxUint32 {
		return fmt.Errorf("coreId %d out of range", v)
	}
	*p = SomeParticipant(uint32(v))
	return nil
}

// PhysicalNode 注册表中的一个物理节点，加载后不可变
type PhysicalNode struct {
	ID          string         `json:"id"`
	Owner       string         `json:"owner"`
	Type        string         `json:"type"`
	Address     string         `json:"ip"`
	Enode       string         `json:"enode"`
	Signer      common.Address `json:"-"`
	SignerHex   string         `json:"signer,omitempty"`
	Since       string         `json:"since,omitempty"`
	Participant ParticipantID  `json:"coreId"`
}

// Role 节点角色，miner* (备用矿工) 不参与积分
func (n PhysicalNode) Role() (Role, bool) {
	switch n.Type {
	case NodeTypeMiner:
		return RoleMiner, true
	case NodeTypeWitness, NodeTypeAuditWitness:
		return RoleWitness, true
	default:
		return 0, false
	}
}

// IsStandby 是否备用矿工
func (n PhysicalNode) IsStandby() bool {
	return n.Type == NodeTypeStandbyMiner
}

// NodeStatus 单个审计周期内的节点观测结果
type NodeStatus struct {
	NodeID    string          `json:"node_id"`
	Self      bool            `json:"self"`
	Connected bool            `json:"connected"`
	SealRate  decimal.Decimal `json:"seal_rate"`
	Height    uint64          `json:"height"`
	Alive     bool            `json:"alive"`
	ProbeErr  error           `json:"-"`
}

// StatusMap 每个周期新建，按节点 ID 索引；注册表本身不被修改
type StatusMap map[string]*NodeStatus

// Get 获取状态，不存在时返回零值状态 (视为不存活)
func (m StatusMap) Get(nodeID string) *NodeStatus {
	if s, ok := m[nodeID]; ok && s != nil {
		return s
	}
	return &NodeStatus{NodeID: nodeID, SealRate: decimal.Zero}
}
