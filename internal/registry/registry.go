// Package registry 加载 core_nodes.json 节点注册表
//
// 注册表加载后只读；每个周期需要的派生信息 (连接状态、出块率、高度) 放在
// model.StatusMap 中，审计节点自身的角色替换通过 ForCycle 生成副本完成。
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

var knownTypes = map[string]bool{
	model.NodeTypeMiner:        true,
	model.NodeTypeStandbyMiner: true,
	model.NodeTypeWitness:      true,
	model.NodeTypeAuditWitness: true,
}

// Registry 不可变的节点注册表
type Registry struct {
	nodes []model.PhysicalNode
	byID  map[string]struct{}
}

// Load 从文件加载
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRegistry, err, "read %s", path)
	}
	reg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	logger.Info("node registry loaded",
		zap.String("path", path),
		zap.Int("nodes", reg.Len()),
	)
	return reg, nil
}

// Parse 解析并校验注册表内容
func Parse(data []byte) (*Registry, error) {
	var nodes []model.PhysicalNode
	if err := json.Unmarshal(data, &nodes); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidRegistry, err, "registry must be a json array of nodes")
	}
	if len(nodes) == 0 {
		return nil, apperrors.ErrInvalidRegistry.WithMessagef("registry is empty")
	}

	reg := &Registry{
		nodes: make([]model.PhysicalNode, 0, len(nodes)),
		byID:  make(map[string]struct{}, len(nodes)),
	}
	for i, n := range nodes {
		if err := normalize(&n); err != nil {
			return nil, apperrors.Wrapf(apperrors.ErrInvalidRegistry, err, "entry %d", i)
		}
		if _, dup := reg.byID[n.ID]; dup {
			return nil, apperrors.ErrInvalidRegistry.WithDetail("id", n.ID).
				WithMessagef("duplicate node id at entry %d", i)
		}
		if n.Type == model.NodeTypeMiner && n.SignerHex == "" {
			// 没有 signer 无法匹配出块记录，按未出块处理
			logger.Warn("miner without signer, it will never be alive",
				zap.String("id", n.ID),
				zap.String("owner", n.Owner))
		}
		reg.byID[n.ID] = struct{}{}
		reg.nodes = append(reg.nodes, n)
	}
	return reg, nil
}

func normalize(n *model.PhysicalNode) error {
	n.ID = strings.TrimSpace(n.ID)
	n.Type = strings.TrimSpace(n.Type)
	n.Address = strings.TrimSpace(n.Address)

	switch {
	case n.ID == "":
		return fmt.Errorf("missing id")
	case n.Address == "":
		return fmt.Errorf("node %s: missing ip", n.ID)
	case !knownTypes[n.Type]:
		return fmt.Errorf("node %s: unknown type %q", n.ID, n.Type)
	}

	if n.SignerHex != "" {
		if !common.IsHexAddress(n.SignerHex) {
			return fmt.Errorf("node %s: invalid signer %q", n.ID, n.SignerHex)
		}
		n.Signer = common.HexToAddress(n.SignerHex)
	}
	return nil
}

// Len 节点数量
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Nodes 节点副本
func (r *Registry) Nodes() []model.PhysicalNode {
	out := make([]model.PhysicalNode, len(r.nodes))
	copy(out, r.nodes)
	return out
}

// ForCycle 生成本周期使用的节点副本，selfID 对应的节点按审计 witness 处理
func (r *Registry) ForCycle(selfID string) []model.PhysicalNode {
	nodes := r.Nodes()
	for i := range nodes {
		if selfID != "" && nodes[i].ID == selfID {
			nodes[i].Type = model.NodeTypeAuditWitness
		} else if nodes[i].Type == model.NodeTypeAuditWitness {
			// 注册表中标记的审计节点不是当前节点时按普通 witness 处理
			nodes[i].Type = model.NodeTypeWitness
		}
	}
	return nodes
}

// Owners 按 owner 排序去重
func Owners(nodes []model.PhysicalNode) []string {
	seen := make(map[string]bool)
	var out []string
	for _, n := range nodes {
		if n.Owner == "" || seen[n.Owner] {
			continue
		}
		seen[n.Owner] = true
		out = append(out, n.Owner)
	}
	sort.Strings(out)
	return out
}
