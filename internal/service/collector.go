// Package service 审计周期的各个阶段与编排
//
// ## 阶段
//
//  1. Collector: 读取链头、本节点身份、peers 与 clique 出块统计，并发探测 witness 高度
//  2. 聚合与签到: audit.Aggregate + checkin.Resolver
//  3. DedupGuard: 确认目标日期是否已上链
//  4. BatchRecorder: 构建、签名、广播 recordBatch 并等待回执
//
// AuditService 把以上阶段串成一个有状态机约束的周期 (见 model.CycleState)，
// 并负责持久化、事件发布与超时周期的对账。
package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jouleverse/audit/internal/audit"
	"github.com/Jouleverse/audit/internal/blockchain"
	"github.com/Jouleverse/audit/internal/metrics"
	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// ChainObserver 采集网络快照需要的链读接口
type ChainObserver interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	CliqueStatus(ctx context.Context) (*blockchain.CliqueStatus, error)
	Peers(ctx context.Context) ([]blockchain.PeerInfo, error)
	NodeInfo(ctx context.Context) (*blockchain.NodeInfo, error)
	AddPeer(ctx context.Context, enode string) (bool, error)
}

// HeightProbe witness 高度探测
type HeightProbe interface {
	Height(ctx context.Context, host string) (uint64, error)
}

// NodeSource 每个周期的节点副本
type NodeSource interface {
	ForCycle(selfID string) []model.PhysicalNode
}

// CollectorConfig 采集配置
type CollectorConfig struct {
	ProbeConcurrency int
	AutoAddPeers     bool
	ChainFreshness   time.Duration
}

// Snapshot 单个周期的网络观测
type Snapshot struct {
	Head       uint64
	HeadTime   time.Time
	ObservedAt time.Time
	SelfID     string
	Nodes      []model.PhysicalNode
	Statuses   model.StatusMap
	ReAdded    []string
	freshness  time.Duration
}

// Lag 链头落后于观测时间
func (s *Snapshot) Lag() time.Duration {
	if s.HeadTime.IsZero() {
		return 0
	}
	lag := s.ObservedAt.Sub(s.HeadTime)
	if lag < 0 {
		return 0
	}
	return lag
}

// Green 链头是否新鲜
func (s *Snapshot) Green() bool {
	return s.Lag() < s.freshness
}

// AliveCounts 存活的矿工与 witness 数量 (不含备用矿工)
func (s *Snapshot) AliveCounts() (miners, witnesses int) {
	for _, n := range s.Nodes {
		role, ok := n.Role()
		if !ok || !s.Statuses.Get(n.ID).Alive {
			continue
		}
		if role == model.RoleMiner {
			miners++
		} else {
			witnesses++
		}
	}
	return miners, witnesses
}

// Collector 网络观测
type Collector struct {
	chain  ChainObserver
	prober HeightProbe
	nodes  NodeSource
	cfg    CollectorConfig
	now    func() time.Time
}

// NewCollector 创建采集器
func NewCollector(chain ChainObserver, prober HeightProbe, nodes NodeSource, cfg CollectorConfig) *Collector {
	if cfg.ProbeConcurrency <= 0 {
		cfg.ProbeConcurrency = 8
	}
	if cfg.ChainFreshness <= 0 {
		cfg.ChainFreshness = 60 * time.Second
	}
	return &Collector{
		chain:  chain,
		prober: prober,
		nodes:  nodes,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Collect 采集并判定所有节点的存活状态
//
// 链头读取失败终止周期；其余读取失败只降级 (对应节点判定为不存活)。
func (c *Collector) Collect(ctx context.Context) (*Snapshot, error) {
	header, err := c.chain.HeaderByNumber(ctx, nil)
	if err != nil {
		metrics.RecordRPCError("eth_getBlockByNumber")
		return nil, apperrors.Wrapf(apperrors.ErrRPCUnreachable, err, "read chain head")
	}

	snap := &Snapshot{
		Head:       header.Number.Uint64(),
		HeadTime:   time.Unix(int64(header.Time), 0),
		ObservedAt: c.now(),
		Statuses:   make(model.StatusMap),
		freshness:  c.cfg.ChainFreshness,
	}
	if !snap.Green() {
		logger.Warn("chain head is stale",
			zap.Uint64("head", snap.Head),
			zap.Duration("lag", snap.Lag()))
	}

	if info, err := c.chain.NodeInfo(ctx); err != nil {
		metrics.RecordRPCError("admin_nodeInfo")
		logger.Warn("admin_nodeInfo failed, audit node not identified", zap.Error(err))
	} else {
		snap.SelfID = info.ID
	}

	connected := make(map[string]bool)
	if peers, err := c.chain.Peers(ctx); err != nil {
		metrics.RecordRPCError("admin_peers")
		logger.Warn("admin_peers failed, all nodes treated as disconnected", zap.Error(err))
	} else {
		for _, p := range peers {
			connected[p.ID] = true
		}
	}

	snap.Nodes = c.nodes.ForCycle(snap.SelfID)
	for _, n := range snap.Nodes {
		self := snap.SelfID != "" && n.ID == snap.SelfID
		snap.Statuses[n.ID] = &model.NodeStatus{
			NodeID:    n.ID,
			Self:      self,
			Connected: self || connected[n.ID],
			SealRate:  decimal.Zero,
		}
	}

	if c.cfg.AutoAddPeers {
		snap.ReAdded = c.reconnect(ctx, snap)
	}

	c.fillSealRates(ctx, snap)

	if err := c.probeWitnesses(ctx, snap); err != nil {
		return nil, err
	}

	audit.ClassifyAll(snap.Nodes, snap.Statuses, snap.Head)

	metrics.RecordChainHead(snap.Head, snap.Lag().Seconds())
	for _, n := range snap.Nodes {
		if role, ok := n.Role(); ok {
			metrics.RecordProbe(role.String(), snap.Statuses.Get(n.ID).Alive)
		}
	}

	miners, witnesses := snap.AliveCounts()
	logger.Info("network snapshot collected",
		zap.Uint64("head", snap.Head),
		zap.String("self", snap.SelfID),
		zap.Int("nodes", len(snap.Nodes)),
		zap.Int("alive_miners", miners),
		zap.Int("alive_witnesses", witnesses))
	return snap, nil
}

// reconnect 对未连接的节点执行 admin_addPeer
func (c *Collector) reconnect(ctx context.Context, snap *Snapshot) []string {
	var added []string
	for _, n := range snap.Nodes {
		st := snap.Statuses[n.ID]
		if st.Connected || n.Enode == "" {
			continue
		}
		ok, err := c.chain.AddPeer(ctx, n.Enode)
		if errors.Is(err, blockchain.ErrAdminDisabled) {
			logger.Warn("admin namespace disabled, skip re-adding peers")
			break
		}
		if err != nil {
			logger.Debug("admin_addPeer failed", zap.String("node", n.ID), zap.Error(err))
			continue
		}
		if ok {
			added = append(added, n.ID)
		}
	}
	return added
}

func (c *Collector) fillSealRates(ctx context.Context, snap *Snapshot) {
	clique, err := c.chain.CliqueStatus(ctx)
	if err != nil {
		metrics.RecordRPCError("clique_status")
		logger.Warn("clique_status failed, miner seal rates are zero", zap.Error(err))
		return
	}
	for _, n := range snap.Nodes {
		if n.Type != model.NodeTypeMiner {
			continue
		}
		snap.Statuses[n.ID].SealRate = clique.SealRate(n.Signer)
	}
}

// probeWitnesses 并发探测，每个节点写入各自的状态对象
func (c *Collector) probeWitnesses(ctx context.Context, snap *Snapshot) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ProbeConcurrency)

	for _, n := range snap.Nodes {
		role, ok := n.Role()
		if !ok || role != model.RoleWitness {
			continue
		}
		node := n
		st := snap.Statuses[n.ID]
		g.Go(func() error {
			h, err := c.prober.Height(gctx, node.Address)
			if err != nil {
				st.ProbeErr = err
				logger.Debug("witness probe failed",
					zap.String("node", node.ID),
					zap.String("ip", node.Address),
					zap.Error(err))
				return nil
			}
			st.Height = h
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	// 整个周期被取消时不产出快照
	if err := ctx.Err(); err != nil {
		return apperrors.Wrapf(apperrors.ErrRPCTimeout, err, "witness probes cancelled")
	}
	return nil
}
