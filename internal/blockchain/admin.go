package blockchain

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// CliqueStatus clique_status 返回值
type CliqueStatus struct {
	InturnPercent  float64                `json:"inturnPercent"`
	NumBlocks      uint64                 `json:"numBlocks"`
	SealerActivity map[common.Address]int `json:"sealerActivity"`
}

// SealRate 签名者在统计窗口内的出块占比
func (s *CliqueStatus) SealRate(signer common.Address) decimal.Decimal {
	// 注册表中缺少 signer 的矿工
	if s == nil || s.SealerActivity == nil || signer == (common.Address{}) {
		return decimal.Zero
	}
	n, ok := s.SealerActivity[signer]
	if !ok || n <= 0 {
		return decimal.Zero
	}
	blocks := s.NumBlocks
	if blocks == 0 {
		blocks = 1
	}
	return decimal.NewFromInt(int64(n)).Div(decimal.NewFromInt(int64(blocks)))
}

// PeerInfo admin_peers 中审计需要的字段
type PeerInfo struct {
	ID      string `json:"id"`
	Enode   string `json:"enode"`
	Name    string `json:"name"`
	Network struct {
		RemoteAddress string `json:"remoteAddress"`
	} `json:"network"`
}

// NodeInfo admin_nodeInfo
type NodeInfo struct {
	ID    string `json:"id"`
	Enode string `json:"enode"`
	Name  string `json:"name"`
}

// CliqueStatus 查询 clique 出块统计
func (c *Client) CliqueStatus(ctx context.Context) (*CliqueStatus, error) {
	var status CliqueStatus
	err := c.withRetry(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, &status, "clique_status")
	})
	if err != nil {
		return nil, err
	}
	return &status, nil
}

// Peers 查询已连接的对等节点
func (c *Client) Peers(ctx context.Context) ([]PeerInfo, error) {
	var peers []PeerInfo
	err := c.withRetry(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, &peers, "admin_peers")
	})
	return peers, adminErr(err)
}

// NodeInfo 查询审计节点自身信息
func (c *Client) NodeInfo(ctx context.Context) (*NodeInfo, error) {
	var info NodeInfo
	err := c.withRetry(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, &info, "admin_nodeInfo")
	})
	if err != nil {
		return nil, adminErr(err)
	}
	return &info, nil
}

// AddPeer 请求节点连接指定 enode
func (c *Client) AddPeer(ctx context.Context, enode string) (bool, error) {
	var ok bool
	err := c.withRetry(ctx, func(ctx context.Context, _ *ethclient.Client, raw *rpc.Client) error {
		return raw.CallContext(ctx, &ok, "admin_addPeer", enode)
	})
	return ok, adminErr(err)
}

// adminErr HTTP 端点通常不开放 admin 命名空间
func adminErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "does not exist/is not available") {
		return ErrAdminDisabled
	}
	return err
}
