package blockchain

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"

	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

// HeightProber 通过 witness 节点自身的 HTTP RPC 读取其区块高度
type HeightProber struct {
	port    int
	timeout time.Duration
}

// NewHeightProber 创建探测器
func NewHeightProber(port int, timeout time.Duration) *HeightProber {
	if port == 0 {
		port = 8501
	}
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HeightProber{port: port, timeout: timeout}
}

// Endpoint 节点 RPC 地址
func (p *HeightProber) Endpoint(host string) string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(p.port)))
}

// Height 返回节点的最新区块号；失败时返回分类的连接错误
func (p *HeightProber) Height(ctx context.Context, host string) (uint64, error) {
	if host == "" {
		return 0, apperrors.ErrNodeProbe.WithMessagef("empty node address")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	endpoint := p.Endpoint(host)
	client, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrNodeProbe, err, "dial %s", endpoint)
	}
	defer client.Close()

	height, err := client.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, apperrors.Wrapf(apperrors.ErrRPCTimeout, err, "eth_blockNumber %s", endpoint)
		}
		return 0, apperrors.Wrapf(apperrors.ErrNodeProbe, err, "eth_blockNumber %s", endpoint)
	}
	return height, nil
}
