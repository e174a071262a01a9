package blockchain

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sealerA = common.HexToAddress("0x1111111111111111111111111111111111111111")
	sealerB = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

// TestCliqueStatus_SealRate 测试出块率计算
func TestCliqueStatus_SealRate(t *testing.T) {
	s := &CliqueStatus{
		NumBlocks:      64,
		SealerActivity: map[common.Address]int{sealerA: 32, sealerB: 0},
	}
	assert.True(t, s.SealRate(sealerA).Equal(decimal.RequireFromString("0.5")))
	assert.True(t, s.SealRate(sealerB).IsZero())
	assert.True(t, s.SealRate(common.HexToAddress("0x03")).IsZero())

	var nilStatus *CliqueStatus
	assert.True(t, nilStatus.SealRate(sealerA).IsZero())

	// 零地址即使出现在 sealerActivity 中也不算出块
	s = &CliqueStatus{NumBlocks: 64, SealerActivity: map[common.Address]int{{}: 10}}
	assert.True(t, s.SealRate(common.Address{}).IsZero())

	// numBlocks 为 0 时按 1 计算
	s = &CliqueStatus{SealerActivity: map[common.Address]int{sealerA: 1}}
	assert.True(t, s.SealRate(sealerA).Equal(decimal.NewFromInt(1)))
}

// TestAdminCalls 测试 clique / admin 原始 RPC
func TestAdminCalls(t *testing.T) {
	f, srv := startFakeRPC(t)
	f.set("clique_status", map[string]interface{}{
		"inturnPercent":  100.0,
		"numBlocks":      64,
		"sealerActivity": map[string]int{sealerA.Hex(): 16},
	})
	f.set("admin_peers", []map[string]interface{}{
		{"id": "abc", "enode": "enode://abc@1.2.3.4:30311", "network": map[string]string{"remoteAddress": "1.2.3.4:30311"}},
	})
	f.set("admin_nodeInfo", map[string]string{"id": "self", "enode": "enode://self@127.0.0.1:30311"})
	f.set("admin_addPeer", true)

	c, err := NewClient(context.Background(), &ClientConfig{RPCURLs: []string{srv.URL}, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()
	ctx := context.Background()

	status, err := c.CliqueStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), status.NumBlocks)
	assert.True(t, status.SealRate(sealerA).Equal(decimal.RequireFromString("0.25")))

	peers, err := c.Peers(ctx)
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.Equal(t, "abc", peers[0].ID)
	assert.Equal(t, "1.2.3.4:30311", peers[0].Network.RemoteAddress)

	info, err := c.NodeInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, "self", info.ID)

	ok, err := c.AddPeer(ctx, "enode://def@5.6.7.8:30311")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdminDisabled(t *testing.T) {
	_, srv := startFakeRPC(t)
	c, err := NewClient(context.Background(), &ClientConfig{RPCURLs: []string{srv.URL}, RetryInterval: time.Millisecond})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Peers(context.Background())
	assert.ErrorIs(t, err, ErrAdminDisabled)
}
