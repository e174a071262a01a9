package blockchain

import (
	"context"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

// TestHeightProber 测试 witness 高度探测
func TestHeightProber(t *testing.T) {
	f, srv := startFakeRPC(t)
	f.set("eth_blockNumber", "0x64")

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	p := NewHeightProber(port, time.Second)
	assert.Equal(t, srv.URL, p.Endpoint(u.Hostname()))

	h, err := p.Height(context.Background(), u.Hostname())
	require.NoError(t, err)
	assert.Equal(t, uint64(100), h)
}

// TestHeightProber_Unreachable 不可达节点返回连接类错误
func TestHeightProber_Unreachable(t *testing.T) {
	p := NewHeightProber(1, 200*time.Millisecond)

	_, err := p.Height(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.True(t, apperrors.IsKind(err, apperrors.KindConnectivity))

	_, err = p.Height(context.Background(), "")
	assert.True(t, apperrors.IsKind(err, apperrors.KindConnectivity))
}

func TestNewHeightProber_Defaults(t *testing.T) {
	p := NewHeightProber(0, 0)
	assert.Equal(t, "http://10.0.0.1:8501", p.Endpoint("10.0.0.1"))
}
