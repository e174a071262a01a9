package service

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jouleverse/audit/internal/model"
)

type fixedSupply uint64

func (s fixedSupply) TotalSupply(context.Context) (uint64, error) { return uint64(s), nil }

// TestPreview 测试按 coreId 遍历
func TestPreview(t *testing.T) {
	ledger := &stubLedger{
		pairs: map[uint32]*model.DailyRecordPair{
			0: {MinerExists: true, MinerLiveness: true, MinerPoints: 100, WitnessExists: true},
			2: {WitnessExists: true, WitnessLiveness: true, WitnessPoints: 10},
		},
		readErr: map[uint32]error{3: errors.New("execution reverted")},
	}
	svc := NewPreviewService(fixedSupply(4), ledger)

	rows, err := svc.Preview(context.Background(), 20240315, PreviewOptions{})
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, uint64(100), rows[0].Total())
	assert.Error(t, rows[3].Err)
	assert.Equal(t, []uint32{0, 1, 2, 3}, ledger.reads)

	positive, err := svc.Preview(context.Background(), 20240315, PreviewOptions{OnlyPositive: true})
	require.NoError(t, err)
	require.Len(t, positive, 3)
	assert.Equal(t, uint32(0), positive[0].CoreID)
	assert.Equal(t, uint32(2), positive[1].CoreID)
	assert.Equal(t, uint32(3), positive[2].CoreID)

	var out bytes.Buffer
	NewPrinter(&out).PrintPreview(20240315, positive)
	assert.Contains(t, out.String(), "J-0 date 20240315 miner 1 100 witness 0 0 total 100")
	assert.Contains(t, out.String(), "J-2 date 20240315 miner 0 0 witness 1 10 total 10")
	assert.Contains(t, out.String(), "error J-3")
}
