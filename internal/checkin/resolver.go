// Package checkin 解析参与者本月是否已 check-in
//
// 任何读取或解析失败都按未 check-in 处理，错误按类别返回给调用方展示。
package checkin

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Jouleverse/audit/internal/contract"
	"github.com/Jouleverse/audit/internal/metrics"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

// TokenURIReader JVCore 元数据读取
type TokenURIReader interface {
	TokenURI(ctx context.Context, coreID uint32) (string, error)
}

// Result 单个参与者的 check-in 结果
type Result struct {
	CheckedIn   bool
	LastCheckIn time.Time
	Err         error
}

// Config 解析器配置
type Config struct {
	Timeout     time.Duration // 单次读取超时
	Concurrency int
}

// Resolver check-in 解析器
type Resolver struct {
	reader TokenURIReader
	cfg    Config
}

// NewResolver 创建解析器
func NewResolver(reader TokenURIReader, cfg Config) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &Resolver{reader: reader, cfg: cfg}
}

// Resolve 读取 tokenURI 并与月初比较，lastCheckInTime > monthStart 视为已 check-in
func (r *Resolver) Resolve(ctx context.Context, coreID uint32, monthStart time.Time) Result {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	uri, err := r.reader.TokenURI(ctx, coreID)
	if err != nil {
		return r.fail(coreID, classifyReadError(err))
	}

	obj, err := DecodeTokenURI(uri)
	if err != nil {
		return r.fail(coreID, err)
	}
	ts, err := LastCheckInTime(obj)
	if err != nil {
		return r.fail(coreID, err)
	}

	res := Result{}
	if ts > 0 {
		res.LastCheckIn = time.Unix(ts, 0).UTC()
		res.CheckedIn = ts > monthStart.Unix()
	}
	if res.CheckedIn {
		metrics.RecordCheckin("checked_in")
	} else {
		metrics.RecordCheckin("not_checked_in")
	}
	return res
}

func (r *Resolver) fail(coreID uint32, err error) Result {
	kind := apperrors.KindOf(err)
	metrics.RecordCheckin(strings.ToLower(string(kind)))
	logger.Warn("check-in resolve failed",
		zap.Uint32("core_id", coreID),
		zap.String("kind", string(kind)),
		zap.Error(err),
	)
	return Result{Err: err}
}

// ResolveAll 并发解析一组参与者，单个失败不影响其他
func (r *Resolver) ResolveAll(ctx context.Context, ids []uint32, monthStart time.Time) map[uint32]Result {
	sorted := append([]uint32(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var mu sync.Mutex
	results := make(map[uint32]Result, len(sorted))

	g := new(errgroup.Group)
	g.SetLimit(r.cfg.Concurrency)
	for _, id := range sorted {
		id := id
		g.Go(func() error {
			res := r.Resolve(ctx, id, monthStart)
			mu.Lock()
			results[id] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CheckedInSet 转换成积分引擎使用的 map
func CheckedInSet(results map[uint32]Result) map[uint32]bool {
	out := make(map[uint32]bool, len(results))
	for id, res := range results {
		out[id] = res.CheckedIn
	}
	return out
}

func classifyReadError(err error) error {
	switch {
	case contract.IsRevert(err):
		return apperrors.Wrap(apperrors.ErrTokenNotFound, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.Wrap(apperrors.ErrRPCTimeout, err)
	default:
		var appErr *apperrors.Error
		if errors.As(err, &appErr) {
			return err
		}
		return apperrors.Wrap(apperrors.ErrRPCUnreachable, err)
	}
}
