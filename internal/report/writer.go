package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Jouleverse/audit/internal/model"
	apperrors "github.com/Jouleverse/audit/pkg/errors"
	"github.com/Jouleverse/audit/pkg/logger"
)

const (
	latestFile = "report.json"
	monthsFile = "months.json"
)

// Writer 把月报写入输出目录
//
// 输出 report_YYYYMM.json、report.json (最新一份) 以及 months.json (已生成的月份列表)。
type Writer struct {
	dir string
}

// NewWriter 创建写入器
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir}
}

// FileName 月报文件名
func FileName(month model.BusinessMonth) string {
	return "report_" + month.String() + ".json"
}

// Write 写入月报并更新月份索引
func (w *Writer) Write(report *model.MonthlyReport) (string, error) {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", err
	}

	path := filepath.Join(w.dir, FileName(report.Month))
	if err := writeFileAtomic(path, data); err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(w.dir, latestFile), data); err != nil {
		return "", err
	}

	months, err := w.Months()
	if err != nil {
		return "", err
	}
	months = mergeMonth(months, report.Month)
	index, err := json.MarshalIndent(months, "", "  ")
	if err != nil {
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(w.dir, monthsFile), index); err != nil {
		return "", err
	}

	logger.Info("report written",
		zap.String("path", path),
		zap.Int("months", len(months)))
	return path, nil
}

// Months 读取已生成的月份列表，文件不存在时返回空
func (w *Writer) Months() ([]model.BusinessMonth, error) {
	data, err := os.ReadFile(filepath.Join(w.dir, monthsFile))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var months []model.BusinessMonth
	if err := json.Unmarshal(data, &months); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrPayloadDecode, err, "parse %s", monthsFile)
	}
	return months, nil
}

// mergeMonth 去重并升序
func mergeMonth(months []model.BusinessMonth, m model.BusinessMonth) []model.BusinessMonth {
	seen := map[model.BusinessMonth]bool{m: true}
	out := []model.BusinessMonth{m}
	for _, x := range months {
		if !seen[x] {
			seen[x] = true
			out = append(out, x)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// LoadCoreIDs 读取 coreId 列表 (JSON 数组)
func LoadCoreIDs(path string) ([]uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "read core ids %s", path)
	}
	var ids []uint32
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ids); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrInvalidConfig, err, "parse core ids %s", path)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
