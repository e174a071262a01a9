package model

import (
	"fmt"
	"strconv"
	"time"

	apperrors "github.com/Jouleverse/audit/pkg/errors"
)

// BusinessOffset 业务时区相对 UTC 的固定偏移 (UTC+8)
const BusinessOffset = 8 * time.Hour

// BusinessZone 业务时区
var BusinessZone = time.FixedZone("UTC+8", int(BusinessOffset/time.Second))

// BusinessDate 业务日期 YYYYMMDD (UTC+8)，与账本合约 uint32 date 一致
type BusinessDate uint32

// BusinessDateOf 将 UTC 时间 (如区块时间戳) 换算为业务日期
func BusinessDateOf(t time.Time) BusinessDate {
	bt := t.In(BusinessZone)
	return dateOf(bt.Year(), bt.Month(), bt.Day())
}

func dateOf(y int, m time.Month, d int) BusinessDate {
	return BusinessDate(y*10000 + int(m)*100 + d)
}

// Today 业务今日
func Today(now time.Time) BusinessDate {
	return BusinessDateOf(now)
}

// Yesterday 业务昨日，默认审计目标
func Yesterday(now time.Time) BusinessDate {
	return BusinessDateOf(now).AddDays(-1)
}

// MaxTargetDate 允许写入的最大业务日期：业务今日 + 1 天
func MaxTargetDate(now time.Time) BusinessDate {
	return BusinessDateOf(now).AddDays(1)
}

// ParseBusinessDate 解析 YYYYMMDD
//
// 年 2000-9999，月 1-12，日 1-31，且必须是真实存在的日历日期。
func ParseBusinessDate(s string) (BusinessDate, error) {
	if len(s) != 8 {
		return 0, apperrors.ErrInvalidDate.WithDetail("input", s).WithMessagef("expecting YYYYMMDD, got %q", s)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrInvalidDate, err, "expecting YYYYMMDD, got %q", s)
	}
	d := BusinessDate(v)
	if !d.Valid() {
		return 0, apperrors.ErrInvalidDate.WithDetail("input", s).WithMessagef("invalid business date %s", s)
	}
	return d, nil
}

// Year 年
func (d BusinessDate) Year() int { return int(d) / 10000 }

// MonthOfYear 月
func (d BusinessDate) MonthOfYear() time.Month { return time.Month(int(d) / 100 % 100) }

// Day 日
func (d BusinessDate) Day() int { return int(d) % 100 }

// Valid 范围与日历校验
func (d BusinessDate) Valid() bool {
	y, m, day := d.Year(), d.MonthOfYear(), d.Day()
	if y < 2000 || y > 9999 || m < 1 || m > 12 || day < 1 || day > 31 {
		return false
	}
	// 2024-02-30 会被 time.Date 归一化到 3 月
	t := time.Date(y, m, day, 0, 0, 0, 0, BusinessZone)
	return t.Day() == day && t.Month() == m
}

// Time 业务日 00:00 (UTC+8) 对应的时刻
func (d BusinessDate) Time() time.Time {
	return time.Date(d.Year(), d.MonthOfYear(), d.Day(), 0, 0, 0, 0, BusinessZone)
}

// AddDays 日期加减
func (d BusinessDate) AddDays(n int) BusinessDate {
	t := d.Time().AddDate(0, 0, n)
	return dateOf(t.Year(), t.Month(), t.Day())
}

// Month 所属业务月
func (d BusinessDate) Month() BusinessMonth {
	return BusinessMonth(uint32(d) / 100)
}

// Uint32 链上表示
func (d BusinessDate) Uint32() uint32 { return uint32(d) }

func (d BusinessDate) String() string {
	return fmt.Sprintf("%08d", uint32(d))
}

// BusinessMonth 业务月 YYYYMM
type BusinessMonth uint32

// ParseBusinessMonth 解析 YYYYMM
func ParseBusinessMonth(s string) (BusinessMonth, error) {
	if len(s) != 6 {
		return 0, apperrors.ErrInvalidDate.WithDetail("input", s).WithMessagef("expecting YYYYMM, got %q", s)
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, apperrors.Wrapf(apperrors.ErrInvalidDate, err, "expecting YYYYMM, got %q", s)
	}
	m := BusinessMonth(v)
	if !BusinessDate(uint32(m)*100 + 1).Valid() {
		return 0, apperrors.ErrInvalidDate.WithDetail("input", s).WithMessagef("invalid business month %s", s)
	}
	return m, nil
}

// FirstDay 当月 1 日
func (m BusinessMonth) FirstDay() BusinessDate {
	return BusinessDate(uint32(m)*100 + 1)
}

// MonthStartUTC 当月 1 日 00:00 (UTC+8) 对应的 UTC 时刻，用于比较链上 UTC 时间戳
func (m BusinessMonth) MonthStartUTC() time.Time {
	return m.FirstDay().Time().UTC()
}

// Days 当月全部业务日期
func (m BusinessMonth) Days() []BusinessDate {
	first := m.FirstDay()
	days := make([]BusinessDate, 0, 31)
	for d := first; d.Month() == m; d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

// Next 下一个月
func (m BusinessMonth) Next() BusinessMonth {
	t := m.FirstDay().Time().AddDate(0, 1, 0)
	return BusinessMonth(t.Year()*100 + int(t.Month()))
}

func (m BusinessMonth) String() string {
	return fmt.Sprintf("%06d", uint32(m))
}
