package models

import (
	"sort"
	"time"
)

// Feature 订阅计划提供的功能标记
type Feature string

const (
	FeatureCanPinPost Feature = "CAN_PIN_POST"
)

// KnownFeatures 已知的功能标记集合
var KnownFeatures = map[Feature]bool{
	FeatureCanPinPost: true,
}

// BillingInterval 计费周期单位
type BillingInterval string

const (
	IntervalDay   BillingInterval = "day"
	IntervalWeek  BillingInterval = "week"
	IntervalMonth BillingInterval = "month"
	IntervalYear  BillingInterval = "year"
)

// Valid 检查周期单位是否合法
func (i BillingInterval) Valid() bool {
	switch i {
	case IntervalDay, IntervalWeek, IntervalMonth, IntervalYear:
		return true
	}
	return false
}

// Plan represents a subscription plan
type Plan struct {
	ID            string          `json:"id" db:"id" validate:"required,max=64"`
	Name          string          `json:"name" db:"name" validate:"required,max=100"`
	Price         int64           `json:"price" db:"price" validate:"gte=0"` // minor currency units
	Currency      string          `json:"currency" db:"currency" validate:"required,len=3"`
	Interval      BillingInterval `json:"interval" db:"interval" validate:"required,oneof=day week month year"`
	IntervalCount int             `json:"interval_count" db:"interval_count" validate:"gte=1,lte=36"`
	Features      []Feature       `json:"features" db:"features"`
	IsActive      bool            `json:"is_active" db:"is_active"`
	Version       int             `json:"version" db:"version"`
	Supersedes    *string         `json:"supersedes,omitempty" db:"supersedes"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// HasFeature 判断计划是否包含指定功能
func (p *Plan) HasFeature(f Feature) bool {
	for _, pf := range p.Features {
		if pf == f {
			return true
		}
	}
	return false
}

// PeriodEnd 从 start 开始计算一个计费周期的结束时间
func (p *Plan) PeriodEnd(start time.Time) time.Time {
	n := p.IntervalCount
	if n < 1 {
		n = 1
	}
	switch p.Interval {
	case IntervalDay:
		return start.AddDate(0, 0, n)
	case IntervalWeek:
		return start.AddDate(0, 0, 7*n)
	case IntervalYear:
		return addMonths(start, 12*n)
	default:
		return addMonths(start, n)
	}
}

// addMonths 按月相加，日期超过目标月最后一天时取最后一天（1月31日 + 1个月 = 2月28/29日）
func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// SameFeatures reports whether a and b carry the same feature set, ignoring order and duplicates.
func SameFeatures(a, b []Feature) bool {
	return equalStrings(NormalizeFeatures(a), NormalizeFeatures(b))
}

// NormalizeFeatures 去重并排序
func NormalizeFeatures(fs []Feature) []Feature {
	seen := make(map[Feature]bool, len(fs))
	out := make([]Feature, 0, len(fs))
	for _, f := range fs {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalStrings(a, b []Feature) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// SortPlans orders plans by price ascending, then by id.
func SortPlans(plans []Plan) {
	sort.SliceStable(plans, func(i, j int) bool {
		if plans[i].Price != plans[j].Price {
			return plans[i].Price < plans[j].Price
		}
		return plans[i].ID < plans[j].ID
	})
}

// PlanPatch 管理员更新计划时允许修改的字段
type PlanPatch struct {
	Name          *string          `json:"name,omitempty" validate:"omitempty,max=100"`
	Price         *int64           `json:"price,omitempty" validate:"omitempty,gte=0"`
	Interval      *BillingInterval `json:"interval,omitempty" validate:"omitempty,oneof=day week month year"`
	IntervalCount *int             `json:"interval_count,omitempty" validate:"omitempty,gte=1,lte=36"`
	Features      []Feature        `json:"features,omitempty"`
	IsActive      *bool            `json:"is_active,omitempty"`
}

// TouchesBilling reports whether the patch changes price, interval or features of p.
func (pp PlanPatch) TouchesBilling(p *Plan) bool {
	if pp.Price != nil && *pp.Price != p.Price {
		return true
	}
	if pp.Interval != nil && *pp.Interval != p.Interval {
		return true
	}
	if pp.IntervalCount != nil && *pp.IntervalCount != p.IntervalCount {
		return true
	}
	if pp.Features != nil && !SameFeatures(pp.Features, p.Features) {
		return true
	}
	return false
}

// Apply 将补丁应用到计划副本上
func (pp PlanPatch) Apply(p Plan) Plan {
	if pp.Name != nil {
		p.Name = *pp.Name
	}
	if pp.Price != nil {
		p.Price = *pp.Price
	}
	if pp.Interval != nil {
		p.Interval = *pp.Interval
	}
	if pp.IntervalCount != nil {
		p.IntervalCount = *pp.IntervalCount
	}
	if pp.Features != nil {
		p.Features = NormalizeFeatures(pp.Features)
	}
	if pp.IsActive != nil {
		p.IsActive = *pp.IsActive
	}
	return p
}
