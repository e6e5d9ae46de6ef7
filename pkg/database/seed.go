package database

import "news-site-backend/pkg/models"

// DefaultPlans 初始计划，与 0001_init 迁移中写入的数据一致
func DefaultPlans() []models.Plan {
	return []models.Plan{
		{
			ID:            "monthly",
			Name:          "Monthly",
			Price:         500,
			Currency:      "usd",
			Interval:      models.IntervalMonth,
			IntervalCount: 1,
			Features:      []models.Feature{models.FeatureCanPinPost},
			IsActive:      true,
			Version:       1,
		},
		{
			ID:            "yearly",
			Name:          "Yearly",
			Price:         5000,
			Currency:      "usd",
			Interval:      models.IntervalYear,
			IntervalCount: 1,
			Features:      []models.Feature{models.FeatureCanPinPost},
			IsActive:      true,
			Version:       1,
		},
	}
}
