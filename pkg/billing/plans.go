package billing

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/models"
)

// Registry 订阅计划目录
type Registry struct {
	store database.Store
	cfg   Config
}

// NewRegistry creates a plan registry.
func NewRegistry(store database.Store, cfg Config) *Registry {
	return &Registry{store: store, cfg: cfg}
}

// ListPlans returns plans sorted by price ascending, then id.
func (r *Registry) ListPlans(ctx context.Context, includeInactive bool) ([]models.Plan, error) {
	var plans []models.Plan
	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		plans, err = tx.ListPlans(ctx, includeInactive)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	models.SortPlans(plans)
	if plans == nil {
		plans = []models.Plan{}
	}
	return plans, nil
}

// GetPlan returns the plan or NotFoundError.
func (r *Registry) GetPlan(ctx context.Context, id string) (*models.Plan, error) {
	var plan *models.Plan
	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		plan, err = tx.GetPlan(ctx, id)
		return err
	})
	if errors.Is(err, database.ErrNotFound) {
		return nil, &NotFoundError{Resource: "plan", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

func (r *Registry) validatePlan(p *models.Plan) error {
	if err := Validate(p); err != nil {
		return err
	}
	for _, f := range p.Features {
		if !models.KnownFeatures[f] {
			return &ValidationError{Field: "features", Message: fmt.Sprintf("unknown feature %q", f)}
		}
	}
	return nil
}

// CreatePlan 管理员创建计划
func (r *Registry) CreatePlan(ctx context.Context, plan models.Plan) (*models.Plan, error) {
	if plan.Currency == "" {
		plan.Currency = r.cfg.currency()
	}
	plan.Currency = strings.ToLower(plan.Currency)
	if plan.IntervalCount == 0 {
		plan.IntervalCount = 1
	}
	if plan.Version == 0 {
		plan.Version = 1
	}
	plan.Features = models.NormalizeFeatures(plan.Features)
	if err := r.validatePlan(&plan); err != nil {
		return nil, err
	}

	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) error {
		return tx.CreatePlan(ctx, &plan)
	})
	if errors.Is(err, database.ErrUniqueViolation) {
		return nil, &ConflictError{Message: fmt.Sprintf("plan %s already exists", plan.ID)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create plan: %w", err)
	}
	return &plan, nil
}

// UpdatePlan applies patch. Price, interval and feature changes are rejected while an open
// subscription references the plan; name and active flag are always editable.
func (r *Registry) UpdatePlan(ctx context.Context, id string, patch models.PlanPatch) (*models.Plan, error) {
	if err := Validate(patch); err != nil {
		return nil, err
	}
	var updated models.Plan
	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) error {
		cur, err := tx.GetPlan(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return &NotFoundError{Resource: "plan", ID: id}
		}
		if err != nil {
			return err
		}
		if patch.TouchesBilling(cur) {
			inUse, err := tx.PlanInUse(ctx, id)
			if err != nil {
				return err
			}
			if inUse {
				return &ConflictError{Message: fmt.Sprintf(
					"plan %s is referenced by open subscriptions; create a new version to change price, interval or features", id)}
			}
		}
		updated = patch.Apply(*cur)
		if err := r.validatePlan(&updated); err != nil {
			return err
		}
		return tx.UpdatePlan(ctx, &updated)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

var versionSuffix = regexp.MustCompile(`^(.+)-v(\d+)$`)

// baseID strips a trailing -v<n> suffix.
func baseID(id string) string {
	if m := versionSuffix.FindStringSubmatch(id); m != nil {
		if _, err := strconv.Atoi(m[2]); err == nil {
			return m[1]
		}
	}
	return id
}

// CreatePlanVersion creates <base>-v<n+1> from the plan with patch applied and deactivates the old plan.
// Existing subscriptions keep referencing the old plan.
func (r *Registry) CreatePlanVersion(ctx context.Context, id string, patch models.PlanPatch) (*models.Plan, error) {
	if err := Validate(patch); err != nil {
		return nil, err
	}
	var next models.Plan
	err := WithRetry(ctx, r.store, r.cfg.StorageMaxRetries, func(tx database.Tx) error {
		cur, err := tx.GetPlan(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return &NotFoundError{Resource: "plan", ID: id}
		}
		if err != nil {
			return err
		}
		if !cur.IsActive {
			return &ConflictError{Message: fmt.Sprintf("plan %s is inactive; version the current plan instead", id)}
		}

		next = patch.Apply(*cur)
		next.Version = cur.Version + 1
		next.ID = fmt.Sprintf("%s-v%d", baseID(cur.ID), next.Version)
		next.Supersedes = &cur.ID
		if patch.IsActive == nil {
			next.IsActive = true
		}
		if err := r.validatePlan(&next); err != nil {
			return err
		}
		if err := tx.CreatePlan(ctx, &next); err != nil {
			if errors.Is(err, database.ErrUniqueViolation) {
				return &ConflictError{Message: fmt.Sprintf("plan %s already exists", next.ID)}
			}
			return err
		}

		cur.IsActive = false
		return tx.UpdatePlan(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}
