package billing

import (
	"context"
	"errors"
	"fmt"

	"news-site-backend/pkg/database"
	"news-site-backend/pkg/models"
)

// Pins 置顶帖子，需要计划包含 CAN_PIN_POST
type Pins struct {
	store database.Store
	cfg   Config
}

// NewPins creates the pinned post service.
func NewPins(store database.Store, cfg Config) *Pins {
	return &Pins{store: store, cfg: cfg}
}

func (p *Pins) checks(ctx context.Context, tx database.Tx, userID, postID string) (models.PinChecks, error) {
	var c models.PinChecks
	post, err := tx.GetPost(ctx, postID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return c, err
	default:
		c.PostExists = true
		c.IsOwnPost = post.AuthorID == userID
		c.IsPublished = post.Status == models.PostPublished
	}

	sub, err := currentSubscription(ctx, tx, userID)
	if err != nil {
		return c, err
	}
	if sub != nil && sub.IsUsable(p.cfg.now(), p.cfg.GracePeriod) {
		c.HasActiveSubscription = true
		c.PlanAllowsPinning = sub.Plan.HasFeature(models.FeatureCanPinPost)
	}
	c.CanPin = c.PostExists && c.IsOwnPost && c.IsPublished && c.HasActiveSubscription && c.PlanAllowsPinning
	return c, nil
}

// CanPin 返回置顶前的各项检查结果
func (p *Pins) CanPin(ctx context.Context, userID, postID string) (models.PinChecks, error) {
	var c models.PinChecks
	err := WithRetry(ctx, p.store, p.cfg.StorageMaxRetries, func(tx database.Tx) (err error) {
		c, err = p.checks(ctx, tx, userID, postID)
		return err
	})
	if err != nil {
		return c, fmt.Errorf("failed to check pin eligibility: %w", err)
	}
	return c, nil
}

// Pin pins the user's own published post, replacing any previous pin of the user.
func (p *Pins) Pin(ctx context.Context, userID, postID string) (*models.PinnedPost, error) {
	var pin *models.PinnedPost
	err := WithRetry(ctx, p.store, p.cfg.StorageMaxRetries, func(tx database.Tx) error {
		c, err := p.checks(ctx, tx, userID, postID)
		if err != nil {
			return err
		}
		switch {
		case !c.PostExists:
			return &NotFoundError{Resource: "post", ID: postID}
		case !c.IsOwnPost:
			return &ForbiddenError{Message: "you can only pin your own posts"}
		case !c.IsPublished:
			return &ValidationError{Field: "post_id", Message: "only published posts can be pinned"}
		case !c.HasActiveSubscription:
			return &ForbiddenError{Message: "an active subscription is required to pin posts"}
		case !c.PlanAllowsPinning:
			return &ForbiddenError{Message: "your plan does not include post pinning"}
		}

		pin = &models.PinnedPost{UserID: userID, PostID: postID, PinnedAt: p.cfg.now()}
		if err := tx.PinPost(ctx, pin); err != nil {
			if errors.Is(err, database.ErrUniqueViolation) {
				return &ConflictError{Message: "post is already pinned"}
			}
			return err
		}
		pin.Post, err = tx.GetPost(ctx, postID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pin, nil
}

// Unpin removes the user's pin.
func (p *Pins) Unpin(ctx context.Context, userID string) error {
	return WithRetry(ctx, p.store, p.cfg.StorageMaxRetries, func(tx database.Tx) error {
		ok, err := tx.DeletePinnedPost(ctx, userID)
		if err != nil {
			return err
		}
		if !ok {
			return &NotFoundError{Resource: "pinned post"}
		}
		return nil
	})
}

// ListValid returns pins whose owner still holds a subscription that allows pinning.
// Pins that lost eligibility stay in storage until the expiry sweep removes them.
func (p *Pins) ListValid(ctx context.Context) ([]models.PinnedPost, error) {
	valid := []models.PinnedPost{}
	now := p.cfg.now()
	err := WithRetry(ctx, p.store, p.cfg.StorageMaxRetries, func(tx database.Tx) error {
		valid = valid[:0]
		pins, err := tx.ListPinnedPosts(ctx)
		if err != nil {
			return err
		}
		for _, pin := range pins {
			ok, err := FeatureGranted(ctx, tx, pin.UserID, models.FeatureCanPinPost, now, p.cfg.GracePeriod)
			if err != nil {
				return err
			}
			if ok {
				valid = append(valid, pin)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pinned posts: %w", err)
	}
	return valid, nil
}
