package models

import "time"

// PostStatus 帖子发布状态（由帖子服务维护）
type PostStatus string

const (
	PostDraft     PostStatus = "draft"
	PostPublished PostStatus = "published"
)

// Post is the read-only view of a post owned by the post service.
type Post struct {
	ID       string     `json:"id" db:"id"`
	AuthorID string     `json:"author_id" db:"author_id"`
	Title    string     `json:"title" db:"title"`
	Status   PostStatus `json:"status" db:"status"`
}

// PinnedPost 订阅用户置顶的帖子，每个用户最多一条
type PinnedPost struct {
	PostID   string    `json:"post_id" db:"post_id"`
	UserID   string    `json:"user_id" db:"user_id"`
	PinnedAt time.Time `json:"pinned_at" db:"pinned_at"`

	Post *Post `json:"post,omitempty"`
}

// PinPostRequest 置顶请求
type PinPostRequest struct {
	PostID string `json:"post_id" validate:"required"`
}

// PinChecks 置顶前的检查结果
type PinChecks struct {
	PostExists            bool `json:"post_exists"`
	IsOwnPost             bool `json:"is_own_post"`
	IsPublished           bool `json:"is_published"`
	HasActiveSubscription bool `json:"has_active_subscription"`
	PlanAllowsPinning     bool `json:"plan_allows_pinning"`
	CanPin                bool `json:"can_pin"`
}
