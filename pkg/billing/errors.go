package billing

import (
	"errors"
	"fmt"
)

// Kind 错误分类，HTTP 层据此映射状态码
type Kind string

const (
	KindValidation        Kind = "VALIDATION_ERROR"
	KindNotFound          Kind = "NOT_FOUND"
	KindConflict          Kind = "CONFLICT"
	KindForbidden         Kind = "FORBIDDEN"
	KindAuthentication    Kind = "AUTHENTICATION_ERROR"
	KindTransientProvider Kind = "PROVIDER_UNAVAILABLE"
	KindStorageConflict   Kind = "STORAGE_CONFLICT"
	KindInternal          Kind = "INTERNAL_ERROR"
)

// KindedError is implemented by every error of the billing taxonomy.
type KindedError interface {
	error
	Kind() Kind
}

// KindOf returns the taxonomy kind of err, or KindInternal.
func KindOf(err error) Kind {
	var ke KindedError
	if errors.As(err, &ke) {
		return ke.Kind()
	}
	return KindInternal
}

// ValidationError 请求参数或业务前置条件不满足
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Kind() Kind { return KindValidation }

// NotFoundError 资源不存在
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e.ID == "" {
		return e.Resource + " not found"
	}
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) Kind() Kind { return KindNotFound }

// ConflictError 与当前状态冲突，例如已有未结束的订阅
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

func (e *ConflictError) Kind() Kind { return KindConflict }

// ForbiddenError 无权执行该操作
type ForbiddenError struct {
	Message string
}

func (e *ForbiddenError) Error() string { return e.Message }

func (e *ForbiddenError) Kind() Kind { return KindForbidden }

// AuthenticationError webhook 签名校验失败，不会重试
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("webhook signature verification failed: %v", e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Kind() Kind { return KindAuthentication }

// TransientProviderError 支付服务暂时不可用（超时、限流、5xx），重试后仍失败
type TransientProviderError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientProviderError) Error() string {
	return fmt.Sprintf("payment provider %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

func (e *TransientProviderError) Kind() Kind { return KindTransientProvider }

// StorageConflict 并发事务冲突，重试次数用尽
type StorageConflict struct {
	Attempts int
	Err      error
}

func (e *StorageConflict) Error() string {
	return fmt.Sprintf("storage conflict after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *StorageConflict) Unwrap() error { return e.Err }

func (e *StorageConflict) Kind() Kind { return KindStorageConflict }

// IsTransient reports whether err is worth retrying later (webhook nack).
func IsTransient(err error) bool {
	switch KindOf(err) {
	case KindTransientProvider, KindStorageConflict, KindInternal:
		return true
	}
	return false
}
