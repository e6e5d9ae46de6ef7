package database

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgreSQL 错误码
const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
)

// mapError 将驱动错误转换为包内的哨兵错误
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return fmt.Errorf("%s: %w", pqErr.Constraint, ErrUniqueViolation)
		case pqSerializationFailure, pqDeadlockDetected:
			return fmt.Errorf("%s: %w", pqErr.Message, ErrSerialization)
		}
	}
	return err
}

// IsRetryable 并发冲突类错误可以重新执行整个事务
func IsRetryable(err error) bool {
	return errors.Is(err, ErrSerialization)
}
