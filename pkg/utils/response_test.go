package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"news-site-backend/pkg/billing"
	"news-site-backend/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{"validation", &billing.ValidationError{Field: "plan_id", Message: "is required"}, http.StatusBadRequest, "VALIDATION_ERROR", "plan_id: is required"},
		{"not found", fmt.Errorf("wrapped: %w", &billing.NotFoundError{Resource: "plan", ID: "x"}), http.StatusNotFound, "NOT_FOUND", ""},
		{"conflict", &billing.ConflictError{Message: "already subscribed"}, http.StatusConflict, "CONFLICT", "already subscribed"},
		{"forbidden", &billing.ForbiddenError{Message: "no"}, http.StatusForbidden, "FORBIDDEN", "no"},
		{"provider", &billing.TransientProviderError{Op: "checkout", Attempts: 3, Err: errors.New("503")}, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "Service temporarily unavailable, please retry"},
		{"internal", errors.New("pq: connection refused"), http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)
			assert.Equal(t, tt.status, rec.Code)

			var resp APIResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			if tt.message != "" {
				assert.Equal(t, tt.message, resp.Error.Message)
			}
		})
	}
}

func TestParseJSONBody(t *testing.T) {
	var body struct {
		PlanID string `json:"plan_id"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan_id":"monthly"}`))
	require.NoError(t, ParseJSONBody(req, &body))
	assert.Equal(t, "monthly", body.PlanID)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"plan":"monthly"}`))
	assert.Equal(t, billing.KindValidation, billing.KindOf(ParseJSONBody(req, &body)))

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(``))
	assert.Equal(t, billing.KindValidation, billing.KindOf(ParseJSONBody(req, &body)))
}

func TestJWTService(t *testing.T) {
	svc := NewJWTService("secret")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	access, refresh, _, err := svc.GenerateTokenPair(models.User{ID: "u1", Email: "u1@example.com", Role: models.RoleAdmin})
	require.NoError(t, err)

	user, err := svc.ExtractUserFromToken(access)
	require.NoError(t, err)
	assert.Equal(t, "u1", user.ID)
	assert.True(t, user.IsAdmin())

	_, err = svc.ExtractUserFromToken(refresh)
	assert.Error(t, err)

	fresh, _, err := svc.RefreshAccessToken(refresh)
	require.NoError(t, err)
	user, err = svc.ExtractUserFromToken(fresh)
	require.NoError(t, err)
	assert.Equal(t, models.RoleAdmin, user.Role)

	now = now.Add(time.Hour)
	_, err = svc.ExtractUserFromToken(access)
	assert.ErrorIs(t, err, ErrTokenExpired)

	_, err = NewJWTService("other").ValidateToken(refresh)
	assert.Error(t, err)
}
