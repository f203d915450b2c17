package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crosspost/internal/domain"
)

func TestIssueValidateRoundtrip(t *testing.T) {
	t.Parallel()
	svc := NewService("signing-secret", "reg-secret", time.Hour)

	token, expiresIn, err := svc.Issue("wrk-1", "us-east-1", []domain.Platform{domain.PlatformFacebook, domain.PlatformTikTok}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3600, expiresIn)

	scope, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "wrk-1", scope.WorkerID)
	assert.Equal(t, "us-east-1", scope.Region)
	assert.True(t, scope.AllowsPlatform(domain.PlatformFacebook))
	assert.True(t, scope.AllowsPlatform(domain.PlatformTikTok))
	assert.False(t, scope.AllowsPlatform(domain.PlatformInstagram))
}

func TestValidateRejectsExpired(t *testing.T) {
	t.Parallel()
	svc := NewService("signing-secret", "reg-secret", time.Minute)

	token, _, err := svc.Issue("wrk-1", "us-east-1", []domain.Platform{domain.PlatformFacebook}, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = svc.Validate(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	issuer := NewService("secret-a", "reg", time.Hour)
	verifier := NewService("secret-b", "reg", time.Hour)

	token, _, err := issuer.Issue("wrk-1", "us-east-1", []domain.Platform{domain.PlatformFacebook}, time.Now())
	require.NoError(t, err)

	_, err = verifier.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestCheckRegistrationSecret(t *testing.T) {
	t.Parallel()
	svc := NewService("signing", "the-real-secret", time.Hour)
	assert.NoError(t, svc.CheckRegistrationSecret("the-real-secret"))
	assert.ErrorIs(t, svc.CheckRegistrationSecret("guess"), ErrBadRegistrationSecret)
	assert.ErrorIs(t, svc.CheckRegistrationSecret(""), ErrBadRegistrationSecret)
}

func TestRequireWorkerMiddleware(t *testing.T) {
	t.Parallel()
	svc := NewService("signing-secret", "reg", time.Hour)
	token, _, err := svc.Issue("wrk-1", "eu-west-1", []domain.Platform{domain.PlatformFacebook}, time.Now())
	require.NoError(t, err)

	var got Scope
	handler := RequireWorker(svc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, ok := ScopeFrom(r.Context())
		require.True(t, ok)
		got = scope
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{name: "valid", header: "Bearer " + token, status: http.StatusOK},
		{name: "missing", header: "", status: http.StatusUnauthorized},
		{name: "malformed", header: "Token " + token, status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer nope", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/workers/status", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
	assert.Equal(t, "wrk-1", got.WorkerID)
	assert.Equal(t, "eu-west-1", got.Region)
}
