package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/npezzotti/go-realtime/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorHandler(t *testing.T) {
	app := &App{log: testutil.TestLogger(t)}

	tcases := []struct {
		name  string
		value any
	}{
		{name: "error value", value: assert.AnError},
		{name: "string value", value: "something broke"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			h := app.errorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				panic(tc.value)
			}))

			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

			assert.Equal(t, http.StatusInternalServerError, rr.Code)
			assert.Equal(t, "close", rr.Header().Get("Connection"))

			var resp ApiError
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
			assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
			assert.Equal(t, "internal server error", resp.Message)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	app := &App{log: testutil.TestLogger(t), signingKey: testSigningKey}

	var gotUserId string
	h := app.authMiddleware(func(w http.ResponseWriter, r *http.Request) {
		gotUserId, _ = UserId(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tcases := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{name: "no token", wantStatus: http.StatusUnauthorized},
		{name: "invalid token", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "valid token", header: bearer(t, "user-7"), wantStatus: http.StatusNoContent, wantUser: "user-7"},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			gotUserId = ""
			req := httptest.NewRequest(http.MethodGet, "/ws/status", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			rr := httptest.NewRecorder()
			h(rr, req)

			assert.Equal(t, tc.wantStatus, rr.Code)
			assert.Equal(t, tc.wantUser, gotUserId)
			if tc.wantStatus == http.StatusNoContent {
				assert.Contains(t, rr.Header().Get("Cache-Control"), "no-store")
			}
		})
	}
}

func TestApiError(t *testing.T) {
	err := NewInternalServerError(assert.AnError)
	assert.Equal(t, "internal server error: "+assert.AnError.Error(), err.Error())
	assert.ErrorIs(t, err, assert.AnError)

	assert.Equal(t, "not found", NewNotFoundError().Error())
	assert.Equal(t, http.StatusForbidden, NewForbiddenError().StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, NewServiceUnavailableError(nil).StatusCode)
}
