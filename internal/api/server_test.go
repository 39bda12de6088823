// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/api"
	"github.com/taibuivan/aegis/internal/platform/config"
	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/ctxutil"
	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/sec"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func named(name string) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = io.WriteString(writer, name+" "+request.URL.Path)
	})
}

// newRouter builds the router behind a gateway that authenticates every request.
func newRouter(t *testing.T, gatewayHits *int) http.Handler {
	t.Helper()
	return newRouterAs(t, gatewayHits, &sec.Identity{UserID: "user-1", IsAuthenticated: true})
}

// newRouterAs builds the router behind a gateway that attaches identity.
func newRouterAs(t *testing.T, gatewayHits *int, identity *sec.Identity) http.Handler {
	t.Helper()
	liveness, readiness := api.NewHealthHandlers(api.HealthDependencies{}, quietLogger())

	server := api.NewServer(&config.Config{ServerPort: "0", Environment: "production"}, quietLogger(), api.Handlers{
		Gateway: func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
				*gatewayHits++
				if identity != nil {
					request = request.WithContext(ctxutil.WithIdentity(request.Context(), identity))
				}
				next.ServeHTTP(writer, request)
			})
		},
		Liveness:  liveness,
		Readiness: readiness,
		Metrics:   named("metrics"),
		Auth:      named("auth"),
		Admin:     named("admin"),
		Stream:    named("stream"),
	})
	return server.Router()
}

/*
TestServer_Routes verifies mounts and that every request crosses the gateway once.
*/
func TestServer_Routes(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/metrics", "metrics /metrics"},
		{"/api/v1/auth/login", "auth /api/v1/auth/login"},
		{"/api/v1/admin/tokens/revoke", "admin /api/v1/admin/tokens/revoke"},
		{"/api/v1/stream/session", "stream /api/v1/stream/session"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			hits := 0
			router := newRouter(t, &hits)

			recorder := httptest.NewRecorder()
			router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, tt.path, nil))

			assert.Equal(t, http.StatusOK, recorder.Code)
			assert.Equal(t, tt.want, recorder.Body.String())
			assert.Equal(t, 1, hits)
			assert.NotEmpty(t, recorder.Header().Get(constants.HeaderXRequestID))
		})
	}
}

/*
TestServer_StreamRequiresCaller verifies that an anonymous request never
reaches the stream handler.
*/
func TestServer_StreamRequiresCaller(t *testing.T) {
	hits := 0
	router := newRouterAs(t, &hits, nil)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/api/v1/stream/session", nil))

	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.NotContains(t, recorder.Body.String(), "stream")
	assert.Equal(t, 1, hits)
}

/*
TestServer_Liveness verifies the health probe envelope.
*/
func TestServer_Liveness(t *testing.T) {
	hits := 0
	router := newRouter(t, &hits)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"data":{"status":"ok"}}`, recorder.Body.String())
}

/*
TestReadiness verifies hard failures, soft degradation and the healthy case.
*/
func TestReadiness(t *testing.T) {
	healthy := func(context.Context) error { return nil }
	failing := func(context.Context) error { return errors.New("connection refused") }

	tests := []struct {
		name       string
		deps       api.HealthDependencies
		wantStatus int
		wantState  string
	}{
		{
			name:       "ready",
			deps:       api.HealthDependencies{CheckDatabase: healthy, CheckCache: healthy, StoreMode: func() string { return kv.ModePrimary }},
			wantStatus: http.StatusOK,
			wantState:  "ready",
		},
		{
			name:       "database down",
			deps:       api.HealthDependencies{CheckDatabase: failing, CheckCache: healthy},
			wantStatus: http.StatusServiceUnavailable,
			wantState:  "unavailable",
		},
		{
			name:       "cache down",
			deps:       api.HealthDependencies{CheckDatabase: healthy, CheckCache: failing},
			wantStatus: http.StatusOK,
			wantState:  "degraded",
		},
		{
			name:       "local store",
			deps:       api.HealthDependencies{CheckDatabase: healthy, StoreMode: func() string { return kv.ModeFallback }},
			wantStatus: http.StatusOK,
			wantState:  "degraded",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, readiness := api.NewHealthHandlers(tt.deps, quietLogger())

			recorder := httptest.NewRecorder()
			readiness(recorder, httptest.NewRequest(http.MethodGet, "/ready", nil))

			assert.Equal(t, tt.wantStatus, recorder.Code)

			var body struct {
				Data struct {
					Status string `json:"status"`
				} `json:"data"`
			}
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
			assert.Equal(t, tt.wantState, body.Data.Status)
		})
	}
}
