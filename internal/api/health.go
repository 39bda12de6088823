// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/respond"
)

// readinessTimeout bounds all dependency checks of one /ready call.
const readinessTimeout = 2 * time.Second

// HealthDependencies holds the injectable dependency checkers for the /ready endpoint.
type HealthDependencies struct {
	// CheckDatabase pings the PostgreSQL pool. Failure makes the service unready.
	CheckDatabase func(ctx context.Context) error

	// CheckCache pings Redis. Failure only degrades the service: the
	// key/value store keeps serving from process memory.
	CheckCache func(ctx context.Context) error

	// StoreMode reports which key/value store serves calls (kv.ModePrimary
	// or kv.ModeFallback).
	StoreMode func() string
}

type healthHandler struct {
	dependencies HealthDependencies
	logger       *slog.Logger
}

type checkResult struct {
	Name  string `json:"name"`
	IsOK  bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NewHealthHandlers creates the /health and /ready http.HandlerFuncs.
func NewHealthHandlers(deps HealthDependencies, logger *slog.Logger) (liveness, readiness http.HandlerFunc) {
	handler := &healthHandler{dependencies: deps, logger: logger}
	return handler.liveness, handler.readiness
}

// liveness handles GET /health (Liveness probe).
func (handler *healthHandler) liveness(writer http.ResponseWriter, request *http.Request) {
	respond.OK(writer, map[string]string{"status": "ok"})
}

// readiness handles GET /ready (Readiness probe).
func (handler *healthHandler) readiness(writer http.ResponseWriter, request *http.Request) {
	ctx, cancel := context.WithTimeout(request.Context(), readinessTimeout)
	defer cancel()

	results := make([]checkResult, 0, 2)
	isSystemReady := true
	isDegraded := false

	// Check PostgreSQL
	if handler.dependencies.CheckDatabase != nil {
		result := handler.check(ctx, "postgres", handler.dependencies.CheckDatabase)
		isSystemReady = isSystemReady && result.IsOK
		results = append(results, result)
	}

	// Check Redis
	if handler.dependencies.CheckCache != nil {
		result := handler.check(ctx, "redis", handler.dependencies.CheckCache)
		isDegraded = isDegraded || !result.IsOK
		results = append(results, result)
	}

	payload := map[string]any{"checks": results}
	if handler.dependencies.StoreMode != nil {
		mode := handler.dependencies.StoreMode()
		payload["store_mode"] = mode
		isDegraded = isDegraded || mode == kv.ModeFallback
	}

	switch {
	case !isSystemReady:
		payload["status"] = "unavailable"
		respond.JSON(writer, http.StatusServiceUnavailable, respond.SuccessEnvelope{Data: payload})
	case isDegraded:
		payload["status"] = "degraded"
		respond.OK(writer, payload)
	default:
		payload["status"] = "ready"
		respond.OK(writer, payload)
	}
}

func (handler *healthHandler) check(ctx context.Context, name string, probe func(context.Context) error) checkResult {
	result := checkResult{Name: name, IsOK: true}
	if err := probe(ctx); err != nil {
		result.IsOK = false
		result.Error = err.Error()
		handler.logger.Error("readiness_check_failed", slog.String("dependency", name), slog.Any("error", err))
	}
	return result
}
