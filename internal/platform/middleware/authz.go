// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package middleware

import (
	"net/http"

	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/internal/platform/ctxutil"
	"github.com/taibuivan/aegis/internal/platform/respond"
	"github.com/taibuivan/aegis/internal/platform/sec"
)

// RequireAuth blocks requests the gateway let through anonymously.
//
// # Usage
//
// Mount on routes behind the gateway that must never run without a caller,
// even when strict mode is disabled.
func RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		identity := ctxutil.GetIdentity(request.Context())
		if identity == nil || !identity.IsAuthenticated {
			respond.Error(writer, request, apperr.InvalidCredentials(nil))
			return
		}
		next.ServeHTTP(writer, request)
	})
}

// RequireRole blocks requests if the authenticated caller lacks the required role.
//
// # Flow
//  1. Check that an authenticated [*sec.Identity] exists in context (implies AuthN).
//  2. Check that its strongest role meets the target using [sec.UserRole.AtLeast].
//  3. If insufficient, abort with HTTP 403 Forbidden.
func RequireRole(role sec.UserRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			identity := ctxutil.GetIdentity(request.Context())

			// ── 1. Authentication Check ───────────────────────────────────────
			if identity == nil || !identity.IsAuthenticated {
				respond.Error(writer, request, apperr.InvalidCredentials(nil))
				return
			}

			// ── 2. Authorization Check ────────────────────────────────────────
			if !identity.HasRole(role) {
				respond.Error(writer, request, apperr.Forbidden("Insufficient permissions"))
				return
			}

			next.ServeHTTP(writer, request)
		})
	}
}
