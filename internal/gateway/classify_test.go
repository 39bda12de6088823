// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taibuivan/aegis/internal/gateway"
)

/*
TestClassifier verifies exact, prefix and precedence rules.
*/
func TestClassifier(t *testing.T) {
	classifier := gateway.NewClassifier(
		[]string{"/api/v1/auth/login", "/api/v1/auth/refresh", "/docs/"},
		[]string{"/api/v1/admin/*", "/api/v1/auth/logout", "/api/v1/auth/sessions*"},
		[]string{"/health", "/metrics"},
	)

	tests := []struct {
		path  string
		class gateway.PathClass
	}{
		{"/health", gateway.ClassExempt},
		{"/healthz", gateway.ClassProtected},
		{"/api/v1/auth/login", gateway.ClassPublic},
		{"/api/v1/auth/login/", gateway.ClassPublic},
		{"/api/v1/auth/loginx", gateway.ClassProtected},
		{"/docs", gateway.ClassPublic},
		{"/docs/index.html", gateway.ClassPublic},
		{"/api/v1/admin", gateway.ClassCritical},
		{"/api/v1/admin/users/1/sessions", gateway.ClassCritical},
		{"/api/v1/auth/sessions", gateway.ClassCritical},
		{"/api/v1/auth/sessions/abc", gateway.ClassCritical},
		{"/api/v1/auth/logout", gateway.ClassCritical},
		{"/api/v1/stream/session", gateway.ClassProtected},
		{"/api/v1/auth/login/../../admin/users", gateway.ClassCritical},
		{"//api/v1//admin/users", gateway.ClassCritical},
		{"", gateway.ClassProtected},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.class, classifier.Classify(tt.path))
		})
	}
}
