// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package gateway

import (
	"path"
	"strings"
)

// # Path Classes

// PathClass decides how much of the pipeline a request goes through.
type PathClass int

const (
	// ClassProtected requires a token when strict mode is on.
	ClassProtected PathClass = iota

	// ClassPublic skips authentication but is still rate limited.
	ClassPublic

	// ClassCritical always requires a valid token.
	ClassCritical

	// ClassExempt skips the gateway entirely (probes and metrics).
	ClassExempt
)

// String returns the class name used in logs, metrics and spans.
func (class PathClass) String() string {
	switch class {
	case ClassPublic:
		return "public"
	case ClassCritical:
		return "critical"
	case ClassExempt:
		return "exempt"
	default:
		return "protected"
	}
}

// pattern is one configured path rule.
type pattern struct {
	value  string
	prefix bool
}

// matches applies segment-aware prefix matching, so "/api/v1/admin/"
// covers "/api/v1/admin/users" but "/api/v1/auth/sessions*" also covers
// "/api/v1/auth/sessions/abc".
func (rule pattern) matches(requestPath string) bool {
	if !rule.prefix {
		return requestPath == rule.value
	}
	if strings.HasSuffix(rule.value, "/") {
		return requestPath+"/" == rule.value || strings.HasPrefix(requestPath, rule.value)
	}
	return strings.HasPrefix(requestPath, rule.value)
}

func compile(values []string) []pattern {
	rules := make([]pattern, 0, len(values))
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		switch {
		case strings.HasSuffix(raw, "*"):
			rules = append(rules, pattern{value: strings.TrimSuffix(raw, "*"), prefix: true})
		case strings.HasSuffix(raw, "/") && raw != "/":
			rules = append(rules, pattern{value: raw, prefix: true})
		default:
			rules = append(rules, pattern{value: raw})
		}
	}
	return rules
}

// Classifier maps request paths onto a [PathClass].
type Classifier struct {
	exempt   []pattern
	public   []pattern
	critical []pattern
}

// NewClassifier compiles the configured path lists. Entries ending in
// "/" or "*" match as prefixes; everything else matches exactly.
func NewClassifier(public, critical, exempt []string) *Classifier {
	return &Classifier{
		exempt:   compile(exempt),
		public:   compile(public),
		critical: compile(critical),
	}
}

/*
Classify returns the class of a request path.

The path is cleaned first so dot segments and doubled slashes cannot move a
critical path into a public one. Critical rules win over public rules.
*/
func (classifier *Classifier) Classify(requestPath string) PathClass {
	cleaned := CleanPath(requestPath)

	switch {
	case matchAny(classifier.exempt, cleaned):
		return ClassExempt
	case matchAny(classifier.critical, cleaned):
		return ClassCritical
	case matchAny(classifier.public, cleaned):
		return ClassPublic
	default:
		return ClassProtected
	}
}

func matchAny(rules []pattern, requestPath string) bool {
	for _, rule := range rules {
		if rule.matches(requestPath) {
			return true
		}
	}
	return false
}

// CleanPath returns the canonical form of a request path.
func CleanPath(requestPath string) string {
	if requestPath == "" {
		return "/"
	}
	if requestPath[0] != '/' {
		requestPath = "/" + requestPath
	}
	return path.Clean(requestPath)
}
