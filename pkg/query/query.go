// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package query parses list-valued URL query parameters.
package query

import (
	"net/url"
	"strings"
)

// List collects every value of key, accepting both repeated parameters
// (?type=A&type=B) and comma-separated ones (?type=A,B). Values are trimmed,
// empty entries dropped and duplicates removed, preserving first occurrence.
func List(values url.Values, key string) []string {
	var result []string
	seen := make(map[string]struct{})
	for _, raw := range values[key] {
		for _, part := range strings.Split(raw, ",") {
			clean := strings.TrimSpace(part)
			if clean == "" {
				continue
			}
			if _, ok := seen[clean]; ok {
				continue
			}
			seen[clean] = struct{}{}
			result = append(result, clean)
		}
	}
	return result
}
