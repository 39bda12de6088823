// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"encoding/json"
	"reflect"
	"strings"

	"golang.org/x/text/cases"
)

// Redacted replaces the value of every sensitive field.
const Redacted = "***REDACTED***"

// Key stems compared after case folding and separator removal, so
// "Api-Key", "API_KEY" and "apiKey" all normalize to "apikey".
var (
	// containsStems redact any key that contains them.
	containsStems = []string{
		"password", "passwd", "passphrase", "secret", "apikey", "privatekey",
		"creditcard", "cardnumber", "authorization", "credential", "cookie",
	}

	// suffixStems redact keys ending with them (access_token, but not token_id).
	suffixStems = []string{"token"}

	// exactStems are too short to match inside other words.
	exactStems = []string{"ssn", "cvv", "pin", "otp"}
)

var separators = strings.NewReplacer("_", "", "-", "", ".", "", " ", "")

// normalizeKey folds case and strips separators. A Caser is stateful, so
// each call gets its own.
func normalizeKey(key string) string {
	return separators.Replace(cases.Fold().String(key))
}

// IsSensitiveKey reports whether a field name must be redacted.
func IsSensitiveKey(key string) bool {
	normalized := normalizeKey(key)
	for _, stem := range containsStems {
		if strings.Contains(normalized, stem) {
			return true
		}
	}
	for _, stem := range suffixStems {
		if strings.HasSuffix(normalized, stem) {
			return true
		}
	}
	for _, stem := range exactStems {
		if normalized == stem {
			return true
		}
	}
	return false
}

// Redact returns a deep copy of details with sensitive values replaced.
//
// Maps and slices are walked recursively; the input is never modified. Other
// composite values (typed maps and slices, structs, pointers) are first
// normalized through their JSON encoding, which is also how the durable
// sink stores them. A value that cannot be encoded is redacted whole.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	return redactMap(details)
}

func redactMap(source map[string]any) map[string]any {
	out := make(map[string]any, len(source))
	for key, value := range source {
		if IsSensitiveKey(key) {
			out[key] = Redacted
			continue
		}
		out[key] = redactValue(value)
	}
	return out
}

func redactValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return redactMap(typed)
	case map[string]string:
		converted := make(map[string]any, len(typed))
		for key, inner := range typed {
			converted[key] = inner
		}
		return redactMap(converted)
	case []any:
		out := make([]any, len(typed))
		for index, inner := range typed {
			out[index] = redactValue(inner)
		}
		return out
	case []map[string]any:
		out := make([]any, len(typed))
		for index, inner := range typed {
			out[index] = redactMap(inner)
		}
		return out
	case nil, string, bool, float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return value
	}

	switch reflect.ValueOf(value).Kind() {
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Pointer, reflect.Interface:
		return redactValue(normalize(value))
	default:
		return value
	}
}

// normalize converts a composite value into the generic JSON shape
// (map[string]any, []any and scalars).
func normalize(value any) any {
	encoded, err := json.Marshal(value)
	if err != nil {
		return Redacted
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return Redacted
	}
	return generic
}
