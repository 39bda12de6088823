// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package uuidv7 provides time-ordered identifiers for request and audit ids.

Version 7 values sort by creation time (millisecond precision), which keeps
the audit table's primary key index append-only.
*/
package uuidv7

import "github.com/google/uuid"

// New returns a version 7 UUID string.
//
// If the clock sequence cannot be read, a random version 4 id is returned
// instead; ordering is best effort, uniqueness is not.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Valid reports whether value is a well-formed UUID of any version.
func Valid(value string) bool {
	return uuid.Validate(value) == nil
}
