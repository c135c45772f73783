// Copyright (c) 2024-2026 VocalisAI
//
// Licensed under GPL-2.0 with Vocalis Additional Terms.
// See LICENSE.md for commercial usage.

package utils

import "strings"

// IsEmpty reports whether s contains no non-whitespace characters.
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}

// FirstNonEmpty returns the first argument that is not blank.
func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if !IsEmpty(v) {
			return v
		}
	}
	return ""
}
