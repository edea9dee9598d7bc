// Copyright The UnwindKit Authors
// SPDX-License-Identifier: Apache-2.0

package libpf

import (
	"unique"
)

// String is an interned string. It wraps unique.Handle[string] so that map
// and symbol names, which are read constantly but created rarely, are shared
// by handle instead of reallocated, and compares in O(1). The zero value is
// the empty string.
type String struct {
	value unique.Handle[string]
}

var NullString = String{}

func Intern(str string) String {
	if str == "" {
		return NullString
	}
	return String{unique.Make(str)}
}

func (s String) String() string {
	if s == NullString {
		return ""
	}
	return s.value.Value()
}

// IsEmpty reports whether s is the empty string.
func (s String) IsEmpty() bool {
	return s == NullString
}
