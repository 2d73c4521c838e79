// Copyright 2024 The Scylla-Go Authors. All rights reserved. Use of this
// source code is governed by a BSD-style license that can be found in the
// LICENSE file.

package encoding

import (
	"golang.org/x/exp/constraints"

	"github.com/xingdl2007/scylla/internal/base"
)

// CheckedCast narrows v to type T, failing with ErrOverflow when the value
// does not round-trip. Narrow length and count fields in the on-disk structs
// must never silently truncate.
func CheckedCast[T, U constraints.Integer](v U) (T, error) {
	t := T(v)
	if U(t) != v || (t < 0) != (v < 0) {
		return 0, base.ErrOverflow
	}
	return t, nil
}
