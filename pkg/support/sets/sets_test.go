// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package sets

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	// Sets are created empty.
	s := Make[int](10)
	assert.Len(t, s, 0)

	// Check inserting and recovery.
	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeWith(7, 3)
	assert.True(t, s.Equal(s2))
	s2.Insert(5)
	assert.False(t, s.Equal(s2))
	assert.Equal(t, []int{3, 5, 7}, Sorted(s2))

	var empty Set[string]
	assert.False(t, empty.Has("LayerNorm"))
	assert.Empty(t, Sorted(empty))
}
