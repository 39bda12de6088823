// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package slice_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taibuivan/aegis/pkg/slice"
)

func TestMapFilter(t *testing.T) {
	assert.Nil(t, slice.Map[string, int](nil, func(s string) int { return len(s) }))
	assert.Equal(t, []int{1, 3}, slice.Map([]string{"a", "abc"}, func(s string) int { return len(s) }))

	upper := slice.Filter([]string{"A", "b", "C"}, func(s string) bool { return strings.ToUpper(s) == s })
	assert.Equal(t, []string{"A", "C"}, upper)
	assert.Nil(t, slice.Filter([]string{"a"}, func(string) bool { return false }))
}
