// Package utils provides small helpers shared by the HTTP layer and the
// repositories. Nothing here knows about conversations or messages.
package utils

import (
	"strconv"
	"strings"
)

// PageLimits bounds a paginated listing.
type PageLimits struct {
	DefaultSize int
	MaxSize     int
}

// DefaultPageLimits are the limits used by the session and message listings.
var DefaultPageLimits = PageLimits{DefaultSize: 20, MaxSize: 100}

// AtoiDefault parses s as a base-10 int, returning def when s is blank or
// malformed.
func AtoiDefault(s string, def int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage turns raw page and page_size query values into a 1-based page
// and a size clamped to [1, l.MaxSize].
func ParsePage(rawPage, rawSize string, l PageLimits) (page, size int) {
	page = AtoiDefault(rawPage, 1)
	if page < 1 {
		page = 1
	}
	size = AtoiDefault(rawSize, l.DefaultSize)
	if size < 1 {
		size = 1
	}
	if l.MaxSize > 0 && size > l.MaxSize {
		size = l.MaxSize
	}
	return page, size
}

// Offset is the number of rows to skip for page at size.
func Offset(page, size int) int {
	if page < 1 || size < 1 {
		return 0
	}
	return (page - 1) * size
}

// TotalPages is ceil(total/size); zero when there is nothing to list.
func TotalPages(total int64, size int) int {
	if total <= 0 || size < 1 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
