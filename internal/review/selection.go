package review

import (
	"fmt"
	"strconv"
	"strings"
)

// Selection is the parsed result of an operator's selection expression.
type Selection struct {
	IDs    []int // ascending, unique
	Cancel bool
}

// ParseSelection parses a selection over issues. Accepted forms, ignoring
// case and surrounding whitespace:
//
//	all              every issue
//	critical         every CRITICAL issue
//	none             nothing (all issues are skipped)
//	1,3,5-7          ordinals and inclusive ranges
//	quit, q, cancel  abandon the session
//
// Anything else, including out-of-range ordinals and reversed ranges,
// returns ErrInvalidSelection.
func ParseSelection(expr string, issues []Issue) (Selection, error) {
	e := strings.ToLower(strings.TrimSpace(expr))
	switch e {
	case "":
		return Selection{}, fmt.Errorf("%w: empty input", ErrInvalidSelection)
	case "quit", "q", "cancel":
		return Selection{Cancel: true}, nil
	case "none":
		return Selection{}, nil
	case "all", "a":
		ids := make([]int, 0, len(issues))
		for _, is := range issues {
			ids = append(ids, is.ID)
		}
		return Selection{IDs: ids}, nil
	case "critical", "c":
		var ids []int
		for _, is := range issues {
			if is.Severity == SeverityCritical {
				ids = append(ids, is.ID)
			}
		}
		return Selection{IDs: ids}, nil
	}

	valid := make(map[int]bool, len(issues))
	for _, is := range issues {
		valid[is.ID] = true
	}
	chosen := make(map[int]bool)
	for _, part := range strings.Split(e, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return Selection{}, fmt.Errorf("%w: empty item in %q", ErrInvalidSelection, expr)
		}
		lo, hi, err := parseRange(part)
		if err != nil {
			return Selection{}, fmt.Errorf("%w: %v", ErrInvalidSelection, err)
		}
		for n := lo; n <= hi; n++ {
			if !valid[n] {
				return Selection{}, fmt.Errorf("%w: no issue #%d (have %d)", ErrInvalidSelection, n, len(issues))
			}
			chosen[n] = true
		}
	}

	var ids []int
	for _, is := range issues {
		if chosen[is.ID] {
			ids = append(ids, is.ID)
		}
	}
	return Selection{IDs: ids}, nil
}

func parseRange(s string) (lo, hi int, err error) {
	if a, b, ok := strings.Cut(s, "-"); ok {
		lo, err = strconv.Atoi(strings.TrimSpace(a))
		if err != nil {
			return 0, 0, fmt.Errorf("bad range %q", s)
		}
		hi, err = strconv.Atoi(strings.TrimSpace(b))
		if err != nil {
			return 0, 0, fmt.Errorf("bad range %q", s)
		}
		if lo > hi {
			return 0, 0, fmt.Errorf("reversed range %q", s)
		}
		return lo, hi, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, fmt.Errorf("not a number: %q", s)
	}
	return n, n, nil
}
