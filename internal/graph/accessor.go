package graph

import (
	"fmt"
	"strconv"
	"strings"
)

// PathError reports the first segment of a path that could not be traversed.
type PathError struct {
	Path []string
	Key  string
}

func (e *PathError) Error() string {
	return fmt.Sprintf("invalid path %q: cannot traverse at %q", strings.Join(e.Path, "."), e.Key)
}

// Get walks nested mappings under root by the given keys and returns the value
// at the final key. Slices are traversed when the segment parses as an index.
// The first absent key, out-of-range index, or non-traversable value yields a
// *PathError.
func Get(root any, path []string) (any, error) {
	current := root
	for _, key := range path {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[key]
			if !ok {
				return nil, &PathError{Path: path, Key: key}
			}
			current = next
		case Node:
			next, ok := v[key]
			if !ok {
				return nil, &PathError{Path: path, Key: key}
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, &PathError{Path: path, Key: key}
			}
			current = v[idx]
		default:
			return nil, &PathError{Path: path, Key: key}
		}
	}
	return current, nil
}

// Set walks root like Get but creates an empty mapping at any missing or
// non-mapping intermediate key, then assigns value at the final key. The
// document is mutated in place.
func Set(root map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	current := root
	for _, key := range path[:len(path)-1] {
		next, ok := current[key].(map[string]any)
		if !ok {
			if n, isNode := current[key].(Node); isNode {
				next = map[string]any(n)
			} else {
				next = make(map[string]any)
				current[key] = next
			}
		}
		current = next
	}
	current[path[len(path)-1]] = value
}
