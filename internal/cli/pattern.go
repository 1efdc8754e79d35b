// Package cli provides shared helpers for the horizen commands: glob
// matching of item ids and parsing of section, strategy and selection flags.
package cli

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// MatchIDs expands a glob pattern against the ids of one import section.
// A pattern without glob characters (*?[) must name an existing id.
func MatchIDs(pattern string, ids []string) ([]string, error) {
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid pattern '%s': %w", pattern, err)
	}

	if !strings.ContainsAny(pattern, "*?[") {
		for _, id := range ids {
			if id == pattern {
				return []string{pattern}, nil
			}
		}
		return nil, fmt.Errorf("item '%s' not found", pattern)
	}

	var matches []string
	for _, id := range ids {
		matched, err := filepath.Match(pattern, id)
		if err != nil {
			return nil, err
		}
		if matched {
			matches = append(matches, id)
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no items match pattern '%s'", pattern)
	}
	return matches, nil
}

// MatchAllIDs expands several patterns and returns the unique matches in
// order of first match.
func MatchAllIDs(patterns []string, ids []string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string

	for _, pattern := range patterns {
		matches, err := MatchIDs(pattern, ids)
		if err != nil {
			return nil, err
		}
		for _, id := range matches {
			if !seen[id] {
				seen[id] = true
				result = append(result, id)
			}
		}
	}
	return result, nil
}

// MapKeys extracts keys from a map and returns them sorted.
func MapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
