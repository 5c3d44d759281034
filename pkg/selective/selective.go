// Package selective evaluates per-device include/exclude rules against
// paths. Rules are ordered by descending priority and the first active
// match decides; a path no rule matches is included.
package selective

import (
	"sort"
	"strings"

	"entanglement/pkg/models"
)

// Matches reports whether a path passes the rule set. Evaluation is
// total: every (path, rules) pair yields a decision, and the same
// inputs always yield the same one.
func Matches(path string, rules []models.SyncRule) bool {
	if len(rules) == 0 {
		return true
	}

	ordered := make([]models.SyncRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	for _, rule := range ordered {
		if !rule.IsActive {
			continue
		}
		if Match(rule.Pattern, path) {
			return rule.Kind == models.RuleInclude
		}
	}
	return true
}

// Match tests a single pattern against a path. `*` matches any run of
// characters within one path segment, `**` matches across segments. A
// pattern without wildcards is a literal prefix: "/photos/" covers the
// whole subtree, "/a.txt" covers exactly that path.
func Match(pattern, path string) bool {
	if pattern == "" {
		return false
	}
	if !strings.ContainsRune(pattern, '*') {
		if strings.HasSuffix(pattern, "/") {
			return strings.HasPrefix(path, pattern) || path == pattern[:len(pattern)-1]
		}
		return path == pattern || strings.HasPrefix(path, pattern+"/")
	}
	return glob(pattern, path)
}

func glob(pattern, path string) bool {
	for len(pattern) > 0 {
		switch {
		case strings.HasPrefix(pattern, "**"):
			rest := pattern[2:]
			for i := 0; i <= len(path); i++ {
				if glob(rest, path[i:]) {
					return true
				}
			}
			return false
		case pattern[0] == '*':
			rest := pattern[1:]
			// A single star stops at the segment boundary.
			limit := strings.IndexByte(path, '/')
			if limit < 0 {
				limit = len(path)
			}
			for i := 0; i <= limit; i++ {
				if glob(rest, path[i:]) {
					return true
				}
			}
			return false
		default:
			if len(path) == 0 || path[0] != pattern[0] {
				return false
			}
			pattern = pattern[1:]
			path = path[1:]
		}
	}
	return len(path) == 0
}
