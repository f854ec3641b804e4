package processor

import (
	"path"
	"strings"
)

// DirMatcher decides whether two working directories belong to the same
// piece of work. Used only for the heuristic parent search: correlation is
// advisory metadata, so false positives (wrong parent) are preferred over
// false negatives (orphaned sub-agent sessions).
type DirMatcher interface {
	Match(a, b string) bool
}

// PermissiveMatcher is the default strategy. Two directories match when,
// after trailing-slash normalization:
//   - they are byte-identical, or
//   - one is a path-prefix of the other (worktree checkouts nested under
//     the main repo), or
//   - they share an immediate parent directory (sibling worktrees), or
//   - they share a common path prefix of at least MinCommonSegments
//     segments.
type PermissiveMatcher struct {
	// MinCommonSegments is the shallowest shared prefix depth that still
	// counts as a match. Zero means the default of 3.
	MinCommonSegments int
}

func (m PermissiveMatcher) Match(a, b string) bool {
	a = normalizeDir(a)
	b = normalizeDir(b)
	if a == "" || b == "" {
		return false
	}
	if a == b {
		return true
	}
	if isPathPrefix(a, b) || isPathPrefix(b, a) {
		return true
	}
	if path.Dir(a) == path.Dir(b) {
		return true
	}

	min := m.MinCommonSegments
	if min <= 0 {
		min = 3
	}
	return commonSegments(a, b) >= min
}

func normalizeDir(dir string) string {
	dir = strings.TrimSpace(dir)
	for len(dir) > 1 && strings.HasSuffix(dir, "/") {
		dir = dir[:len(dir)-1]
	}
	return dir
}

func isPathPrefix(prefix, full string) bool {
	return strings.HasPrefix(full, prefix+"/")
}

func commonSegments(a, b string) int {
	as := splitSegments(a)
	bs := splitSegments(b)
	n := 0
	for n < len(as) && n < len(bs) && as[n] == bs[n] {
		n++
	}
	return n
}

func splitSegments(dir string) []string {
	parts := strings.Split(dir, "/")
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
