package store

import "strings"

// Path is a validated, `/`-separated tree path. The leading slash is
// significant: "/a/b" and "a/b" are distinct inputs, but only the former is
// legal. Empty segments and "." / ".." segments are rejected by Split.
type Path struct {
	segments []string
}

// Root is the empty path, addressing the tree's root node.
var Root = Path{}

// Split validates and parses a raw path string into its segments.
func Split(raw string) (Path, error) {
	if raw == "" || raw == "/" {
		return Root, nil
	}
	if raw[0] != '/' {
		return Path{}, &InvalidPathError{Path: raw, Reason: "missing leading slash"}
	}
	parts := strings.Split(raw[1:], "/")
	segments := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			return Path{}, &InvalidPathError{Path: raw, Reason: "empty segment"}
		}
		if p == "." || p == ".." {
			return Path{}, &InvalidPathError{Path: raw, Reason: "dot segment not allowed"}
		}
		segments = append(segments, p)
	}
	return Path{segments: segments}, nil
}

// MustSplit panics on an invalid path; reserved for trusted call sites
// (tests, compile-time-constant paths).
func MustSplit(raw string) Path {
	p, err := Split(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p Path) String() string {
	if len(p.segments) == 0 {
		return "/"
	}
	return "/" + strings.Join(p.segments, "/")
}

func (p Path) Segments() []string { return p.segments }

func (p Path) IsRoot() bool { return len(p.segments) == 0 }

// Child returns the path extended by a single segment.
func (p Path) Child(seg string) Path {
	segments := make([]string, len(p.segments)+1)
	copy(segments, p.segments)
	segments[len(p.segments)] = seg
	return Path{segments: segments}
}

// HasPrefix reports whether other is p or a descendant of p.
func (p Path) HasPrefix(other Path) bool {
	if len(other.segments) > len(p.segments) {
		return false
	}
	for i, seg := range other.segments {
		if p.segments[i] != seg {
			return false
		}
	}
	return true
}

// InvalidPathError reports a malformed path string.
type InvalidPathError struct {
	Path   string
	Reason string
}

func (e *InvalidPathError) Error() string {
	return "store: invalid path " + e.Path + ": " + e.Reason
}
