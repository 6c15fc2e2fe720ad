package coap

import (
	"strings"

	"github.com/pkg/errors"
)

const maxPathSegmentLen = 255

// Path is a compact representation of the segments of a URI path, with
// no duplicated separators: internally a Path is just its ordered
// segments, but EncodeBytes/DecodeBytes materialize it into the
// <len1><bytes1><len2><bytes2>... layout the Codec uses to pack Uri-Path
// options into one contiguous buffer for pattern matching (spec.md §4.2).
type Path struct {
	segments []string
}

// NewPath builds a Path from already-split segments, rejecting any
// segment longer than 255 bytes (spec.md Open Question 3: the source
// silently truncates; this implementation errors instead).
func NewPath(segments []string) (Path, error) {
	for _, s := range segments {
		if len(s) > maxPathSegmentLen {
			return Path{}, errors.Wrapf(ErrSegmentTooLong, "segment %q", s)
		}
	}
	cp := make([]string, len(segments))
	copy(cp, segments)
	return Path{segments: cp}, nil
}

// ParsePathString strips trailing slashes, splits on "/", and drops
// empty segments produced by a leading slash or doubled separators.
func ParsePathString(s string) (Path, error) {
	s = strings.TrimRight(s, "/")
	s = strings.TrimPrefix(s, "/")
	if s == "" {
		return Path{}, nil
	}
	parts := strings.Split(s, "/")
	segments := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return NewPath(segments)
}

// Len returns the number of segments.
func (p Path) Len() int { return len(p.segments) }

// Get returns the segment at index i, panicking if i is out of range.
func (p Path) Get(i int) string { return p.segments[i] }

// Segments returns the underlying segment slice (not a copy; callers
// must not mutate it).
func (p Path) Segments() []string { return p.segments }

// String reconstructs the "/a/b/c" form. An empty Path renders as "/".
func (p Path) String() string {
	return "/" + strings.Join(p.segments, "/")
}

// EncodeBytes produces the compact <len><bytes>... layout.
func (p Path) EncodeBytes() []byte {
	var out []byte
	for _, s := range p.segments {
		out = append(out, byte(len(s)))
		out = append(out, s...)
	}
	return out
}

// DecodePathBytes parses the compact layout produced by EncodeBytes.
func DecodePathBytes(b []byte) (Path, error) {
	var segments []string
	for len(b) > 0 {
		n := int(b[0])
		b = b[1:]
		if n > len(b) {
			return Path{}, errors.Wrap(ErrMalformedMessage, "truncated encoded path")
		}
		segments = append(segments, string(b[:n]))
		b = b[n:]
	}
	return NewPath(segments)
}

// PathPattern is a Path whose segments may include the wildcards "?"
// (matches exactly one segment) and "*" (matches the remaining
// segments; only valid as the last segment).
type PathPattern struct {
	Path
}

// NewPathPattern parses a pattern string the same way ParsePathString
// parses a concrete path.
func NewPathPattern(s string) (PathPattern, error) {
	p, err := ParsePathString(s)
	if err != nil {
		return PathPattern{}, err
	}
	return PathPattern{Path: p}, nil
}

// Matches implements the matching semantics of spec.md §4.2:
//   - pattern longer than path: no match.
//   - pattern shorter than path: matches only if the pattern's last
//     segment is "*".
//   - otherwise compare segment-by-segment: "?" accepts any single
//     segment, "*" short-circuits true, else exact string equality.
func (p PathPattern) Matches(path Path) bool {
	if p.Len() > path.Len() {
		return false
	}
	if p.Len() < path.Len() {
		if p.Len() == 0 || p.Get(p.Len()-1) != "*" {
			return false
		}
	}
	for i := 0; i < p.Len(); i++ {
		seg := p.Get(i)
		switch seg {
		case "*":
			return true
		case "?":
			continue
		default:
			if i >= path.Len() || seg != path.Get(i) {
				return false
			}
		}
	}
	return true
}
