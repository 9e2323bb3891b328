package bus

import (
	"strings"

	"github.com/edgegw/gateway/internal/frame"
)

// PatternKind distinguishes an exact tag match from a prefix match, the
// two forms a subscription Filter may express for a tag pattern.
type PatternKind uint8

const (
	PatternExact PatternKind = iota
	PatternPrefix
)

// TagPattern is one element of a Filter's tag_patterns union.
type TagPattern struct {
	Kind  PatternKind
	Value string
}

// Match reports whether tag satisfies this single pattern.
func (p TagPattern) Match(tag string) bool {
	switch p.Kind {
	case PatternPrefix:
		return strings.HasPrefix(tag, p.Value)
	default:
		return tag == p.Value
	}
}

// Filter is the bus's subscription filter language: an optional Kind
// restriction crossed with a union of tag patterns (any pattern matching
// admits the frame). A nil KindFilter or empty Patterns list matches
// everything on that axis.
type Filter struct {
	KindFilter *frame.Kind
	Patterns   []TagPattern
}

// Any is the filter that admits every frame, for subscribers that must
// see the whole stream.
func Any() Filter { return Filter{} }

// ForKind restricts a filter to one frame Kind.
func ForKind(k frame.Kind) Filter {
	kk := k
	return Filter{KindFilter: &kk}
}

// WithPrefix returns a filter matching any tag with the given prefix.
func WithPrefix(prefix string) Filter {
	return Filter{Patterns: []TagPattern{{Kind: PatternPrefix, Value: prefix}}}
}

// WithExact returns a filter matching exactly one tag.
func WithExact(tag string) Filter {
	return Filter{Patterns: []TagPattern{{Kind: PatternExact, Value: tag}}}
}

// Match reports whether f passes this filter.
func (flt Filter) Match(f frame.Frame) bool {
	if flt.KindFilter != nil && *flt.KindFilter != f.Kind {
		return false
	}
	if len(flt.Patterns) == 0 {
		return true
	}
	for _, p := range flt.Patterns {
		if p.Match(f.Tag) {
			return true
		}
	}
	return false
}
