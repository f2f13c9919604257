package compose

import (
	"io"
	"path"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/pkg/errors"
)

// IgnoreFile is read from the project root
const IgnoreFile = ".overnodeignore"

// IgnoreRules excludes fragments by source path using .dockerignore syntax.
// A nil *IgnoreRules ignores nothing.
type IgnoreRules struct {
	matcher *patternmatcher.PatternMatcher
}

// NewIgnoreRules compiles the given patterns
func NewIgnoreRules(patterns []string) (*IgnoreRules, error) {
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, errors.Wrap(err, "compiling ignore patterns")
	}
	return &IgnoreRules{matcher: pm}, nil
}

// ReadIgnoreRules parses an ignore file
func ReadIgnoreRules(r io.Reader) (*IgnoreRules, error) {
	patterns, err := ignorefile.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading ignore file")
	}
	return NewIgnoreRules(patterns)
}

// Ignored reports whether a fragment loaded from source must be dropped.
// Remote sources are never matched.
func (r *IgnoreRules) Ignored(source string) bool {
	if r == nil || r.matcher == nil || source == "" || strings.HasPrefix(source, remotePrefix) {
		return false
	}
	ok, err := r.matcher.MatchesOrParentMatches(path.Clean(source))
	return err == nil && ok
}
