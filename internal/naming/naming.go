// Package naming maps versioned artifact file names to canonical
// identifiers and resolves canonical identifiers against a directory.
package naming

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/hashicorp/go-version"
)

// DefaultExtensions are the archive extensions that may carry a version tag
var DefaultExtensions = []string{"jar", "zip"}

// Matcher derives canonical identifiers and finds their on-disk variants.
// The zero value is not usable; create one with NewMatcher.
type Matcher struct {
	tag         *regexp.Regexp
	selfName    string
	excludeSelf bool
}

// NewMatcher builds a matcher for the given archive extensions. selfName is
// the canonical name of the running artifact; when excludeSelf is set, that
// name never resolves to a file on disk.
func NewMatcher(extensions []string, selfName string, excludeSelf bool) (*Matcher, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	quoted := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			return nil, fmt.Errorf("empty archive extension")
		}
		quoted = append(quoted, regexp.QuoteMeta(ext))
	}

	// separator, digit, anything, archive extension
	tag, err := regexp.Compile(`(?i)[-_+](\d.*)\.(?:` + strings.Join(quoted, "|") + `)$`)
	if err != nil {
		return nil, fmt.Errorf("failed to compile version tag pattern: %w", err)
	}

	m := &Matcher{tag: tag, excludeSelf: excludeSelf}
	m.selfName = m.Canonicalize(selfName)
	return m, nil
}

// Canonicalize strips the version tag from id. mymod-1.2.3.jar becomes
// mymod; names without a tag are returned unchanged.
func (m *Matcher) Canonicalize(id string) string {
	loc := m.tag.FindStringIndex(id)
	if loc == nil || loc[0] == 0 {
		return id
	}
	return id[:loc[0]]
}

// HasVersionTag reports whether name ends in a version tag
func (m *Matcher) HasVersionTag(name string) bool {
	loc := m.tag.FindStringIndex(name)
	return loc != nil && loc[0] > 0
}

// IsSelf reports whether canonical names the running artifact and
// self-exclusion is enabled.
func (m *Matcher) IsSelf(canonical string) bool {
	return m.excludeSelf && m.selfName != "" && canonical == m.selfName
}

// SelfName returns the canonical self name, which may be empty
func (m *Matcher) SelfName() string {
	return m.selfName
}

// Resolve returns the first name in listing that is canonical itself or a
// versioned variant of it. It returns "" when nothing matches or when
// canonical is the excluded self artifact.
func (m *Matcher) Resolve(canonical string, listing []string) string {
	if canonical == "" || m.IsSelf(canonical) {
		return ""
	}
	for _, name := range listing {
		if name == canonical {
			return name
		}
		if m.HasVersionTag(name) && m.Canonicalize(name) == canonical {
			return name
		}
	}
	return ""
}

// Version parses the version tag of name
func (m *Matcher) Version(name string) (*version.Version, error) {
	match := m.tag.FindStringSubmatch(name)
	if match == nil || !m.HasVersionTag(name) {
		return nil, fmt.Errorf("no version tag in %q", name)
	}
	return version.NewVersion(match[1])
}

// Direction describes how a file replacement moves between versions:
// "upgrade", "downgrade", "reinstall", or "change" when either side has
// no parseable version.
func (m *Matcher) Direction(from, to string) string {
	fv, err := m.Version(from)
	if err != nil {
		return "change"
	}
	tv, err := m.Version(to)
	if err != nil {
		return "change"
	}
	switch fv.Compare(tv) {
	case -1:
		return "upgrade"
	case 1:
		return "downgrade"
	default:
		return "reinstall"
	}
}
