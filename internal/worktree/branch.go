package worktree

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBranchName is wrapped by ValidateBranchName failures.
var ErrInvalidBranchName = errors.New("invalid branch name")

// ValidateBranchName applies the git check-ref-format rules the bridge
// cares about: no leading / or -, no "..", no "@{", no control characters,
// none of ~^:?*[\ or space, not "@" alone, no trailing /, ".lock", or dot.
func ValidateBranchName(name string) error {
	fail := func(reason string) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidBranchName, name, reason)
	}
	if name == "" {
		return fail("empty")
	}
	if name == "@" {
		return fail("single @")
	}
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, "-") || strings.HasPrefix(name, ".") {
		return fail("bad leading character")
	}
	if strings.HasSuffix(name, "/") || strings.HasSuffix(name, ".") {
		return fail("bad trailing character")
	}
	if strings.HasSuffix(name, ".lock") {
		return fail("ends with .lock")
	}
	if strings.Contains(name, "..") {
		return fail("contains ..")
	}
	if strings.Contains(name, "@{") {
		return fail("contains @{")
	}
	if strings.Contains(name, "//") {
		return fail("contains //")
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			return fail("contains control character")
		}
		switch r {
		case ' ', '~', '^', ':', '?', '*', '[', '\\':
			return fail(fmt.Sprintf("contains %q", r))
		}
	}
	return nil
}

// sanitizeBranchForDir turns a branch name into a directory-name-safe slug.
func sanitizeBranchForDir(branch string) string {
	var b strings.Builder
	for _, r := range branch {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-.")
}

// encodeRepoPath flattens an absolute repo path into a directory-name
// component that stays recognizable (`home-alice-proj` for
// /home/alice/proj).
func encodeRepoPath(repoRoot string) string {
	trimmed := strings.Trim(repoRoot, "/")
	return sanitizeBranchForDir(strings.ReplaceAll(trimmed, "/", "-"))
}
