package imapproxy

import (
	"fmt"
	"slices"
	"strings"
)

// System flags that may be given without their leading backslash.
var systemFlags = []string{`\Seen`, `\Answered`, `\Flagged`, `\Deleted`, `\Draft`}

// NormalizeFlags canonicalizes a flag list for STORE: system flags get their
// backslash and canonical case ("seen" becomes `\Seen`), keywords are kept
// as given, duplicates are dropped. A flag that is not a valid IMAP atom
// returns ErrRange.
func NormalizeFlags(flags []string) ([]string, error) {
	out := make([]string, 0, len(flags))
	for _, f := range flags {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		name := strings.TrimPrefix(f, `\`)
		if i := slices.IndexFunc(systemFlags, func(s string) bool { return strings.EqualFold(s[1:], name) }); i != -1 {
			f = systemFlags[i]
		} else if strings.ContainsRune(name, '\\') || strings.ContainsFunc(name, func(r rune) bool { return !IsLiteral(r) }) {
			return nil, fmt.Errorf("%w: invalid flag %q", ErrRange, f)
		}
		if !slices.ContainsFunc(out, func(s string) bool { return strings.EqualFold(s, f) }) {
			out = append(out, f)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no flags given", ErrRange)
	}
	return out, nil
}

// applyFlags returns current with change added or removed, sorted.
func applyFlags(current, change []string, add bool) []string {
	out := slices.Clone(current)
	for _, f := range change {
		i := slices.IndexFunc(out, func(s string) bool { return strings.EqualFold(s, f) })
		switch {
		case add && i == -1:
			out = append(out, f)
		case !add && i != -1:
			out = slices.Delete(out, i, i+1)
		}
	}
	return sortFlags(out)
}

func sortFlags(flags []string) []string {
	out := slices.Clone(flags)
	slices.Sort(out)
	if out == nil {
		out = []string{}
	}
	return out
}
