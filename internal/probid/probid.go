// Package probid normalizes raw problem references (URLs or bare ids) into
// (domain, id) pairs. The normalized id doubles as the workspace directory
// name, so it is restricted to a filesystem-safe charset.
package probid

import (
	"regexp"
	"strings"

	"ojforge/pkg/errors"
)

// Canonical adapter domain names.
const (
	DomainAICoders   = "aicoders"
	DomainSHSOJ      = "shsoj"
	DomainCodeforces = "cf"
	DomainAtCoder    = "atcoder"
	DomainLuogu      = "luogu"
	DomainHydroOJ    = "hydrooj"
)

// Ref is a normalized problem reference.
type Ref struct {
	// Raw is the reference exactly as submitted
	Raw string `json:"raw"`

	// Domain is the detected or hinted source adapter name
	Domain string `json:"domain"`

	// ID is the normalized problem id, safe as a directory name
	ID string `json:"id"`
}

// Display returns the human-facing form of the id. It is stable under
// re-normalization: Normalize(r.Display(), r.Domain) yields the same Ref.
func (r Ref) Display() string {
	return r.ID
}

var (
	reNumericPath = regexp.MustCompile(`/problem/(\d+)`)
	reCodeforces  = regexp.MustCompile(`/problem(?:set)?/(\d+)/([A-Z]\d?)`)
	reAtCoder     = regexp.MustCompile(`/tasks/([^/?#]+)`)
	reLuogu       = regexp.MustCompile(`/problem/([A-Z]?\d+)`)

	reBareLuogu      = regexp.MustCompile(`^[PBTU]\d+$`)
	reBareCodeforces = regexp.MustCompile(`^(\d+)([A-Z])$`)
	reBareNumeric    = regexp.MustCompile(`^\d+$`)

	reSafeID = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)
)

// Normalize parses a raw reference. A non-empty hint pins the source domain
// and skips URL detection for bare ids; URLs are still parsed under the
// hinted domain's rule. First matching rule wins.
func Normalize(raw, hint string) (Ref, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Ref{}, errors.Newf(errors.InvalidProblemRef, "empty problem reference")
	}

	if isURL(trimmed) {
		domain, id, ok := parseURL(trimmed, hint)
		if !ok {
			return Ref{}, errors.Newf(errors.InvalidProblemRef, "unrecognized problem URL").
				WithDetail("ref", raw)
		}
		return makeRef(raw, domain, id)
	}

	if hint != "" {
		return makeRef(raw, hint, trimmed)
	}

	switch {
	case reBareLuogu.MatchString(trimmed):
		return makeRef(raw, DomainLuogu, trimmed)
	case reBareCodeforces.MatchString(trimmed):
		return makeRef(raw, DomainCodeforces, trimmed)
	case reBareNumeric.MatchString(trimmed):
		return makeRef(raw, DomainSHSOJ, trimmed)
	}
	return makeRef(raw, DomainSHSOJ, trimmed)
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") ||
		strings.Contains(s, ".com/") || strings.Contains(s, ".cn/") ||
		strings.Contains(s, ".jp/") || strings.Contains(s, ".ac/")
}

// parseURL applies the per-site extraction rules in fixed priority order.
func parseURL(u, hint string) (domain, id string, ok bool) {
	lower := strings.ToLower(u)

	switch {
	case strings.Contains(lower, "aicoders.cn"):
		if m := reNumericPath.FindStringSubmatch(u); m != nil {
			return DomainAICoders, m[1], true
		}
	case strings.Contains(lower, "shsoj"), strings.Contains(lower, "shsbnu"):
		if m := reNumericPath.FindStringSubmatch(u); m != nil {
			return DomainSHSOJ, m[1], true
		}
	case strings.Contains(lower, "codeforces.com"):
		if m := reCodeforces.FindStringSubmatch(u); m != nil {
			return DomainCodeforces, m[1] + m[2], true
		}
	case strings.Contains(lower, "atcoder.jp"):
		if m := reAtCoder.FindStringSubmatch(u); m != nil {
			return DomainAtCoder, m[1], true
		}
	case strings.Contains(lower, "luogu.com"):
		if m := reLuogu.FindStringSubmatch(u); m != nil {
			return DomainLuogu, m[1], true
		}
	case strings.Contains(lower, "hydro"):
		if tail := pathTail(u); tail != "" {
			return DomainHydroOJ, tail, true
		}
	}

	// An unrecognized host with an explicit hint falls back to the
	// hinted domain's generic extraction.
	if hint != "" {
		if tail := pathTail(u); tail != "" {
			return hint, tail, true
		}
	}
	return "", "", false
}

// pathTail returns the last non-empty path segment with query/fragment
// stripped.
func pathTail(u string) string {
	s := u
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimRight(s, "/")
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		s = s[i+1:]
	}
	return s
}

func makeRef(raw, domain, id string) (Ref, error) {
	if !reSafeID.MatchString(id) || id == "." || id == ".." {
		return Ref{}, errors.Newf(errors.InvalidProblemRef, "problem id contains unsafe characters").
			WithDetail("ref", raw)
	}
	return Ref{Raw: raw, Domain: domain, ID: id}, nil
}
