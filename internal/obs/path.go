package obs

import "strings"

// CanonicalPath collapses resource identifiers embedded in request paths so
// metric label cardinality stays bounded.
func CanonicalPath(path string) string {
	if idx := strings.IndexByte(path, '?'); idx >= 0 {
		path = path[:idx]
	}
	if path == "" {
		return "/"
	}

	switch {
	case strings.HasPrefix(path, "/api/governance/proposals/"):
		return replaceSegment(path, "/api/governance/proposals/", ":id")
	case strings.HasPrefix(path, "/api/governance/multisig/transactions/"):
		return replaceSegment(path, "/api/governance/multisig/transactions/", ":index")
	case strings.HasPrefix(path, "/api/governance/remote/vote/status/"):
		return "/api/governance/remote/vote/status/:session"
	case strings.HasPrefix(path, "/api/governance/remote/vote/authorize/"):
		return "/api/governance/remote/vote/authorize/:session"
	case strings.HasPrefix(path, "/auth/remote/status/"):
		return "/auth/remote/status/:session"
	case strings.HasPrefix(path, "/auth/remote/authorize/"):
		return "/auth/remote/authorize/:session"
	}
	return path
}

// replaceSegment swaps the first path segment after prefix for placeholder,
// keeping any trailing action suffix ("/vote", "/execute", ...).
func replaceSegment(path, prefix, placeholder string) string {
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return strings.TrimSuffix(prefix, "/")
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return prefix + placeholder + rest[idx:]
	}
	return prefix + placeholder
}
