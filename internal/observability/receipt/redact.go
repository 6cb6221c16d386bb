package receipt

import (
	"regexp"
	"strings"
)

const redactedValue = "[REDACTED]"

// sensitiveFlags are flag names whose values are always redacted,
// matched after stripping leading dashes.
var sensitiveFlags = map[string]bool{
	"token":         true,
	"key":           true,
	"password":      true,
	"secret":        true,
	"pat":           true,
	"api-key":       true,
	"apikey":        true,
	"auth":          true,
	"credential":    true,
	"credentials":   true,
	"bearer":        true,
	"access-token":  true,
	"refresh-token": true,
	"private-key":   true,
	"webhook-token": true,
}

// sensitivePrefixes mark values that are secrets regardless of the flag.
var sensitivePrefixes = []string{
	"sk-",         // OpenAI, Stripe
	"ghp_",        // GitHub PAT
	"github_pat_", // GitHub fine-grained PAT
	"gho_",        // GitHub OAuth
	"ghs_",        // GitHub server-to-server
	"xoxb-",       // Slack bot
	"xoxp-",       // Slack user
	"AKIA",        // AWS access key
	"ya29.",       // Google OAuth
	"AIza",        // Google API key
	"npm_",        // npm token
	"pypi-",       // PyPI token
}

var (
	// Three dot-separated base64url segments, the JWT shape. Heuristic,
	// so segments must be at least 10 chars to spare ordinary dotted strings.
	jwtRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}$`)

	// 32+ chars of hex/base64 alphabet with no path or domain separators.
	longSecretRegex = regexp.MustCompile(`^[A-Za-z0-9+/=_-]{32,}$`)
)

// RedactArgs sanitizes CLI arguments before they land in a receipt.
// It handles --flag=value, --flag value, and bare values that match
// known secret shapes. Returns the sanitized slice and whether
// anything was redacted.
func RedactArgs(args []string) ([]string, bool) {
	if len(args) == 0 {
		return args, false
	}

	out := make([]string, len(args))
	hit := false
	redactNext := false

	for i, arg := range args {
		if redactNext {
			out[i] = redactedValue
			hit = true
			redactNext = false
			continue
		}

		if name, value, isEq := strings.Cut(arg, "="); isEq && name != "" {
			if sensitiveFlags[flagName(name)] || looksSecret(value) {
				out[i] = name + "=" + redactedValue
				hit = true
				continue
			}
			out[i] = arg
			continue
		}

		if strings.HasPrefix(arg, "-") && sensitiveFlags[flagName(arg)] {
			out[i] = arg
			redactNext = i+1 < len(args)
			continue
		}

		if looksSecret(arg) {
			out[i] = redactedValue
			hit = true
			continue
		}

		out[i] = arg
	}

	return out, hit
}

func flagName(s string) string {
	s = strings.TrimPrefix(s, "--")
	s = strings.TrimPrefix(s, "-")
	return strings.ToLower(s)
}

// looksSecret reports whether a bare value matches a known secret shape.
func looksSecret(value string) bool {
	for _, prefix := range sensitivePrefixes {
		if strings.HasPrefix(value, prefix) {
			return true
		}
	}
	if jwtRegex.MatchString(value) {
		return true
	}
	// Long opaque strings count only when they contain no path or
	// domain separators, to spare file paths and image references.
	if len(value) >= 32 && !strings.ContainsAny(value, "/.") {
		return longSecretRegex.MatchString(value)
	}
	return false
}
