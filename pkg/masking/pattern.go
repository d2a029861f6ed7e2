package masking

import (
	"log/slog"
	"regexp"
)

// MaskingPattern defines a regex-based masking rule.
type MaskingPattern struct {
	Name        string
	Pattern     string
	Replacement string
	Description string
}

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPatterns returns the ordered set of regex rules applied to every
// log and error surface. Order matters: specific token shapes are masked
// before the generic key/value sweeps so replacements don't re-trigger.
func builtinPatterns() []MaskingPattern {
	return []MaskingPattern{
		{
			Name:        "google_api_key",
			Pattern:     `AIza[0-9A-Za-z_\-]{35}`,
			Replacement: `__MASKED_API_KEY__`,
			Description: "Google API keys",
		},
		{
			Name:        "url_credentials",
			Pattern:     `(?i)\b([a-z][a-z0-9+.\-]*://[^/\s:@]+):([^@/\s]+)@`,
			Replacement: `${1}:__MASKED_PASSWORD__@`,
			Description: "Credentials embedded in URLs",
		},
		{
			Name:        "bearer_header",
			Pattern:     `(?i)\bbearer\s+([A-Za-z0-9_\-\.=]{16,})`,
			Replacement: `Bearer __MASKED_TOKEN__`,
			Description: "Bearer authorization headers",
		},
		{
			Name:        "token",
			Pattern:     `(?i)(?:token|jwt)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-\.]{20,})["']?`,
			Replacement: `"token": "__MASKED_TOKEN__"`,
			Description: "Access tokens",
		},
		{
			Name:        "api_key",
			Pattern:     `(?i)(?:api[_-]?key|apikey)["']?\s*[:=]\s*["']?([A-Za-z0-9_\-]{20,})["']?`,
			Replacement: `"api_key": "__MASKED_API_KEY__"`,
			Description: "Generic API keys",
		},
		{
			Name:        "password",
			Pattern:     `(?i)(?:password|pwd)["']?\s*[:=]\s*["']?([^"'\s\n]{6,})["']?`,
			Replacement: `"password": "__MASKED_PASSWORD__"`,
			Description: "Passwords",
		},
		{
			Name:        "ssn",
			Pattern:     `\b\d{3}-\d{2}-\d{4}\b`,
			Replacement: `__MASKED_SSN__`,
			Description: "Social security numbers",
		},
	}
}

// compileBuiltinPatterns compiles all built-in regex patterns.
// Invalid patterns are logged and skipped.
func (s *Service) compileBuiltinPatterns() {
	for _, pattern := range builtinPatterns() {
		compiled, err := regexp.Compile(pattern.Pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", pattern.Name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        pattern.Name,
			Regex:       compiled,
			Replacement: pattern.Replacement,
			Description: pattern.Description,
		})
	}
}
