package masking

import (
	"log/slog"
)

// Service applies data masking to agent log records and error surfaces before
// they reach Redis streams, SSE clients, or the progress store. Created once
// at application startup. Thread-safe and stateless aside from compiled patterns.
type Service struct {
	patterns    []*CompiledPattern // Compiled regex patterns, applied in order
	codeMaskers []Masker           // Registered code-based maskers
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time. Invalid patterns
// are logged and skipped.
func NewService() *Service {
	s := &Service{}

	// 1. Compile built-in regex patterns
	s.compileBuiltinPatterns()

	// 2. Register code-based maskers
	s.registerMasker(&PatientPayloadMasker{})

	slog.Info("Masking service initialized",
		"patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// Mask applies code-based maskers then regex patterns to content.
// Log records must never be dropped, so masking is fail-open: on any
// processing error the individual masker returns its input unchanged.
func (s *Service) Mask(content string) string {
	if content == "" {
		return content
	}

	masked := content

	// Phase 1: Code-based maskers (structural awareness)
	for _, masker := range s.codeMaskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: Regex patterns (general sweep)
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}

// registerMasker registers a code-based masker.
func (s *Service) registerMasker(m Masker) {
	s.codeMaskers = append(s.codeMaskers, m)
}
