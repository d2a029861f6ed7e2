package masking

import (
	"encoding/json"
	"strings"
)

// MaskedIdentifierValue is the replacement string for masked patient identifier values.
const MaskedIdentifierValue = "__MASKED_IDENTIFIER__"

// sensitivePayloadKeys holds normalized key names (lowercased, separators
// stripped) whose values are masked wherever they appear in a payload.
var sensitivePayloadKeys = map[string]struct{}{
	"ssn":                  {},
	"socialsecuritynumber": {},
	"memberid":             {},
	"subscriberid":         {},
	"policynumber":         {},
	"dateofbirth":          {},
	"dob":                  {},
	"apikey":               {},
	"password":             {},
	"token":                {},
	"authorization":        {},
	"secret":               {},
}

// payloadMarkers are cheap substring checks used by AppliesTo before any parsing.
var payloadMarkers = []string{
	"ssn", "member", "subscriber", "policy_number", "date_of_birth", "dob",
	"api_key", "apikey", "password", "token", "authorization", "secret",
}

// PatientPayloadMasker masks identifier and credential values inside JSON
// payloads while leaving clinical fields (procedure codes, diagnoses,
// payer names) untouched. Handles both whole-line JSON and JSON embedded
// mid-line in agent log output.
type PatientPayloadMasker struct{}

// Name returns the unique identifier for this masker.
func (m *PatientPayloadMasker) Name() string { return "patient_payload" }

// AppliesTo performs a lightweight check on whether this masker should process the data.
func (m *PatientPayloadMasker) AppliesTo(data string) bool {
	if !strings.Contains(data, "{") {
		return false
	}
	lower := strings.ToLower(data)
	for _, marker := range payloadMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// Mask parses the JSON payload in data, masks sensitive values, and splices
// the result back. Returns original data on parse/processing errors.
func (m *PatientPayloadMasker) Mask(data string) string {
	trimmed := strings.TrimSpace(data)

	// Whole-string JSON is the common case for ingested payloads.
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		if masked, ok := maskJSONDocument(trimmed); ok {
			result := strings.Replace(data, trimmed, masked, 1)
			return result
		}
	}

	// Agent log lines embed JSON mid-line ("📄 Result: {...}").
	start := strings.Index(data, "{")
	end := strings.LastIndex(data, "}")
	if start < 0 || end <= start {
		return data
	}
	fragment := data[start : end+1]
	masked, ok := maskJSONDocument(fragment)
	if !ok {
		return data
	}
	return data[:start] + masked + data[end+1:]
}

// maskJSONDocument unmarshals a JSON document, masks sensitive values, and
// re-serializes compactly. Reports false when the document does not parse
// or nothing was masked.
func maskJSONDocument(doc string) (string, bool) {
	var node any
	if err := json.Unmarshal([]byte(doc), &node); err != nil {
		return doc, false
	}
	if !maskPayloadValues(node) {
		return doc, false
	}
	out, err := json.Marshal(node)
	if err != nil {
		return doc, false
	}
	return string(out), true
}

// maskPayloadValues walks a decoded JSON tree and replaces values whose keys
// are in the sensitive set. Returns true if any values were masked.
func maskPayloadValues(node any) bool {
	anyMasked := false
	switch v := node.(type) {
	case map[string]any:
		for key, val := range v {
			if isSensitiveKey(key) {
				v[key] = MaskedIdentifierValue
				anyMasked = true
				continue
			}
			if maskPayloadValues(val) {
				anyMasked = true
			}
		}
	case []any:
		for _, item := range v {
			if maskPayloadValues(item) {
				anyMasked = true
			}
		}
	}
	return anyMasked
}

// isSensitiveKey normalizes a payload key and checks it against the sensitive set.
func isSensitiveKey(key string) bool {
	normalized := strings.ToLower(key)
	normalized = strings.NewReplacer("_", "", "-", "", " ", "").Replace(normalized)
	_, ok := sensitivePayloadKeys[normalized]
	return ok
}
