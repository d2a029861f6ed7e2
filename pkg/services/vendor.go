package services

import (
	"fmt"
	"strings"
)

// UnknownVendor marks payloads with no recognizable vendor field.
const UnknownVendor = "UNKNOWN"

// knownVendors is the canonical spelling of every payer portal the planner
// can drive. Extraction matches case-insensitively and returns the canonical
// form; unmatched names pass through uppercased so new payers stand out in
// the batch counts.
var knownVendors = []string{
	"Evicore",
	"Cohere",
	"Healthera",
	"ChangeHealthcare",
	"Availity",
	"Optum",
	"Epic",
	"Athenahealth",
	"Cerner",
	"Allscripts",
}

// vendorContainers are the nested payload objects checked for a vendor name
// when the top-level lookup misses, in priority order.
var vendorContainers = []string{"meta", "details", "info", "request_info"}

// ExtractVendor pulls the payer name out of one patient record. The top-level
// vendorname field wins; nested containers are consulted after.
func ExtractVendor(record map[string]any) string {
	if v, ok := vendorFrom(record); ok {
		return v
	}
	for _, key := range vendorContainers {
		nested, ok := record[key].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := vendorFrom(nested); ok {
			return v
		}
	}
	return UnknownVendor
}

func vendorFrom(obj map[string]any) (string, bool) {
	raw, ok := obj["vendorname"]
	if !ok || raw == nil {
		return "", false
	}
	s := strings.TrimSpace(fmt.Sprint(raw))
	if s == "" {
		return "", false
	}
	return NormalizeVendor(s), true
}

// NormalizeVendor maps a raw vendor string onto its canonical spelling, or
// returns the uppercased input when the vendor is not in the known set.
func NormalizeVendor(raw string) string {
	upper := strings.ToUpper(strings.TrimSpace(raw))
	for _, v := range knownVendors {
		if strings.ToUpper(v) == upper {
			return v
		}
	}
	return upper
}
