// Package cleaner applies deterministic remediation rules to raw records
// before validation. Rules are total: they never fail, and anything they
// cannot resolve passes through unchanged for the validator to reject.
package cleaner

import (
	"strconv"
	"strings"
)

// Rule is one remediation step over a record's field map. Rules must not
// mutate their input.
type Rule struct {
	Name  string
	Apply func(map[string]any) map[string]any
}

// Rules is the fixed, ordered remediation list. Order matters: later rules
// may depend on earlier coercions (coordinate parsing expects blanks to
// already be nulled).
var Rules = []Rule{
	{Name: "blank_strings_to_null", Apply: blankStringsToNull},
	{Name: "false_outcome_to_nothing_found", Apply: falseOutcomeToNothingFound},
	{Name: "involved_person_from_type", Apply: involvedPersonFromType},
	{Name: "coerce_coordinates", Apply: coerceCoordinates},
}

// Clean runs every rule in order and returns the remediated copy.
func Clean(fields map[string]any) map[string]any {
	out := deepCopy(fields)
	for _, r := range Rules {
		out = r.Apply(out)
	}
	return out
}

// blankStringsToNull replaces empty and whitespace-only strings with nil,
// recursing into nested objects.
func blankStringsToNull(fields map[string]any) map[string]any {
	for k, v := range fields {
		switch val := v.(type) {
		case string:
			if strings.TrimSpace(val) == "" {
				fields[k] = nil
			}
		case map[string]any:
			fields[k] = blankStringsToNull(val)
		}
	}
	return fields
}

// falseOutcomeToNothingFound fixes the upstream quirk where a negative
// outcome arrives as boolean false instead of the documented string.
func falseOutcomeToNothingFound(fields map[string]any) map[string]any {
	if v, ok := fields["outcome"].(bool); ok && !v {
		fields["outcome"] = "Nothing found"
	}
	return fields
}

// involvedPersonFromType derives involved_person from the search type.
// Vehicle-only searches involve no person; every other type does.
func involvedPersonFromType(fields map[string]any) map[string]any {
	t, ok := fields["type"].(string)
	if !ok {
		return fields
	}
	fields["involved_person"] = t != "Vehicle search"
	return fields
}

// coerceCoordinates parses string latitude/longitude inside the nested
// location object into floats. Unparseable values are left as-is.
func coerceCoordinates(fields map[string]any) map[string]any {
	loc, ok := fields["location"].(map[string]any)
	if !ok {
		return fields
	}
	for _, key := range []string{"latitude", "longitude"} {
		s, ok := loc[key].(string)
		if !ok {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			loc[key] = f
		}
	}
	return fields
}

func deepCopy(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		if m, ok := v.(map[string]any); ok {
			dst[k] = deepCopy(m)
			continue
		}
		dst[k] = v
	}
	return dst
}
