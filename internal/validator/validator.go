// Package validator partitions cleaned records into typed rows and
// quarantined rows. Every rule is per-record; there are no cross-row
// constraints, so a batch partitions record by record.
package validator

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
)

// Search types the upstream publishes.
var searchTypes = map[string]bool{
	"Person search":             true,
	"Vehicle search":            true,
	"Person and Vehicle search": true,
}

// Age ranges the upstream publishes.
var ageRanges = map[string]bool{
	"under 10": true,
	"10-17":    true,
	"18-24":    true,
	"25-34":    true,
	"over 34":  true,
}

// Violation describes the first rule a record failed.
type Violation struct {
	Field      string
	Constraint string
	Value      any
}

func (v *Violation) String() string {
	return fmt.Sprintf("%s: %s (got %v)", v.Field, v.Constraint, v.Value)
}

// Partition validates each cleaned record independently. Every input lands
// in exactly one of the two outputs.
func Partition(records []ingest.RawRecord) ([]ingest.CleanRecord, []ingest.QuarantinedRow) {
	valid := make([]ingest.CleanRecord, 0, len(records))
	var quarantined []ingest.QuarantinedRow
	now := time.Now().UTC()

	for _, rec := range records {
		clean, violation := Validate(rec)
		if violation != nil {
			quarantined = append(quarantined, ingest.QuarantinedRow{
				ID:        uuid.NewString(),
				Force:     rec.Force,
				Period:    rec.Period,
				Raw:       rec.Fields,
				Field:     violation.Field,
				Reason:    violation.String(),
				CreatedAt: now,
			})
			continue
		}
		valid = append(valid, clean)
	}
	return valid, quarantined
}

// Validate converts a cleaned record into a CleanRecord or reports the
// first violated rule.
func Validate(rec ingest.RawRecord) (ingest.CleanRecord, *Violation) {
	f := rec.Fields

	dt, violation := requiredDatetime(f, "datetime")
	if violation != nil {
		return ingest.CleanRecord{}, violation
	}

	searchType, ok := f["type"].(string)
	if !ok || !searchTypes[searchType] {
		return ingest.CleanRecord{}, &Violation{
			Field:      "type",
			Constraint: "one of Person search, Vehicle search, Person and Vehicle search",
			Value:      f["type"],
		}
	}

	involved, violation := optionalBool(f, "involved_person")
	if violation != nil {
		return ingest.CleanRecord{}, violation
	}

	lat, lon, streetID, streetName, violation := location(f)
	if violation != nil {
		return ingest.CleanRecord{}, violation
	}

	ageRange, violation := optionalString(f, "age_range")
	if violation != nil {
		return ingest.CleanRecord{}, violation
	}
	if ageRange != nil && !ageRanges[*ageRange] {
		return ingest.CleanRecord{}, &Violation{
			Field:      "age_range",
			Constraint: "one of under 10, 10-17, 18-24, 25-34, over 34",
			Value:      *ageRange,
		}
	}

	out := ingest.CleanRecord{
		Force:      rec.Force,
		Type:       searchType,
		Datetime:   dt,
		Latitude:   lat,
		Longitude:  lon,
		StreetID:   streetID,
		StreetName: streetName,
		AgeRange:   ageRange,
	}
	if involved != nil {
		out.InvolvedPerson = *involved
	}

	for _, field := range []struct {
		key string
		dst **string
	}{
		{"operation_name", &out.OperationName},
		{"gender", &out.Gender},
		{"self_defined_ethnicity", &out.SelfDefinedEthnicity},
		{"officer_defined_ethnicity", &out.OfficerDefinedEthnicity},
		{"legislation", &out.Legislation},
		{"object_of_search", &out.ObjectOfSearch},
		{"outcome", &out.Outcome},
	} {
		val, violation := optionalString(f, field.key)
		if violation != nil {
			return ingest.CleanRecord{}, violation
		}
		*field.dst = val
	}

	for _, field := range []struct {
		key string
		dst **bool
	}{
		{"operation", &out.Operation},
		{"outcome_linked_to_object_of_search", &out.OutcomeLinked},
		{"removal_of_more_than_outer_clothing", &out.RemovalOfClothing},
	} {
		val, violation := optionalBool(f, field.key)
		if violation != nil {
			return ingest.CleanRecord{}, violation
		}
		*field.dst = val
	}

	if obj, ok := f["outcome_object"].(map[string]any); ok {
		id, violation := optionalString(obj, "id")
		if violation != nil {
			violation.Field = "outcome_object.id"
			return ingest.CleanRecord{}, violation
		}
		name, violation := optionalString(obj, "name")
		if violation != nil {
			violation.Field = "outcome_object.name"
			return ingest.CleanRecord{}, violation
		}
		out.OutcomeObjectID = id
		out.OutcomeObjectName = name
	}

	return out, nil
}

func requiredDatetime(f map[string]any, key string) (time.Time, *Violation) {
	raw, ok := f[key].(string)
	if !ok || raw == "" {
		return time.Time{}, &Violation{Field: key, Constraint: "required timestamp", Value: f[key]}
	}
	// The API emits zoned timestamps; older archives omit the offset.
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &Violation{Field: key, Constraint: "RFC3339 timestamp", Value: raw}
}

func location(f map[string]any) (lat, lon *float64, streetID *int64, streetName *string, violation *Violation) {
	loc, ok := f["location"].(map[string]any)
	if !ok {
		return nil, nil, nil, nil, nil
	}

	lat, violation = boundedFloat(loc, "latitude", -90, 90)
	if violation != nil {
		violation.Field = "location.latitude"
		return nil, nil, nil, nil, violation
	}
	lon, violation = boundedFloat(loc, "longitude", -180, 180)
	if violation != nil {
		violation.Field = "location.longitude"
		return nil, nil, nil, nil, violation
	}

	if street, ok := loc["street"].(map[string]any); ok {
		if v, ok := street["id"]; ok && v != nil {
			num, isNum := v.(float64)
			if !isNum {
				return nil, nil, nil, nil, &Violation{
					Field: "location.street.id", Constraint: "integer", Value: v,
				}
			}
			id := int64(num)
			streetID = &id
		}
		var sv *Violation
		streetName, sv = optionalString(street, "name")
		if sv != nil {
			sv.Field = "location.street.name"
			return nil, nil, nil, nil, sv
		}
	}
	return lat, lon, streetID, streetName, nil
}

func boundedFloat(f map[string]any, key string, min, max float64) (*float64, *Violation) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	num, isNum := v.(float64)
	if !isNum {
		return nil, &Violation{Field: key, Constraint: "numeric", Value: v}
	}
	if num < min || num > max {
		return nil, &Violation{
			Field:      key,
			Constraint: fmt.Sprintf("within [%v, %v]", min, max),
			Value:      num,
		}
	}
	return &num, nil
}

func optionalString(f map[string]any, key string) (*string, *Violation) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	s, isStr := v.(string)
	if !isStr {
		return nil, &Violation{Field: key, Constraint: "string", Value: v}
	}
	return &s, nil
}

func optionalBool(f map[string]any, key string) (*bool, *Violation) {
	v, ok := f[key]
	if !ok || v == nil {
		return nil, nil
	}
	b, isBool := v.(bool)
	if !isBool {
		return nil, &Violation{Field: key, Constraint: "boolean", Value: v}
	}
	return &b, nil
}
