package validator_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/validator"
)

func monthStart(year int, month time.Month) time.Time {
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func validFields() map[string]any {
	return map[string]any{
		"datetime":        "2024-01-15T18:30:00+00:00",
		"type":            "Person search",
		"involved_person": true,
		"gender":          "Male",
		"age_range":       "18-24",
		"location": map[string]any{
			"latitude":  51.5072,
			"longitude": -0.1276,
			"street": map[string]any{
				"id":   float64(883407),
				"name": "On or near Oxford Street",
			},
		},
		"object_of_search": "Controlled drugs",
		"outcome":          "Nothing found",
	}
}

func TestValidateAcceptsCompleteRecord(t *testing.T) {
	rec := ingest.RawRecord{
		Force:  "metropolitan",
		Period: monthStart(2024, time.January),
		Fields: validFields(),
	}

	clean, violation := validator.Validate(rec)
	require.Nil(t, violation)

	assert.Equal(t, "metropolitan", clean.Force)
	assert.Equal(t, "Person search", clean.Type)
	assert.True(t, clean.InvolvedPerson)
	assert.Equal(t, time.Date(2024, 1, 15, 18, 30, 0, 0, time.UTC), clean.Datetime)
	require.NotNil(t, clean.Latitude)
	assert.Equal(t, 51.5072, *clean.Latitude)
	require.NotNil(t, clean.StreetID)
	assert.Equal(t, int64(883407), *clean.StreetID)
	require.NotNil(t, clean.Gender)
	assert.Equal(t, "Male", *clean.Gender)
}

func TestValidateAcceptsUnzonedDatetime(t *testing.T) {
	fields := validFields()
	fields["datetime"] = "2019-06-02T23:15:00"

	_, violation := validator.Validate(ingest.RawRecord{
		Force: "kent", Period: monthStart(2019, time.June), Fields: fields,
	})
	require.Nil(t, violation)
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name      string
		mutate    func(map[string]any)
		wantField string
	}{
		{
			name:      "MissingDatetime",
			mutate:    func(f map[string]any) { delete(f, "datetime") },
			wantField: "datetime",
		},
		{
			name:      "NullDatetime",
			mutate:    func(f map[string]any) { f["datetime"] = nil },
			wantField: "datetime",
		},
		{
			name:      "GarbageDatetime",
			mutate:    func(f map[string]any) { f["datetime"] = "last tuesday" },
			wantField: "datetime",
		},
		{
			name:      "UnknownType",
			mutate:    func(f map[string]any) { f["type"] = "Dog search" },
			wantField: "type",
		},
		{
			name:      "MissingType",
			mutate:    func(f map[string]any) { delete(f, "type") },
			wantField: "type",
		},
		{
			name: "LatitudeOutOfRange",
			mutate: func(f map[string]any) {
				f["location"].(map[string]any)["latitude"] = 91.0
			},
			wantField: "location.latitude",
		},
		{
			name: "LongitudeOutOfRange",
			mutate: func(f map[string]any) {
				f["location"].(map[string]any)["longitude"] = -180.5
			},
			wantField: "location.longitude",
		},
		{
			name: "NonNumericLatitude",
			mutate: func(f map[string]any) {
				f["location"].(map[string]any)["latitude"] = "fifty-one"
			},
			wantField: "location.latitude",
		},
		{
			name:      "UnknownAgeRange",
			mutate:    func(f map[string]any) { f["age_range"] = "35-44" },
			wantField: "age_range",
		},
		{
			name:      "BooleanOutcome",
			mutate:    func(f map[string]any) { f["outcome"] = true },
			wantField: "outcome",
		},
		{
			name:      "NonBooleanInvolvedPerson",
			mutate:    func(f map[string]any) { f["involved_person"] = "yes" },
			wantField: "involved_person",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fields := validFields()
			tc.mutate(fields)

			_, violation := validator.Validate(ingest.RawRecord{
				Force: "metropolitan", Period: monthStart(2024, time.January), Fields: fields,
			})
			require.NotNil(t, violation)
			assert.Equal(t, tc.wantField, violation.Field)
			assert.NotEmpty(t, violation.String())
		})
	}
}

func TestValidateOptionalFieldsAbsent(t *testing.T) {
	fields := map[string]any{
		"datetime": "2024-01-15T18:30:00+00:00",
		"type":     "Vehicle search",
	}

	clean, violation := validator.Validate(ingest.RawRecord{
		Force: "kent", Period: monthStart(2024, time.January), Fields: fields,
	})
	require.Nil(t, violation)
	assert.Nil(t, clean.Latitude)
	assert.Nil(t, clean.Gender)
	assert.Nil(t, clean.AgeRange)
	assert.Nil(t, clean.Outcome)
	assert.False(t, clean.InvolvedPerson)
}

func TestPartitionIsExact(t *testing.T) {
	period := monthStart(2024, time.January)
	records := []ingest.RawRecord{
		{Force: "metropolitan", Period: period, Fields: validFields()},
		{Force: "metropolitan", Period: period, Fields: map[string]any{
			"datetime": "garbage",
			"type":     "Person search",
		}},
		{Force: "metropolitan", Period: period, Fields: validFields()},
	}

	valid, quarantined := validator.Partition(records)

	assert.Len(t, valid, 2)
	require.Len(t, quarantined, 1)
	assert.Equal(t, len(records), len(valid)+len(quarantined))

	row := quarantined[0]
	assert.NotEmpty(t, row.ID)
	assert.Equal(t, "metropolitan", row.Force)
	assert.Equal(t, period, row.Period)
	assert.Equal(t, "datetime", row.Field)
	assert.Contains(t, row.Reason, "datetime")
	assert.Equal(t, "garbage", row.Raw["datetime"])
	assert.False(t, row.CreatedAt.IsZero())
}

func TestPartitionEmptyInput(t *testing.T) {
	valid, quarantined := validator.Partition(nil)
	assert.Empty(t, valid)
	assert.Empty(t, quarantined)
}
