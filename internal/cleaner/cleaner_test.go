package cleaner_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/stopsearch-ingest/internal/cleaner"
)

func TestCleanBlankStrings(t *testing.T) {
	out := cleaner.Clean(map[string]any{
		"gender":      "",
		"legislation": "   ",
		"outcome":     "A no further action disposal",
		"location": map[string]any{
			"latitude": " ",
		},
	})

	assert.Nil(t, out["gender"])
	assert.Nil(t, out["legislation"])
	assert.Equal(t, "A no further action disposal", out["outcome"])

	loc, ok := out["location"].(map[string]any)
	require.True(t, ok)
	assert.Nil(t, loc["latitude"])
}

func TestCleanFalseOutcome(t *testing.T) {
	t.Run("FalseBecomesNothingFound", func(t *testing.T) {
		out := cleaner.Clean(map[string]any{"outcome": false})
		assert.Equal(t, "Nothing found", out["outcome"])
	})

	t.Run("TruePassesThrough", func(t *testing.T) {
		// An affirmative boolean is still malformed; the validator owns
		// rejecting it.
		out := cleaner.Clean(map[string]any{"outcome": true})
		assert.Equal(t, true, out["outcome"])
	})
}

func TestCleanInvolvedPerson(t *testing.T) {
	cases := []struct {
		searchType string
		want       bool
	}{
		{"Person search", true},
		{"Person and Vehicle search", true},
		{"Vehicle search", false},
	}
	for _, tc := range cases {
		t.Run(tc.searchType, func(t *testing.T) {
			out := cleaner.Clean(map[string]any{
				"type":            tc.searchType,
				"involved_person": !tc.want, // upstream value is overridden
			})
			assert.Equal(t, tc.want, out["involved_person"])
		})
	}

	t.Run("MissingTypeLeavesFieldAlone", func(t *testing.T) {
		out := cleaner.Clean(map[string]any{"involved_person": true})
		assert.Equal(t, true, out["involved_person"])
	})
}

func TestCleanCoordinateCoercion(t *testing.T) {
	out := cleaner.Clean(map[string]any{
		"location": map[string]any{
			"latitude":  "51.5072",
			"longitude": -0.1276,
		},
	})
	loc, ok := out["location"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, 51.5072, loc["latitude"])
	assert.Equal(t, -0.1276, loc["longitude"])
}

func TestCleanUnparseableCoordinatePassesThrough(t *testing.T) {
	out := cleaner.Clean(map[string]any{
		"location": map[string]any{"latitude": "not-a-number"},
	})
	loc, ok := out["location"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "not-a-number", loc["latitude"])
}

func TestCleanDoesNotMutateInput(t *testing.T) {
	in := map[string]any{
		"gender": "",
		"location": map[string]any{
			"latitude": "51.5",
		},
	}
	_ = cleaner.Clean(in)

	assert.Equal(t, "", in["gender"])
	loc := in["location"].(map[string]any)
	assert.Equal(t, "51.5", loc["latitude"])
}

func TestCleanIsTotal(t *testing.T) {
	// Garbage in every field must still come out the other side.
	out := cleaner.Clean(map[string]any{
		"type":     42,
		"outcome":  []any{"weird"},
		"location": "not-an-object",
		"datetime": nil,
	})
	require.NotNil(t, out)
	assert.Equal(t, 42, out["type"])
	assert.Equal(t, "not-an-object", out["location"])
}
