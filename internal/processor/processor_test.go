package processor

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withobsrvr/searchsync/internal/model"
)

func sampleDocument() model.SourceDocument {
	t0 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.SourceDocument{
		ID:        "a1",
		Product:   "Widget",
		Customer:  "c1",
		Subject:   "Order issue",
		Body:      "My widget broke",
		Date:      t0,
		CreatedAt: t0,
		UpdatedAt: t0.Add(time.Hour),
	}
}

func TestProjectKeepsOnlySearchableFields(t *testing.T) {
	payload := Project(sampleDocument())

	assert.Equal(t, model.IndexPayload{
		Product: "Widget",
		Subject: "Order issue",
		Body:    "My widget broke",
	}, payload)

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(raw, &fields))
	assert.Len(t, fields, len(SearchableFields))
	for _, name := range SearchableFields {
		assert.Contains(t, fields, name)
	}
	for _, dropped := range []string{"id", "customer", "date", "createdAt", "updatedAt"} {
		assert.NotContains(t, fields, dropped)
	}
}

func TestProjectIsDeterministic(t *testing.T) {
	doc := sampleDocument()

	first, err := json.Marshal(Project(doc))
	require.NoError(t, err)
	second, err := json.Marshal(Project(doc))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestProjectFields(t *testing.T) {
	in := map[string]any{
		"_id":      "a1",
		"product":  "Widget",
		"subject":  "Order issue",
		"body":     "My widget broke",
		"customer": "c1",
		"extra":    42,
	}

	out := ProjectFields(in)
	assert.Equal(t, map[string]any{
		"product": "Widget",
		"subject": "Order issue",
		"body":    "My widget broke",
	}, out)

	assert.Empty(t, ProjectFields(map[string]any{"customer": "c1"}))
}
