package processor

import (
	"github.com/withobsrvr/searchsync/internal/model"
)

// SearchableFields lists the source fields copied into the index.
// Any other field is dropped by the projection.
var SearchableFields = []string{"product", "subject", "body"}

// Projector maps a source document to its index payload
type Projector func(doc model.SourceDocument) model.IndexPayload

// Project returns the searchable projection of doc.
// It only reads doc, so the same input always yields the same payload.
func Project(doc model.SourceDocument) model.IndexPayload {
	return model.IndexPayload{
		Product: doc.Product,
		Subject: doc.Subject,
		Body:    doc.Body,
	}
}

// ProjectFields applies the allow-list to a raw field map
func ProjectFields(fields map[string]any) map[string]any {
	out := make(map[string]any, len(SearchableFields))
	for _, name := range SearchableFields {
		if v, ok := fields[name]; ok {
			out[name] = v
		}
	}
	return out
}
