package model

import "time"

// SourceDocument is an email record as stored in the document store
type SourceDocument struct {
	ID        string    `json:"id" yaml:"id"`
	Product   string    `json:"product" yaml:"product"`
	Customer  string    `json:"customer" yaml:"customer"`
	Subject   string    `json:"subject" yaml:"subject"`
	Body      string    `json:"body" yaml:"body"`
	Date      time.Time `json:"date" yaml:"date"`
	CreatedAt time.Time `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	UpdatedAt time.Time `json:"updatedAt,omitempty" yaml:"updatedAt,omitempty"`
}

// IndexPayload is the searchable projection of a SourceDocument.
// The identifier travels next to the payload, never inside it.
type IndexPayload struct {
	Product string `json:"product"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Fields returns the payload as a field map keyed by index field name
func (p IndexPayload) Fields() map[string]any {
	return map[string]any{
		"product": p.Product,
		"subject": p.Subject,
		"body":    p.Body,
	}
}
