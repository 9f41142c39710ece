package model

import "time"

// OperationType is the kind of mutation a ChangeEvent describes
type OperationType string

const (
	// OpInsert is emitted when a document is created
	OpInsert OperationType = "insert"
	// OpUpdate is emitted when fields of a document change
	OpUpdate OperationType = "update"
	// OpReplace is emitted when a document is replaced wholesale
	OpReplace OperationType = "replace"
	// OpDelete is emitted when a document is removed
	OpDelete OperationType = "delete"
)

// Upserts reports whether the operation carries a post-mutation document
func (o OperationType) Upserts() bool {
	switch o {
	case OpInsert, OpUpdate, OpReplace:
		return true
	}
	return false
}

// Known reports whether the engine knows how to apply the operation
func (o OperationType) Known() bool {
	return o.Upserts() || o == OpDelete
}

// Namespace identifies the database and collection an event belongs to
type Namespace struct {
	Database   string `json:"db" yaml:"db"`
	Collection string `json:"coll" yaml:"coll"`
}

// String returns the namespace as "db.collection"
func (n Namespace) String() string {
	return n.Database + "." + n.Collection
}

// ClusterTime is a position in the source's commit log
type ClusterTime struct {
	T uint32 `json:"t" yaml:"t"`
	I uint32 `json:"i" yaml:"i"`
}

// IsZero reports whether the cluster time is unset
func (c ClusterTime) IsZero() bool {
	return c.T == 0 && c.I == 0
}

// Time returns the wall clock second encoded in the cluster time
func (c ClusterTime) Time() time.Time {
	return time.Unix(int64(c.T), 0).UTC()
}

// ChangeEvent is one mutation committed to the source, delivered in commit order
type ChangeEvent struct {
	Operation    OperationType   `json:"operationType"`
	DocumentID   string          `json:"documentKey"`
	FullDocument *SourceDocument `json:"fullDocument,omitempty"`
	Namespace    Namespace       `json:"ns"`
	ClusterTime  ClusterTime     `json:"clusterTime"`
	// ResumeToken is the opaque stream position after this event
	ResumeToken []byte `json:"-"`
}
