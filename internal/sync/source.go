// Package sync implements the two one-way pipelines between the mirror
// store and the external system of record: ingest (source -> mirror) and
// push-back (committed modifications -> target).
package sync

import (
	"context"
	"encoding/json"
)

// BaselineRecord is one raw record from the ingest source.
type BaselineRecord struct {
	ExternalID      string          `json:"id"`
	ExternalVersion string          `json:"version"`
	Payload         json.RawMessage `json:"payload"`
}

// SourcePage is one page of the ingest feed.
type SourcePage struct {
	Records    []BaselineRecord
	NextCursor string
	HasMore    bool
}

// Source is the paged read interface of the external system. FetchPage
// errors mean "source unavailable, abort the batch"; malformed individual
// records come back in the page and are rejected per record during ingest.
type Source interface {
	FetchPage(ctx context.Context, cursor string, limit int) (*SourcePage, error)
}

// Target is the apply interface of the external system for push-back.
// Implementations return an EngineError of kind external_conflict when the
// far side's version moved, external_transient for network and timeout
// failures.
type Target interface {
	Apply(ctx context.Context, externalID string, fields map[string]json.RawMessage) error
}
