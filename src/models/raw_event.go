package models

import "time"

// OperationKind mirrors the upstream change type. Only inserts are processed.
type OperationKind string

const (
	OperationInsert OperationKind = "insert"
	OperationOther  OperationKind = "other"
)

// RawEvent is one upstream change notification. Document is opaque until
// normalization and is not retained afterwards.
type RawEvent struct {
	Source        SourceName
	OperationKind OperationKind
	Document      map[string]interface{}
	ReceivedAt    time.Time
}
