package models

import (
	"strings"
	"time"
)

// ProcessingState records how far a document got through chunking and embedding.
type ProcessingState string

const (
	StateUnprocessed ProcessingState = "unprocessed"
	StateProcessing  ProcessingState = "processing"
	StateProcessed   ProcessingState = "processed"
	StateFailed      ProcessingState = "failed"
)

// Valid reports whether s is one of the known states.
func (s ProcessingState) Valid() bool {
	switch s {
	case StateUnprocessed, StateProcessing, StateProcessed, StateFailed:
		return true
	}
	return false
}

// Document is a unit of source content owned by a user.
type Document struct {
	ID          string
	OwnerID     string
	Title       string
	Source      string
	Content     string
	CreatedAt   time.Time
	State       ProcessingState
	ProcessedAt *time.Time
}

// ProcessingStatus is the processing view of a document exposed to callers.
type ProcessingStatus struct {
	DocumentID  string          `json:"document_id"`
	State       ProcessingState `json:"state"`
	Processed   bool            `json:"rag_processed"`
	ProcessedAt *time.Time      `json:"rag_processed_at"`
}

// NewProcessingStatus builds a status where Processed is derived from state.
func NewProcessingStatus(documentID string, state ProcessingState, at *time.Time) ProcessingStatus {
	status := ProcessingStatus{
		DocumentID: documentID,
		State:      state,
		Processed:  state == StateProcessed,
	}
	if status.Processed {
		status.ProcessedAt = at
	}
	return status
}

// Scope restricts retrieval to a set of documents. An empty scope means every
// document the caller has already filtered down to.
type Scope struct {
	DocumentIDs []string `json:"document_ids"`
}

// SingleDocument returns a scope over one document.
func SingleDocument(id string) Scope {
	return Scope{DocumentIDs: []string{id}}
}

// Normalize trims ids, drops blanks and duplicates, and keeps the first-seen order.
func (s Scope) Normalize() Scope {
	seen := make(map[string]bool, len(s.DocumentIDs))
	ids := make([]string, 0, len(s.DocumentIDs))
	for _, id := range s.DocumentIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return Scope{DocumentIDs: ids}
}

// IsEmpty reports whether the scope names no documents.
func (s Scope) IsEmpty() bool {
	return len(s.DocumentIDs) == 0
}
