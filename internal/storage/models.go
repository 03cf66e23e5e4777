package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Saga is the journaled state of one stop-and-archive run.
type Saga struct {
	ID                    string
	BotID                 string
	Container             string
	Phase                 string
	SkipOrderCancellation bool
	ArchiveTarget         string // "local" or "s3"
	ArchiveBucket         string
	ExclusionHeld         bool
	Error                 string
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// SagaEvent is one journaled phase transition.
type SagaEvent struct {
	SagaID    string
	Phase     string
	Detail    string
	CreatedAt time.Time
}

// Archive records one archive attempt for a bot's instance data.
type Archive struct {
	ID        string
	SagaID    string
	BotID     string
	Target    string
	Location  string
	SizeBytes int64
	Success   bool
	Error     string
	CreatedAt time.Time
}
