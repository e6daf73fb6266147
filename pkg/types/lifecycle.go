package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ImportRecord groups the batches of one upstream search/export run
type ImportRecord struct {
	ID               uuid.UUID
	ProcessorName    string
	ProcessorVersion string
	SourceName       string
	Expected         int
	SearchedAt       time.Time
	CreatedAt        time.Time
}

// ImportBatchStatus is the rollup state of a batch
type ImportBatchStatus string

const (
	ImportBatchCreated         ImportBatchStatus = "created"
	ImportBatchStarted         ImportBatchStatus = "started"
	ImportBatchCompleted       ImportBatchStatus = "completed"
	ImportBatchPartiallyFailed ImportBatchStatus = "partially_failed"
	ImportBatchFailed          ImportBatchStatus = "failed"
	ImportBatchCancelled       ImportBatchStatus = "cancelled"
)

// ImportBatch points at a newline-delimited JSON artifact to ingest
type ImportBatch struct {
	ID              uuid.UUID
	RecordID        uuid.UUID
	StorageURL      string
	CollisionPolicy CollisionPolicy
	Status          ImportBatchStatus
	Attempts        int
	CreatedAt       time.Time
}

// ImportResultStatus is the outcome of a single artifact line
type ImportResultStatus string

const (
	ImportResultCreated         ImportResultStatus = "created"
	ImportResultUpdated         ImportResultStatus = "updated"
	ImportResultPartiallyFailed ImportResultStatus = "partially_failed"
	ImportResultFailed          ImportResultStatus = "failed"
	ImportResultCancelled       ImportResultStatus = "cancelled"
)

// Terminal reports whether a line outcome succeeded at least partially
func (s ImportResultStatus) Succeeded() bool {
	return s == ImportResultCreated || s == ImportResultUpdated || s == ImportResultPartiallyFailed
}

// ImportResult records the per-line outcome of batch processing
type ImportResult struct {
	ID             uuid.UUID
	BatchID        uuid.UUID
	Line           int
	Status         ImportResultStatus
	ReferenceID    *uuid.UUID
	FailureDetails string
	CreatedAt      time.Time
}

// EnhancementRequestStatus is derived from the request's pending enhancements
type EnhancementRequestStatus string

const (
	RequestReceived      EnhancementRequestStatus = "received"
	RequestAccepted      EnhancementRequestStatus = "accepted"
	RequestImporting     EnhancementRequestStatus = "importing"
	RequestIndexing      EnhancementRequestStatus = "indexing"
	RequestCompleted     EnhancementRequestStatus = "completed"
	RequestPartialFailed EnhancementRequestStatus = "partial_failed"
	RequestFailed        EnhancementRequestStatus = "failed"
	RequestRejected      EnhancementRequestStatus = "rejected"
)

// EnhancementRequest asks one robot to enrich a set of references
type EnhancementRequest struct {
	ID           uuid.UUID
	ReferenceIDs []uuid.UUID
	RobotID      uuid.UUID
	Parameters   json.RawMessage
	Source       string
	Priority     int
	CreatedAt    time.Time
}

// PendingStatus is the state of one unit of robot work
type PendingStatus string

const (
	PendingStatusPending        PendingStatus = "pending"
	PendingStatusProcessing     PendingStatus = "processing"
	PendingStatusImporting      PendingStatus = "importing"
	PendingStatusIndexing       PendingStatus = "indexing"
	PendingStatusIndexingFailed PendingStatus = "indexing_failed"
	PendingStatusCompleted      PendingStatus = "completed"
	PendingStatusFailed         PendingStatus = "failed"
	PendingStatusExpired        PendingStatus = "expired"
)

// Terminal reports whether the status admits no further transitions
func (s PendingStatus) Terminal() bool {
	switch s {
	case PendingStatusCompleted, PendingStatusFailed, PendingStatusExpired, PendingStatusIndexingFailed:
		return true
	}
	return false
}

// Leased reports whether the status implies a live lease
func (s PendingStatus) Leased() bool {
	return s == PendingStatusProcessing || s == PendingStatusImporting
}

// PendingEnhancement is a unit of work for a robot. Only pending items may
// be picked up; processing and importing items carry a non-nil lease.
// Retry chains are expressed through RetryOf, never through pointers.
type PendingEnhancement struct {
	ID          uuid.UUID
	ReferenceID uuid.UUID
	RobotID     uuid.UUID
	RequestID   *uuid.UUID
	Source      string
	Status      PendingStatus
	Priority    int
	ExpiresAt   *time.Time
	RetryOf     *uuid.UUID
	CreatedAt   time.Time
}

// RobotBatchStatus is the state of a leased work batch
type RobotBatchStatus string

const (
	RobotBatchPending   RobotBatchStatus = "pending"
	RobotBatchImporting RobotBatchStatus = "importing"
	RobotBatchCompleted RobotBatchStatus = "completed"
	RobotBatchFailed    RobotBatchStatus = "failed"
	RobotBatchExpired   RobotBatchStatus = "expired"
)

// Terminal reports whether the batch admits no further transitions
func (s RobotBatchStatus) Terminal() bool {
	return s == RobotBatchCompleted || s == RobotBatchFailed || s == RobotBatchExpired
}

// RobotEnhancementBatch is the batched lease handed to a polling robot.
// A pending enhancement belongs to at most one non-terminal batch.
type RobotEnhancementBatch struct {
	ID            uuid.UUID
	RobotID       uuid.UUID
	Status        RobotBatchStatus
	ReferenceFile string // blob key of the hydrated reference artifact
	ResultFile    string // blob key the robot writes results to
	PendingIDs    []uuid.UUID
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

// Robot is a registered out-of-process enhancement worker
type Robot struct {
	ID               uuid.UUID
	Name             string
	BaseURL          string
	Owner            string
	ClientSecretHash string // SHA-256 hex; the plaintext secret is never stored
	CreatedAt        time.Time
}

// RobotAutomation is a stored percolation query: when a reference change
// matches Query, pending work is emitted for the robot.
type RobotAutomation struct {
	ID          uuid.UUID
	RobotID     uuid.UUID
	Description string
	Query       json.RawMessage
	CreatedAt   time.Time
}

// DuplicateDetermination is the outcome of deduplicating a reference
type DuplicateDetermination string

const (
	DeterminationCanonical      DuplicateDetermination = "canonical"
	DeterminationDuplicate      DuplicateDetermination = "duplicate"
	DeterminationExactDuplicate DuplicateDetermination = "exact_duplicate"
	DeterminationUnsearchable   DuplicateDetermination = "unsearchable"
	DeterminationUnresolved     DuplicateDetermination = "unresolved"
)

// ReferenceDuplicateDecision records one deduplication verdict. For each
// reference exactly one decision row is active; inactive rows are retained
// for audit. A canonical points at no one; a duplicate's canonical must
// itself hold an active canonical decision at that instant.
type ReferenceDuplicateDecision struct {
	ID                    uuid.UUID
	ReferenceID           uuid.UUID
	Determination         DuplicateDetermination
	CanonicalReferenceID  *uuid.UUID
	CandidateCanonicalIDs []uuid.UUID
	Active                bool
	CreatedAt             time.Time
}

// DeriveRequestStatus computes an enhancement request's status from the
// multiset of its pending-enhancement statuses.
func DeriveRequestStatus(statuses []PendingStatus) EnhancementRequestStatus {
	if len(statuses) == 0 {
		return RequestReceived
	}

	var pending, importing, indexing, completed, failed int
	for _, s := range statuses {
		switch s {
		case PendingStatusPending, PendingStatusProcessing:
			pending++
		case PendingStatusImporting:
			importing++
		case PendingStatusIndexing:
			indexing++
		case PendingStatusCompleted:
			completed++
		case PendingStatusFailed, PendingStatusExpired, PendingStatusIndexingFailed:
			failed++
		}
	}

	switch {
	case completed == len(statuses):
		return RequestCompleted
	case importing > 0:
		return RequestImporting
	case indexing > 0:
		return RequestIndexing
	case pending > 0 && failed == 0:
		return RequestAccepted
	case failed > 0 && completed > 0:
		return RequestPartialFailed
	case failed == len(statuses):
		return RequestFailed
	case pending > 0:
		// failures so far, but work still in flight
		return RequestAccepted
	}
	return RequestReceived
}
