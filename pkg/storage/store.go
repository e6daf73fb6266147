package storage

import (
	"time"

	"github.com/google/uuid"

	"github.com/destiny-evidence/destiny-repository/pkg/types"
)

// Store defines the interface for the authoritative repository state.
// Implemented by BoltStore.
type Store interface {
	// References
	SaveReference(ref *types.Reference) error
	GetReference(id uuid.UUID) (*types.Reference, error)
	FindReferenceByIdentifier(key string) (*types.Reference, error)
	WalkReferences(fn func(*types.Reference) error) error

	// Import lifecycle
	CreateImportRecord(rec *types.ImportRecord) error
	GetImportRecord(id uuid.UUID) (*types.ImportRecord, error)
	CreateImportBatch(batch *types.ImportBatch) error
	GetImportBatch(id uuid.UUID) (*types.ImportBatch, error)
	UpdateImportBatch(batch *types.ImportBatch) error
	ListImportBatchesByRecord(recordID uuid.UUID) ([]*types.ImportBatch, error)
	CreateImportResult(res *types.ImportResult) error
	ListImportResultsByBatch(batchID uuid.UUID) ([]*types.ImportResult, error)

	// Enhancement requests and pending work
	CreateEnhancementRequest(req *types.EnhancementRequest) error
	GetEnhancementRequest(id uuid.UUID) (*types.EnhancementRequest, error)
	CreatePendingEnhancement(p *types.PendingEnhancement) error
	EmitPendingEnhancement(p *types.PendingEnhancement) (bool, error)
	GetPendingEnhancement(id uuid.UUID) (*types.PendingEnhancement, error)
	UpdatePendingEnhancement(p *types.PendingEnhancement) error
	ListPendingByRequest(requestID uuid.UUID) ([]*types.PendingEnhancement, error)
	LeasePending(robotID uuid.UUID, limit int, expiresAt time.Time) ([]*types.PendingEnhancement, error)
	ListExpiredPending(now time.Time) ([]*types.PendingEnhancement, error)
	RetryDepth(id uuid.UUID) (int, error)

	// Robot enhancement batches
	CreateRobotBatch(b *types.RobotEnhancementBatch) error
	GetRobotBatch(id uuid.UUID) (*types.RobotEnhancementBatch, error)
	UpdateRobotBatch(b *types.RobotEnhancementBatch) error
	ListExpiredRobotBatches(now time.Time) ([]*types.RobotEnhancementBatch, error)

	// Robots and automations
	CreateRobot(robot *types.Robot) error
	GetRobot(id uuid.UUID) (*types.Robot, error)
	GetRobotByName(name string) (*types.Robot, error)
	ListRobots() ([]*types.Robot, error)
	CreateRobotAutomation(a *types.RobotAutomation) error
	ListRobotAutomations() ([]*types.RobotAutomation, error)
	DeleteRobotAutomation(id uuid.UUID) error

	// Duplicate decisions
	ActivateDecision(d *types.ReferenceDuplicateDecision) error
	GetActiveDecision(referenceID uuid.UUID) (*types.ReferenceDuplicateDecision, error)
	ListDecisionsByReference(referenceID uuid.UUID) ([]*types.ReferenceDuplicateDecision, error)
	ListDuplicatesOf(canonicalID uuid.UUID) ([]uuid.UUID, error)

	// Utility
	Close() error
}
