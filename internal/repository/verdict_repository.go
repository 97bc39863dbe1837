package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/idverify/internal/logging"
)

// ErrNotFound is returned when no verdict matches the lookup.
var ErrNotFound = errors.New("verdict not found")

// StatusVerified is the overall status the service reports for a passed check.
const StatusVerified = "VERIFIED"

// VerdictRecord represents a persisted verification verdict.
type VerdictRecord struct {
	ID                  uint      `gorm:"primaryKey"`
	SessionID           string    `gorm:"column:session_id;uniqueIndex;size:64"`
	OwnerID             string    `gorm:"column:owner_id;index;size:64"`
	Name                *string   `gorm:"column:name;size:256"`
	Age                 *int      `gorm:"column:age"`
	AgeGroup            string    `gorm:"column:age_group;size:32"`
	FaceMatch           bool      `gorm:"column:face_match"`
	FaceMatchConfidence float64   `gorm:"column:face_match_confidence"`
	OverallStatus       string    `gorm:"column:overall_status;size:32"`
	Payload             string    `gorm:"column:payload;type:text"`
	CreatedAt           time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerdictRecord) TableName() string {
	return "verdict_records"
}

// VerdictRepository provides persistence APIs for verdicts.
type VerdictRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerdictRepository creates a new repository instance.
func NewVerdictRepository(db *gorm.DB, logger *zap.Logger) *VerdictRepository {
	return &VerdictRepository{
		db:             db,
		logger:         logger.Named("verdict_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerdictRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerdictRecord{})
}

// SaveVerdict persists a verdict record.
func (r *VerdictRepository) SaveVerdict(ctx context.Context, record *VerdictRecord) error {
	return r.executeWithRetry(ctx, "repository.save_verdict", record.SessionID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindBySessionAndOwner retrieves the verdict of a session owned by ownerID.
func (r *VerdictRepository) FindBySessionAndOwner(ctx context.Context, sessionID, ownerID string) (*VerdictRecord, error) {
	var record VerdictRecord
	err := r.executeWithRetry(ctx, "repository.find_verdict", sessionID, func() error {
		return r.db.WithContext(ctx).First(&record, "session_id = ? AND owner_id = ?", sessionID, ownerID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, logging.NewOperationError("repository.find_verdict", sessionID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// VerdictAggregation summarises the verdicts of one owner.
type VerdictAggregation struct {
	TotalCount        int64
	VerifiedCount     int64
	AverageConfidence float64
}

// AggregateByOwner counts the verdicts of ownerID and averages their confidence.
func (r *VerdictRepository) AggregateByOwner(ctx context.Context, ownerID string) (*VerdictAggregation, error) {
	var aggregation VerdictAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_verdicts", "", func() error {
		return r.db.WithContext(ctx).
			Model(&VerdictRecord{}).
			Select("COUNT(*) AS total_count, "+
				"COALESCE(SUM(CASE WHEN overall_status = ? THEN 1 ELSE 0 END), 0) AS verified_count, "+
				"COALESCE(AVG(face_match_confidence), 0) AS average_confidence", StatusVerified).
			Where("owner_id = ?", ownerID).
			Scan(&aggregation).Error
	})
	if err != nil {
		return nil, err
	}
	return &aggregation, nil
}

func (r *VerdictRepository) executeWithRetry(ctx context.Context, operation, sessionID string, fn func() error) error {
	opLogger := logging.WithOperation(r.logger, operation, sessionID)
	backoff := r.initialBackoff
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}
		if !isTransientError(err) || attempt == attempts-1 {
			break
		}
		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}

	if !errors.Is(err, gorm.ErrRecordNotFound) {
		opLogger.Error("database operation failed", zap.Error(err))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}
	return false
}
