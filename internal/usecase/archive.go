package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/example/idverify/internal/logging"
	"github.com/example/idverify/internal/repository"
	"github.com/example/idverify/internal/verification"
	"github.com/example/idverify/internal/workflow"
)

const verdictCacheTTL = 10 * time.Minute

// VerdictRepository defines the persistence operations needed by the archive.
type VerdictRepository interface {
	SaveVerdict(ctx context.Context, record *repository.VerdictRecord) error
	FindBySessionAndOwner(ctx context.Context, sessionID, ownerID string) (*repository.VerdictRecord, error)
	AggregateByOwner(ctx context.Context, ownerID string) (*repository.VerdictAggregation, error)
}

// ArchivedVerdict is a completed verdict together with its ownership metadata.
type ArchivedVerdict struct {
	SessionID string               `json:"session_id"`
	OwnerID   string               `json:"owner_id"`
	Verdict   verification.Verdict `json:"verdict"`
	CreatedAt time.Time            `json:"created_at"`
}

// VerdictArchive stores completed verdicts and serves them back, cache first.
type VerdictArchive struct {
	repo           VerdictRepository
	cache          Cache
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerdictArchive constructs a new archive instance.
func NewVerdictArchive(repo VerdictRepository, cache Cache, logger *zap.Logger) *VerdictArchive {
	return &VerdictArchive{
		repo:           repo,
		cache:          cache,
		logger:         logger.Named("verdict_archive"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// ForOwner binds the archive to one owner so it can be handed to a workflow.
func (a *VerdictArchive) ForOwner(ownerID string) workflow.VerdictSink {
	return ownerSink{archive: a, ownerID: ownerID}
}

// Archive persists the verdict and primes the cache.
func (a *VerdictArchive) Archive(ctx context.Context, ownerID, sessionID string, verdict *verification.Verdict) error {
	opLogger := logging.WithOperation(a.logger, "usecase.archive_verdict", sessionID)

	payload, err := json.Marshal(verdict)
	if err != nil {
		return logging.NewOperationError("usecase.archive_verdict", sessionID, err)
	}

	record := &repository.VerdictRecord{
		SessionID:           sessionID,
		OwnerID:             ownerID,
		Name:                verdict.PersonalInfo.Name,
		Age:                 verdict.PersonalInfo.Age,
		AgeGroup:            verdict.AgeGroup,
		FaceMatch:           verdict.FaceMatch,
		FaceMatchConfidence: verdict.FaceMatchConfidence,
		OverallStatus:       verdict.OverallStatus,
		Payload:             string(payload),
		CreatedAt:           a.now().UTC(),
	}
	if err := a.repo.SaveVerdict(ctx, record); err != nil {
		wrapped := logging.NewOperationError("usecase.save_verdict", sessionID, err)
		opLogger.Error("failed to persist verdict", zap.Error(wrapped))
		return wrapped
	}

	cached, err := json.Marshal(ArchivedVerdict{
		SessionID: sessionID,
		OwnerID:   ownerID,
		Verdict:   *verdict,
		CreatedAt: record.CreatedAt,
	})
	if err != nil {
		opLogger.Error("failed to serialize verdict", zap.Error(err))
		return err
	}

	if err := a.withRedisRetry(ctx, sessionID, "cache.set.verdict", func() error {
		return a.cache.Set(ctx, verdictKey(sessionID), string(cached), verdictCacheTTL)
	}); err != nil {
		opLogger.Warn("failed to cache verdict", zap.Error(err))
	}

	opLogger.Info("verdict archived", zap.String("overall_status", verdict.OverallStatus))
	return nil
}

// GetVerdict retrieves an archived verdict owned by ownerID.
func (a *VerdictArchive) GetVerdict(ctx context.Context, ownerID, sessionID string) (*ArchivedVerdict, error) {
	opLogger := logging.WithOperation(a.logger, "usecase.get_verdict", sessionID)

	cached, err := a.withRedisGet(ctx, sessionID, "cache.get.verdict", verdictKey(sessionID))
	switch {
	case err == nil:
		var payload ArchivedVerdict
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			opLogger.Warn("failed to decode cached verdict", zap.Error(err))
		} else if payload.OwnerID == ownerID {
			return &payload, nil
		} else {
			return nil, logging.NewOperationError("usecase.get_verdict", sessionID, repository.ErrNotFound)
		}
	case !errors.Is(err, ErrCacheMiss):
		opLogger.Warn("failed to read cache", zap.Error(err))
	}

	record, err := a.repo.FindBySessionAndOwner(ctx, sessionID, ownerID)
	if err != nil {
		return nil, err
	}

	archived := &ArchivedVerdict{
		SessionID: record.SessionID,
		OwnerID:   record.OwnerID,
		CreatedAt: record.CreatedAt,
	}
	if err := json.Unmarshal([]byte(record.Payload), &archived.Verdict); err != nil {
		archived.Verdict = verification.Verdict{
			PersonalInfo:        verification.PersonalInfo{Name: record.Name, Age: record.Age},
			AgeGroup:            record.AgeGroup,
			FaceMatch:           record.FaceMatch,
			FaceMatchConfidence: record.FaceMatchConfidence,
			OverallStatus:       record.OverallStatus,
		}
	}
	return archived, nil
}

type ownerSink struct {
	archive *VerdictArchive
	ownerID string
}

func (s ownerSink) Archive(ctx context.Context, sessionID string, verdict *verification.Verdict) error {
	return s.archive.Archive(ctx, s.ownerID, sessionID, verdict)
}

func (a *VerdictArchive) withRedisRetry(ctx context.Context, sessionID, operation string, fn func() error) error {
	if a.retryAttempts <= 1 {
		return logging.NewOperationError(operation, sessionID, fn())
	}

	backoff := a.initialBackoff
	opLogger := logging.WithOperation(a.logger, operation, sessionID)
	var err error
	for attempt := 0; attempt < a.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, sessionID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= a.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, ErrCacheMiss) {
			return err
		}
		if !isTransientError(err) || attempt == a.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, sessionID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, sessionID, err)
}

func (a *VerdictArchive) withRedisGet(ctx context.Context, sessionID, operation, key string) (string, error) {
	var result string
	err := a.withRedisRetry(ctx, sessionID, operation, func() error {
		value, err := a.cache.Get(ctx, key)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
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
