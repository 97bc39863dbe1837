package usecase

import "context"

// VerdictSummary represents aggregated verification outcomes for one owner.
type VerdictSummary struct {
	TotalVerdicts     int64   `json:"total_verdicts"`
	VerifiedVerdicts  int64   `json:"verified_verdicts"`
	VerifiedRate      float64 `json:"verified_rate"`
	AverageConfidence float64 `json:"average_face_match_confidence"`
}

// GetSummary aggregates archived verdicts for ownerID.
func (a *VerdictArchive) GetSummary(ctx context.Context, ownerID string) (*VerdictSummary, error) {
	aggregation, err := a.repo.AggregateByOwner(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	summary := &VerdictSummary{
		TotalVerdicts:     aggregation.TotalCount,
		VerifiedVerdicts:  aggregation.VerifiedCount,
		AverageConfidence: aggregation.AverageConfidence,
	}

	if aggregation.TotalCount > 0 {
		summary.VerifiedRate = float64(aggregation.VerifiedCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
