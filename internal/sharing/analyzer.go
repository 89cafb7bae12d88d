package sharing

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers bounds per-session evaluation when no worker count is configured
const DefaultWorkers = 8

// Analyzer classifies and scores a batch of sessions
type Analyzer struct {
	Workers int
	Policy  ScoringPolicy
}

// NewAnalyzer returns an analyzer using DefaultPolicy
func NewAnalyzer(workers int) *Analyzer {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Analyzer{Workers: workers, Policy: DefaultPolicy}
}

// Evaluate analyzes a single session
func (a *Analyzer) Evaluate(s Session, threshold int) DetectionResult {
	status := Classify(s.TTLSamples)
	assessment := a.Policy.Score(status, s.ConnectionCount, threshold)

	ttlValues := DistinctTTLs(s.TTLSamples)

	return DetectionResult{
		SubscriberID:    s.SubscriberID,
		Username:        s.Username,
		FullName:        s.FullName,
		IPAddress:       s.IPAddress,
		MACAddress:      s.MACAddress,
		NasID:           s.NasID,
		NasName:         s.NasName,
		ServiceName:     s.ServiceName,
		ConnectionCount: s.ConnectionCount,
		TTLStatus:       status,
		TTLValues:       ttlValues,
		SuspicionLevel:  assessment.Level,
		ConfidenceScore: assessment.Score,
		Reasons:         assessment.Reasons,
	}
}

// Analyze evaluates every session and aggregates the run.
// Results keep the input order; callers sort for presentation.
// A cancelled context stops evaluation and the partial results are returned.
func (a *Analyzer) Analyze(ctx context.Context, sessions []Session, threshold int) ([]DetectionResult, AggregateStats) {
	results := make([]DetectionResult, len(sessions))
	done := make([]bool, len(sessions))

	workers := a.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range sessions {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.Evaluate(sessions[i], threshold)
			done[i] = true
			return nil
		})
	}
	_ = g.Wait()

	evaluated := results[:0]
	for i, ok := range done {
		if ok {
			evaluated = append(evaluated, results[i])
		}
	}

	return evaluated, Aggregate(evaluated, len(sessions), threshold)
}

// Aggregate computes run statistics over analyzed results
func Aggregate(results []DetectionResult, totalOnline, threshold int) AggregateStats {
	stats := AggregateStats{TotalOnline: totalOnline}
	for _, r := range results {
		if r.SuspicionLevel.AtLeast(LevelMedium) {
			stats.SuspiciousCount++
		}
		if r.SuspicionLevel == LevelHigh {
			stats.HighRiskCount++
		}
		if r.TTLStatus.IndicatesRouter() {
			stats.RouterDetected++
		}
		if r.ConnectionCount >= threshold {
			stats.HighConnections++
		}
	}
	return stats
}
