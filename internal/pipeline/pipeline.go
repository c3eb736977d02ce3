package pipeline

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/TobiSchelling/sentiscore/internal/llm"
	"github.com/TobiSchelling/sentiscore/internal/logging"
	"github.com/TobiSchelling/sentiscore/internal/metrics"
	"github.com/TobiSchelling/sentiscore/internal/sentiment"
)

// Validation messages produced by a run.
const (
	MsgNoReviews   = "no reviews found"
	MsgNoneScored  = "no valid reviews processed"
	labelSkipped   = "skipped"
	defaultWorkers = 1
)

// result is the outcome of one review: a label, or the failure that
// dropped it.
type result struct {
	label sentiment.Label
	err   error
}

// Aggregator runs reviews through an analyzer and tallies the labels.
type Aggregator struct {
	analyzer llm.Analyzer
	workers  int
	metrics  *metrics.Metrics
}

// New creates an aggregator. workers below 1 means sequential; m may be nil.
func New(analyzer llm.Analyzer, workers int, m *metrics.Metrics) *Aggregator {
	if workers < 1 {
		workers = defaultWorkers
	}
	return &Aggregator{analyzer: analyzer, workers: workers, metrics: m}
}

// Run analyzes every review and returns the summary. Reviews whose call
// fails only add to Skipped; the run fails when none could be classified.
func (a *Aggregator) Run(ctx context.Context, reviews []string) (*sentiment.Summary, error) {
	log := logging.WithComponent(ctx, "aggregator")
	if len(reviews) == 0 {
		return nil, sentiment.Invalid(MsgNoReviews)
	}

	start := time.Now()
	log.Info("Analyzing reviews", slog.Int("reviews", len(reviews)), slog.Int("workers", a.workers))

	results, err := a.analyzeAll(ctx, reviews)
	if err != nil {
		return nil, err
	}

	var counts sentiment.Counts
	for i, r := range results {
		if r.err != nil {
			log.Debug("Skipping review", slog.Int("index", i), slog.String("error", r.err.Error()))
			counts.Skipped++
			continue
		}
		counts.Add(r.label)
	}
	a.observe(counts, time.Since(start))

	log.Info("Analysis complete",
		slog.Int("positive", counts.Positive),
		slog.Int("negative", counts.Negative),
		slog.Int("neutral", counts.Neutral),
		slog.Int("skipped", counts.Skipped),
		slog.Duration("elapsed", time.Since(start)))

	summary := sentiment.Summarize(counts)
	if summary == nil {
		return nil, sentiment.Invalid(MsgNoneScored)
	}
	return summary, nil
}

// analyzeAll fills one slot per review. With a single worker reviews are
// processed strictly in input order.
func (a *Aggregator) analyzeAll(ctx context.Context, reviews []string) ([]result, error) {
	results := make([]result, len(reviews))

	if a.workers == 1 {
		for i, review := range reviews {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			results[i] = a.analyzeOne(ctx, review)
		}
		return results, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.workers)
	for i, review := range reviews {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = a.analyzeOne(gctx, review)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (a *Aggregator) analyzeOne(ctx context.Context, review string) result {
	text, err := a.analyzer.Analyze(ctx, review)
	if err != nil {
		return result{err: err}
	}
	return result{label: sentiment.Classify(text)}
}

func (a *Aggregator) observe(c sentiment.Counts, elapsed time.Duration) {
	if a.metrics == nil {
		return
	}
	a.metrics.ReviewsTotal.WithLabelValues(string(sentiment.Positive)).Add(float64(c.Positive))
	a.metrics.ReviewsTotal.WithLabelValues(string(sentiment.Negative)).Add(float64(c.Negative))
	a.metrics.ReviewsTotal.WithLabelValues(string(sentiment.Neutral)).Add(float64(c.Neutral))
	a.metrics.ReviewsTotal.WithLabelValues(labelSkipped).Add(float64(c.Skipped))
	a.metrics.RunDuration.Observe(elapsed.Seconds())
}
