package metrics

import (
	"context"
	"time"

	"github.com/usenetsync/usenetsync/pkg/relay"
)

// RelayMetrics observes article traffic against the NNTP relay. This
// interface is optional; pass nil to InstrumentRelay to disable collection.
type RelayMetrics interface {
	// RecordPost records one completed post attempt.
	// outcome is "ok", "retryable", or "permanent".
	RecordPost(outcome string, duration time.Duration, bytes int)

	// RecordFetch records one completed fetch attempt.
	// outcome is "ok", "not_found", "retryable", or "permanent".
	RecordFetch(outcome string, duration time.Duration, bytes int)
}

// QueueMetrics observes the persistent task queues.
type QueueMetrics interface {
	// SetQueueDepth publishes the pending task count for one queue.
	// kind is "upload" or "download".
	SetQueueDepth(kind string, depth int64)

	// RecordTaskOutcome counts one finished task.
	// outcome is "completed", "retried", or "failed".
	RecordTaskOutcome(kind string, outcome string)
}

// PostOutcome classifies a post or fetch error for labeling.
func PostOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case relay.IsRetryable(err):
		return "retryable"
	default:
		return "permanent"
	}
}

// FetchOutcome classifies a fetch error for labeling.
func FetchOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case relay.IsNotFound(err):
		return "not_found"
	case relay.IsRetryable(err):
		return "retryable"
	default:
		return "permanent"
	}
}

// instrumentedRelay wraps a relay and reports traffic to RelayMetrics.
type instrumentedRelay struct {
	inner relay.Relay
	m     RelayMetrics
}

// InstrumentRelay wraps r so every post and fetch is observed. A nil metrics
// implementation returns r unchanged.
func InstrumentRelay(r relay.Relay, m RelayMetrics) relay.Relay {
	if m == nil {
		return r
	}
	return &instrumentedRelay{inner: r, m: m}
}

func (ir *instrumentedRelay) Post(ctx context.Context, article *relay.Article) (string, error) {
	start := time.Now()
	messageID, err := ir.inner.Post(ctx, article)
	ir.m.RecordPost(PostOutcome(err), time.Since(start), len(article.Body))
	return messageID, err
}

func (ir *instrumentedRelay) Fetch(ctx context.Context, messageID string) (*relay.Article, error) {
	start := time.Now()
	article, err := ir.inner.Fetch(ctx, messageID)
	size := 0
	if article != nil {
		size = len(article.Body)
	}
	ir.m.RecordFetch(FetchOutcome(err), time.Since(start), size)
	return article, err
}

func (ir *instrumentedRelay) Capabilities() relay.Capabilities {
	return ir.inner.Capabilities()
}
