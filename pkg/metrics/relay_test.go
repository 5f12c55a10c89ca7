package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/relay"
	"github.com/usenetsync/usenetsync/pkg/relay/memory"
)

type recordingMetrics struct {
	posts   []string
	fetches []string
	bytes   int
}

func (r *recordingMetrics) RecordPost(outcome string, _ time.Duration, bytes int) {
	r.posts = append(r.posts, outcome)
	if outcome == "ok" {
		r.bytes += bytes
	}
}

func (r *recordingMetrics) RecordFetch(outcome string, _ time.Duration, bytes int) {
	r.fetches = append(r.fetches, outcome)
}

func TestInstrumentRelayObservesTraffic(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	r := InstrumentRelay(memory.New(), rec)

	_, err := r.Post(ctx, &relay.Article{MessageID: "<a@test>", Body: []byte("hello")})
	require.NoError(t, err)

	_, err = r.Fetch(ctx, "<a@test>")
	require.NoError(t, err)
	_, err = r.Fetch(ctx, "<missing@test>")
	require.ErrorIs(t, err, relay.ErrNotFound)

	assert.Equal(t, []string{"ok"}, rec.posts)
	assert.Equal(t, []string{"ok", "not_found"}, rec.fetches)
	assert.Equal(t, 5, rec.bytes)
}

func TestInstrumentRelayClassifiesFailures(t *testing.T) {
	ctx := context.Background()
	rec := &recordingMetrics{}
	mem := memory.New()
	r := InstrumentRelay(mem, rec)

	mem.FailNextPosts(1)
	_, err := r.Post(ctx, &relay.Article{MessageID: "<b@test>", Body: []byte("x")})
	require.Error(t, err)

	mem.RejectPosts(true)
	_, err = r.Post(ctx, &relay.Article{MessageID: "<c@test>", Body: []byte("x")})
	require.Error(t, err)

	assert.Equal(t, []string{"retryable", "permanent"}, rec.posts)
}

func TestInstrumentRelayNilMetricsPassthrough(t *testing.T) {
	mem := memory.New()
	assert.Same(t, relay.Relay(mem), InstrumentRelay(mem, nil))
}

func TestOutcomeClassification(t *testing.T) {
	assert.Equal(t, "ok", PostOutcome(nil))
	assert.Equal(t, "retryable", PostOutcome(relay.ErrRetryable))
	assert.Equal(t, "permanent", PostOutcome(relay.ErrPermanent))

	assert.Equal(t, "not_found", FetchOutcome(relay.ErrNotFound))
	assert.Equal(t, "retryable", FetchOutcome(relay.ErrRetryable))
}

func TestRegistryLifecycle(t *testing.T) {
	Init()
	assert.True(t, IsEnabled())
	require.NotNil(t, GetRegistry())

	srv := NewServer(9091)
	require.NotNil(t, srv)
	assert.Equal(t, ":9091", srv.Addr)
}
