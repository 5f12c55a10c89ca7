// Package memory provides an in-memory Relay for tests. It stores articles in
// a map and supports fault injection: dropped articles, failing posts, and
// transient error bursts.
package memory

import (
	"context"
	"sync"

	"github.com/usenetsync/usenetsync/pkg/relay"
)

// Relay is an in-memory append-only article store.
type Relay struct {
	mu       sync.Mutex
	articles map[string]*relay.Article

	// Fault injection
	failPosts    int  // fail the next N posts with ErrRetryable
	failFetches  int  // fail the next N fetches with ErrRetryable
	rejectPosts  bool // fail all posts with ErrPermanent
	postCount    int
	fetchCount   int
}

// New creates an empty in-memory relay.
func New() *Relay {
	return &Relay{articles: make(map[string]*relay.Article)}
}

// Post stores the article. Re-posting an existing Message-ID succeeds without
// overwriting, mirroring real relay idempotence.
func (r *Relay) Post(ctx context.Context, article *relay.Article) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.postCount++
	if r.rejectPosts {
		return "", relay.ErrPermanent
	}
	if r.failPosts > 0 {
		r.failPosts--
		return "", relay.ErrRetryable
	}

	if _, exists := r.articles[article.MessageID]; !exists {
		stored := &relay.Article{
			MessageID: article.MessageID,
			Headers:   make(map[string]string, len(article.Headers)),
			Body:      append([]byte(nil), article.Body...),
		}
		for k, v := range article.Headers {
			stored.Headers[k] = v
		}
		r.articles[article.MessageID] = stored
	}
	return article.MessageID, nil
}

// Fetch returns a stored article or relay.ErrNotFound.
func (r *Relay) Fetch(ctx context.Context, messageID string) (*relay.Article, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.fetchCount++
	if r.failFetches > 0 {
		r.failFetches--
		return nil, relay.ErrRetryable
	}

	a, ok := r.articles[messageID]
	if !ok {
		return nil, relay.ErrNotFound
	}
	return a, nil
}

// Capabilities reports generous limits suitable for tests.
func (r *Relay) Capabilities() relay.Capabilities {
	return relay.Capabilities{
		MaxArticleBytes: 64 * 1024 * 1024,
		MaxConnections:  8,
		SupportsTLS:     false,
	}
}

// Drop removes an article, simulating relay-side loss.
func (r *Relay) Drop(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.articles, messageID)
}

// Has reports whether an article is stored.
func (r *Relay) Has(messageID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.articles[messageID]
	return ok
}

// Len returns the number of stored articles.
func (r *Relay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.articles)
}

// MessageIDs returns all stored Message-IDs.
func (r *Relay) MessageIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.articles))
	for id := range r.articles {
		ids = append(ids, id)
	}
	return ids
}

// FailNextPosts makes the next n posts fail with ErrRetryable.
func (r *Relay) FailNextPosts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failPosts = n
}

// FailNextFetches makes the next n fetches fail with ErrRetryable.
func (r *Relay) FailNextFetches(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failFetches = n
}

// RejectPosts makes all posts fail with ErrPermanent when on is true.
func (r *Relay) RejectPosts(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejectPosts = on
}

// PostCount returns how many Post calls were made, including failed ones.
func (r *Relay) PostCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postCount
}
