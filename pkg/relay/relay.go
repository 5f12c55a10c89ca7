// Package relay abstracts the append-only Usenet service UsenetSync posts to.
//
// A Relay can post one article under a client-generated Message-ID and fetch
// one article back by Message-ID. Everything else about the transport
// (pooling, TLS, authentication) is the implementation's business; the core
// only requires a bounded number of concurrent operations and the error
// taxonomy below.
package relay

import (
	"context"
	"errors"
)

// Standard relay errors. Queue workers absorb ErrRetryable until retries
// exhaust; ErrPermanent fails the task immediately; ErrNotFound triggers
// replica fallback on download.
var (
	// ErrRetryable indicates a transient failure (timeout, connection drop,
	// server overload). The operation may succeed if retried.
	ErrRetryable = errors.New("retryable relay error")

	// ErrPermanent indicates the relay rejected the operation outright
	// (article too large, malformed header, posting not permitted).
	ErrPermanent = errors.New("permanent relay error")

	// ErrNotFound indicates no article exists under the requested Message-ID.
	ErrNotFound = errors.New("article not found")

	// ErrQuotaExceeded indicates the relay refused the post for quota reasons.
	ErrQuotaExceeded = errors.New("relay quota exceeded")
)

// Article is a single posted unit. Body is the raw article body; the
// implementation handles transfer encoding.
type Article struct {
	MessageID string
	Headers   map[string]string
	Body      []byte
}

// Capabilities describes relay limits relevant to scheduling.
type Capabilities struct {
	MaxArticleBytes   int64
	MaxConnections    int
	SupportsTLS       bool
	SupportsStreaming bool
}

// Relay is the append-only post/fetch capability.
//
// Post must treat a duplicate Message-ID as success: posts are idempotent by
// Message-ID, which is what makes crash recovery safe.
type Relay interface {
	// Post submits an article and returns its Message-ID (always the
	// client-supplied one; the server must not rewrite it).
	Post(ctx context.Context, article *Article) (string, error)

	// Fetch retrieves an article by Message-ID. Returns ErrNotFound when the
	// relay has no article under that id.
	Fetch(ctx context.Context, messageID string) (*Article, error)

	// Capabilities reports relay limits.
	Capabilities() Capabilities
}

// IsRetryable reports whether err should be retried rather than surfaced.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRetryable)
}

// IsPermanent reports whether err is terminal for the operation.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent) || errors.Is(err, ErrQuotaExceeded)
}

// IsNotFound reports whether err means the article does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
