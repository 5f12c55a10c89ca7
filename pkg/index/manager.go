package index

import (
	"context"
	"fmt"

	"github.com/avast/retry-go/v4"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/obfuscate"
	"github.com/usenetsync/usenetsync/pkg/relay"
)

// ShareRecorder is the store surface Manager needs to pin the published
// index article onto its share row.
type ShareRecorder interface {
	SetShareIndexMessageID(ctx context.Context, shareID, messageID string) error
}

// Manager posts sealed index envelopes and fetches them back by share id.
type Manager struct {
	relay     relay.Relay
	store     ShareRecorder
	newsgroup string
}

// NewManager creates a Manager posting into newsgroup.
func NewManager(r relay.Relay, store ShareRecorder, newsgroup string) *Manager {
	return &Manager{relay: r, store: store, newsgroup: newsgroup}
}

// Publish posts a sealed envelope under the share's derived Message-ID and
// records it on the share row. Safe to re-run: the post is idempotent by
// Message-ID and the row update is publish-once.
func (m *Manager) Publish(ctx context.Context, shareID string, sealed []byte) (string, error) {
	messageID, err := MessageIDForShare(shareID)
	if err != nil {
		return "", err
	}
	subject, err := obfuscate.WireSubject()
	if err != nil {
		return "", err
	}
	headers, err := obfuscate.Headers(messageID, subject, m.newsgroup)
	if err != nil {
		return "", err
	}

	_, err = retry.DoWithData(func() (string, error) {
		return m.relay.Post(ctx, &relay.Article{
			MessageID: messageID,
			Headers:   headers,
			Body:      sealed,
		})
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(relay.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return "", fmt.Errorf("failed to post index article: %w", err)
	}

	if err := m.store.SetShareIndexMessageID(ctx, shareID, messageID); err != nil {
		return "", err
	}
	logger.Info("Published core index",
		logger.KeyShareID, shareID,
		logger.KeyMessageID, messageID,
		logger.KeyBytes, len(sealed))
	return messageID, nil
}

// Fetch resolves a share id to its index article and opens the envelope.
func (m *Manager) Fetch(ctx context.Context, shareID string, creds Credentials) (*Document, error) {
	messageID, err := MessageIDForShare(shareID)
	if err != nil {
		return nil, err
	}
	article, err := retry.DoWithData(func() (*relay.Article, error) {
		return m.relay.Fetch(ctx, messageID)
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.RetryIf(relay.IsRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch index article: %w", err)
	}
	return Open(article.Body, shareID, creds)
}
