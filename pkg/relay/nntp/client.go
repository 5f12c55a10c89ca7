// Package nntp implements the Relay capability against a real NNTP server.
//
// Connections are pooled up to MaxConnections. Article bodies are carried
// base64-encoded in the article text; dot-stuffing and CRLF framing are
// handled by textproto's dot writer/reader. Posts are idempotent: a 441
// duplicate response for a Message-ID we already posted is treated as
// success.
package nntp

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/usenetsync/usenetsync/internal/logger"
	"github.com/usenetsync/usenetsync/pkg/relay"
)

// Config holds NNTP client configuration.
type Config struct {
	Host           string
	Port           int
	TLS            bool
	Username       string
	Password       string
	MaxConnections int
	DialTimeout    time.Duration

	// MaxArticleBytes advertises the server's article size limit. Most
	// providers accept well over 1 MiB; the default is conservative.
	MaxArticleBytes int64
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Port == 0 {
		if c.TLS {
			c.Port = 563
		} else {
			c.Port = 119
		}
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = 4
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 30 * time.Second
	}
	if c.MaxArticleBytes <= 0 {
		c.MaxArticleBytes = 4 * 1024 * 1024
	}
}

// Client is a pooled NNTP relay client.
type Client struct {
	cfg   Config
	conns chan *conn // idle connections; capacity = MaxConnections
	slots chan struct{}
}

// conn is one NNTP session.
type conn struct {
	text    *textproto.Conn
	netConn net.Conn
}

// New creates a pooled client. Connections are dialed lazily.
func New(cfg Config) *Client {
	cfg.ApplyDefaults()
	c := &Client{
		cfg:   cfg,
		conns: make(chan *conn, cfg.MaxConnections),
		slots: make(chan struct{}, cfg.MaxConnections),
	}
	for i := 0; i < cfg.MaxConnections; i++ {
		c.slots <- struct{}{}
	}
	return c
}

// Capabilities reports the configured limits.
func (c *Client) Capabilities() relay.Capabilities {
	return relay.Capabilities{
		MaxArticleBytes: c.cfg.MaxArticleBytes,
		MaxConnections:  c.cfg.MaxConnections,
		SupportsTLS:     c.cfg.TLS,
	}
}

// Post submits one article. The Message-ID header is taken from the article
// and returned unchanged on success.
func (c *Client) Post(ctx context.Context, article *relay.Article) (string, error) {
	nc, err := c.acquire(ctx)
	if err != nil {
		return "", err
	}
	healthy := false
	defer func() { c.release(nc, healthy) }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.netConn.SetDeadline(deadline)
		defer nc.netConn.SetDeadline(time.Time{})
	}

	code, msg, err := c.cmd(nc, "POST")
	if err != nil {
		return "", fmt.Errorf("%w: POST: %v", relay.ErrRetryable, err)
	}
	if code != 340 {
		return "", classifyPostResponse(code, msg, false)
	}

	w := nc.text.DotWriter()
	if err := writeArticle(w, article); err != nil {
		w.Close()
		return "", fmt.Errorf("%w: writing article: %v", relay.ErrRetryable, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("%w: closing article: %v", relay.ErrRetryable, err)
	}

	code, msg, err = readResponse(nc)
	if err != nil {
		return "", fmt.Errorf("%w: POST response: %v", relay.ErrRetryable, err)
	}
	if code != 240 {
		// A duplicate Message-ID means a previous attempt landed; the post
		// is idempotent so this is success.
		if isDuplicateResponse(code, msg) {
			healthy = true
			logger.Debug("Duplicate article accepted as success",
				logger.KeyMessageID, article.MessageID)
			return article.MessageID, nil
		}
		return "", classifyPostResponse(code, msg, true)
	}

	healthy = true
	return article.MessageID, nil
}

// Fetch retrieves an article by Message-ID using ARTICLE.
func (c *Client) Fetch(ctx context.Context, messageID string) (*relay.Article, error) {
	nc, err := c.acquire(ctx)
	if err != nil {
		return nil, err
	}
	healthy := false
	defer func() { c.release(nc, healthy) }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.netConn.SetDeadline(deadline)
		defer nc.netConn.SetDeadline(time.Time{})
	}

	code, msg, err := c.cmd(nc, "ARTICLE %s", messageID)
	if err != nil {
		return nil, fmt.Errorf("%w: ARTICLE: %v", relay.ErrRetryable, err)
	}
	switch {
	case code == 220:
		// fallthrough to body read below
	case code == 430 || code == 423 || code == 420:
		healthy = true
		return nil, relay.ErrNotFound
	default:
		return nil, fmt.Errorf("%w: ARTICLE %d %s", relay.ErrRetryable, code, msg)
	}

	lines, err := nc.text.ReadDotLines()
	if err != nil {
		return nil, fmt.Errorf("%w: reading article: %v", relay.ErrRetryable, err)
	}

	article, err := parseArticle(messageID, lines)
	if err != nil {
		return nil, err
	}
	healthy = true
	return article, nil
}

// acquire checks out an idle connection or dials a new one.
func (c *Client) acquire(ctx context.Context) (*conn, error) {
	select {
	case nc := <-c.conns:
		// Idle connection: verify it is still alive before reuse.
		if err := c.ping(nc); err == nil {
			return nc, nil
		}
		nc.close()
		return c.dial(ctx)
	case <-c.slots:
		return c.dial(ctx)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// release returns a healthy connection to the pool or frees its slot.
func (c *Client) release(nc *conn, healthy bool) {
	if healthy {
		select {
		case c.conns <- nc:
			return
		default:
		}
	}
	nc.close()
	c.slots <- struct{}{}
}

// ping issues DATE as a cheap liveness check.
func (c *Client) ping(nc *conn) error {
	_ = nc.netConn.SetDeadline(time.Now().Add(5 * time.Second))
	defer nc.netConn.SetDeadline(time.Time{})
	code, _, err := c.cmd(nc, "DATE")
	if err != nil {
		return err
	}
	if code != 111 {
		return fmt.Errorf("unexpected DATE response %d", code)
	}
	return nil
}

// dial establishes and authenticates a new session, retrying transient
// failures with exponential backoff.
func (c *Client) dial(ctx context.Context) (*conn, error) {
	addr := net.JoinHostPort(c.cfg.Host, fmt.Sprintf("%d", c.cfg.Port))

	nc, err := retry.DoWithData(
		func() (*conn, error) { return c.dialOnce(ctx, addr) },
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		c.slots <- struct{}{} // the caller's slot goes back on dial failure
		return nil, fmt.Errorf("%w: dialing %s: %v", relay.ErrRetryable, addr, err)
	}
	return nc, nil
}

func (c *Client) dialOnce(ctx context.Context, addr string) (*conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}

	var netConn net.Conn
	var err error
	if c.cfg.TLS {
		netConn, err = tls.DialWithDialer(&d, "tcp", addr, &tls.Config{ServerName: c.cfg.Host})
	} else {
		netConn, err = d.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}

	nc := &conn{text: textproto.NewConn(netConn), netConn: netConn}

	code, msg, err := readResponse(nc)
	if err != nil {
		nc.close()
		return nil, err
	}
	if code != 200 && code != 201 {
		nc.close()
		return nil, fmt.Errorf("unexpected greeting %d %s", code, msg)
	}

	if c.cfg.Username != "" {
		if err := c.authenticate(nc); err != nil {
			nc.close()
			return nil, err
		}
	}
	return nc, nil
}

// authenticate performs AUTHINFO USER/PASS.
func (c *Client) authenticate(nc *conn) error {
	code, msg, err := c.cmd(nc, "AUTHINFO USER %s", c.cfg.Username)
	if err != nil {
		return err
	}
	if code == 381 {
		code, msg, err = c.cmd(nc, "AUTHINFO PASS %s", c.cfg.Password)
		if err != nil {
			return err
		}
	}
	if code != 281 {
		return fmt.Errorf("authentication failed: %d %s", code, msg)
	}
	return nil
}

func (c *Client) cmd(nc *conn, format string, args ...any) (int, string, error) {
	id, err := nc.text.Cmd(format, args...)
	if err != nil {
		return 0, "", err
	}
	nc.text.StartResponse(id)
	defer nc.text.EndResponse(id)
	return readResponse(nc)
}

func readResponse(nc *conn) (int, string, error) {
	line, err := nc.text.ReadLine()
	if err != nil {
		return 0, "", err
	}
	var code int
	if _, err := fmt.Sscanf(line, "%d", &code); err != nil {
		return 0, "", fmt.Errorf("malformed response %q", line)
	}
	msg := ""
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		msg = line[idx+1:]
	}
	return code, msg, nil
}

func (nc *conn) close() {
	_ = nc.text.Close()
}

// writeArticle writes headers, a blank line, and the base64-wrapped body.
func writeArticle(w io.Writer, article *relay.Article) error {
	keys := make([]string, 0, len(article.Headers))
	for k := range article.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", k, article.Headers[k]); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
		return err
	}

	encoded := base64.StdEncoding.EncodeToString(article.Body)
	for len(encoded) > 0 {
		n := 76
		if n > len(encoded) {
			n = len(encoded)
		}
		if _, err := fmt.Fprintf(w, "%s\r\n", encoded[:n]); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}

// parseArticle splits the raw dot-decoded lines back into headers and a
// base64-decoded body.
func parseArticle(messageID string, lines []string) (*relay.Article, error) {
	headers := make(map[string]string)
	bodyStart := len(lines)
	for i, line := range lines {
		if line == "" {
			bodyStart = i + 1
			break
		}
		if idx := strings.Index(line, ": "); idx > 0 {
			headers[line[:idx]] = line[idx+2:]
		}
	}

	encoded := strings.Join(lines[bodyStart:], "")
	body, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: article body is not valid base64", relay.ErrPermanent)
	}

	return &relay.Article{MessageID: messageID, Headers: headers, Body: body}, nil
}

// classifyPostResponse maps NNTP response codes onto the relay taxonomy.
func classifyPostResponse(code int, msg string, posted bool) error {
	switch {
	case code == 440 || code == 480 || code == 502:
		return fmt.Errorf("%w: posting not permitted: %d %s", relay.ErrPermanent, code, msg)
	case code == 441 && strings.Contains(strings.ToLower(msg), "too big"):
		return fmt.Errorf("%w: article too large: %s", relay.ErrPermanent, msg)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: post rejected: %d %s", relay.ErrRetryable, code, msg)
	default:
		return fmt.Errorf("%w: unexpected response: %d %s", relay.ErrRetryable, code, msg)
	}
}

// isDuplicateResponse detects the "already have it" rejection wording used by
// common servers (435/441 with a duplicate notice).
func isDuplicateResponse(code int, msg string) bool {
	if code != 435 && code != 441 {
		return false
	}
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "duplicate") || strings.Contains(lower, "already")
}
