package nntp

import (
	"context"
	"net"
	"net/textproto"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/relay"
)

// fakeServer speaks just enough NNTP for the client: greeting, AUTHINFO,
// POST, ARTICLE, DATE.
type fakeServer struct {
	listener net.Listener
	mu       sync.Mutex
	articles map[string][]string // messageID -> raw lines
	rejects  bool
	dupes    bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &fakeServer{listener: l, articles: make(map[string][]string)}
	go s.serve()
	t.Cleanup(func() { l.Close() })
	return s
}

func (s *fakeServer) addr() (string, int) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (s *fakeServer) serve() {
	for {
		c, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.handle(c)
	}
}

func (s *fakeServer) handle(c net.Conn) {
	defer c.Close()
	text := textproto.NewConn(c)
	_ = text.PrintfLine("200 fake news server ready")

	for {
		line, err := text.ReadLine()
		if err != nil {
			return
		}
		switch {
		case line == "DATE":
			_ = text.PrintfLine("111 20260824000000")
		case strings.HasPrefix(line, "AUTHINFO USER"):
			_ = text.PrintfLine("381 password required")
		case strings.HasPrefix(line, "AUTHINFO PASS"):
			_ = text.PrintfLine("281 authentication accepted")
		case line == "POST":
			_ = text.PrintfLine("340 send article")
			lines, err := text.ReadDotLines()
			if err != nil {
				return
			}
			msgID := ""
			for _, l := range lines {
				if strings.HasPrefix(l, "Message-ID: ") {
					msgID = strings.TrimPrefix(l, "Message-ID: ")
				}
			}
			s.mu.Lock()
			_, exists := s.articles[msgID]
			switch {
			case s.rejects:
				_ = text.PrintfLine("440 posting not allowed")
			case exists && s.dupes:
				_ = text.PrintfLine("441 435 duplicate article rejected")
			default:
				s.articles[msgID] = lines
				_ = text.PrintfLine("240 article received")
			}
			s.mu.Unlock()
		case strings.HasPrefix(line, "ARTICLE "):
			msgID := strings.TrimPrefix(line, "ARTICLE ")
			s.mu.Lock()
			lines, ok := s.articles[msgID]
			s.mu.Unlock()
			if !ok {
				_ = text.PrintfLine("430 no such article")
				continue
			}
			_ = text.PrintfLine("220 0 %s article follows", msgID)
			w := text.DotWriter()
			for _, l := range lines {
				_, _ = w.Write([]byte(l + "\r\n"))
			}
			_ = w.Close()
		case line == "QUIT":
			_ = text.PrintfLine("205 bye")
			return
		default:
			_ = text.PrintfLine("500 unknown command")
		}
	}
}

func newTestClient(t *testing.T, s *fakeServer) *Client {
	host, port := s.addr()
	return New(Config{
		Host:           host,
		Port:           port,
		Username:       "user",
		Password:       "pass",
		MaxConnections: 2,
		DialTimeout:    5 * time.Second,
	})
}

func testArticle(messageID string, body []byte) *relay.Article {
	return &relay.Article{
		MessageID: messageID,
		Headers: map[string]string{
			"Message-ID": messageID,
			"Subject":    "aZbC0123456789aZbC01",
			"Newsgroups": "alt.binaries.test",
			"From":       "x <x@news.example.net>",
			"Date":       time.Now().UTC().Format(time.RFC1123Z),
		},
		Body: body,
	}
}

func TestPostFetchRoundTrip(t *testing.T) {
	s := newFakeServer(t)
	c := newTestClient(t, s)
	ctx := context.Background()

	body := []byte("segment payload \x00\x01\x02 binary bytes")
	id, err := c.Post(ctx, testArticle("<abcdefgh12345678@news.example.net>", body))
	require.NoError(t, err)
	assert.Equal(t, "<abcdefgh12345678@news.example.net>", id)

	got, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, body, got.Body)
	assert.Equal(t, "alt.binaries.test", got.Headers["Newsgroups"])
}

func TestFetchNotFound(t *testing.T) {
	s := newFakeServer(t)
	c := newTestClient(t, s)

	_, err := c.Fetch(context.Background(), "<missing@news.example.net>")
	assert.ErrorIs(t, err, relay.ErrNotFound)
}

func TestDuplicatePostIsSuccess(t *testing.T) {
	s := newFakeServer(t)
	s.dupes = true
	c := newTestClient(t, s)
	ctx := context.Background()

	a := testArticle("<dupdupdupdupdupd@news.example.net>", []byte("x"))
	_, err := c.Post(ctx, a)
	require.NoError(t, err)

	// Second post of the same Message-ID is rejected as duplicate by the
	// server but reported as success by the client.
	id, err := c.Post(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, a.MessageID, id)
}

func TestPostRejectedIsPermanent(t *testing.T) {
	s := newFakeServer(t)
	s.rejects = true
	c := newTestClient(t, s)

	_, err := c.Post(context.Background(), testArticle("<rej@news.example.net>", []byte("x")))
	assert.ErrorIs(t, err, relay.ErrPermanent)
}

func TestContextCancellation(t *testing.T) {
	s := newFakeServer(t)
	c := newTestClient(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Post(ctx, testArticle("<cancelled@news.example.net>", []byte("x")))
	assert.Error(t, err)
}

func TestBase64LineWrapping(t *testing.T) {
	s := newFakeServer(t)
	c := newTestClient(t, s)
	ctx := context.Background()

	// Large enough body that the base64 text spans many wrapped lines.
	body := make([]byte, 10_000)
	for i := range body {
		body[i] = byte(i % 251)
	}
	id, err := c.Post(ctx, testArticle("<bigbody123456789@news.example.net>", body))
	require.NoError(t, err)

	got, err := c.Fetch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, body, got.Body)

	// Stored lines must all fit NNTP line limits.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.articles[id] {
		assert.LessOrEqual(t, len(l), 80)
	}
}
