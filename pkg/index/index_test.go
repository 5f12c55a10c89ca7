package index

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/access"
	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/relay/memory"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

func TestShareIDShape(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := NewShareID()
		require.NoError(t, err)
		require.NoError(t, ValidateShareID(id))
		assert.Len(t, id, ShareIDLength)
		assert.NotContains(t, id, "0")
		assert.NotContains(t, id, "O")
		assert.NotContains(t, id, "1")
		assert.NotContains(t, id, "I")
		seen[id] = true
	}
	assert.Len(t, seen, 50)
}

func TestValidateShareIDRejects(t *testing.T) {
	assert.ErrorIs(t, ValidateShareID("short"), ErrInvalidShareID)
	assert.ErrorIs(t, ValidateShareID("0OOOOOOOOOOOOOOOOOOOOOO1"), ErrInvalidShareID)
}

func TestMessageIDForShareDeterministic(t *testing.T) {
	id, err := NewShareID()
	require.NoError(t, err)

	a, err := MessageIDForShare(id)
	require.NoError(t, err)
	b, err := MessageIDForShare(id)
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := NewShareID()
	require.NoError(t, err)
	c, err := MessageIDForShare(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func testDocument(t *testing.T, shareID string, class models.AccessClass) *Document {
	t.Helper()
	return &Document{
		Version:   DocumentVersion,
		CreatedAt: time.Now().UTC(),
		Share:     ShareInfo{ShareID: shareID, FolderID: "f1", AccessClass: class},
		Folder:    FolderInfo{RelativeRoot: "photos", FileCount: 1, TotalSize: 42},
		Files: []FileEntry{{
			FileID:      7,
			Path:        "a/b.jpg",
			Size:        42,
			ContentHash: "deadbeef",
			Segments: []SegmentRef{{
				Index:             0,
				Size:              42,
				PlaintextHash:     "cafe",
				MessageID:         "<seg0@news.example.net>",
				ReplicaMessageIDs: []string{"<seg0r1@news.example.net>"},
			}},
		}},
	}
}

func sealKeys(t *testing.T) (*access.FolderKeySet, []byte) {
	t.Helper()
	keys, err := access.GenerateFolderKeys()
	require.NoError(t, err)
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)
	return keys, session
}

func TestSealOpenPublic(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPublic)
	sealed, err := Seal(SealRequest{Doc: doc, SigningKey: keys.SigningPrivate, SessionKey: session})
	require.NoError(t, err)

	got, err := Open(sealed, shareID, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, doc.Files, got.Files)
	assert.Equal(t, doc.Share, got.Share)
}

func TestSealOpenProtected(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)
	salt, err := crypto.NewSalt()
	require.NoError(t, err)

	doc := testDocument(t, shareID, models.AccessProtected)
	sealed, err := Seal(SealRequest{
		Doc:        doc,
		SigningKey: keys.SigningPrivate,
		SessionKey: session,
		Password:   []byte("sesame"),
		Salt:       salt,
	})
	require.NoError(t, err)

	got, err := Open(sealed, shareID, Credentials{Password: []byte("sesame")})
	require.NoError(t, err)
	assert.Equal(t, doc.Files, got.Files)

	_, err = Open(sealed, shareID, Credentials{Password: []byte("wrong")})
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestSealOpenPrivate(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPrivate)
	sealed, err := Seal(SealRequest{
		Doc:        doc,
		SigningKey: keys.SigningPrivate,
		SessionKey: session,
		Root:       keys.Root,
		Recipients: []string{"alice", "bob"},
	})
	require.NoError(t, err)

	got, err := Open(sealed, shareID, Credentials{UserID: "bob", Root: keys.Root})
	require.NoError(t, err)
	assert.Equal(t, doc.Files, got.Files)

	_, err = Open(sealed, shareID, Credentials{UserID: "mallory", Root: keys.Root})
	assert.ErrorIs(t, err, access.ErrAccessDenied)
}

func TestSealPrivateWithoutRecipients(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPrivate)
	_, err = Seal(SealRequest{Doc: doc, SigningKey: keys.SigningPrivate, SessionKey: session, Root: keys.Root})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestOpenRejectsTamperedEnvelope(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPublic)
	sealed, err := Seal(SealRequest{Doc: doc, SigningKey: keys.SigningPrivate, SessionKey: session})
	require.NoError(t, err)

	// A flipped ciphertext byte must fail the signature before any decrypt.
	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-70] ^= 0x01
	_, err = Open(tampered, shareID, Credentials{})
	assert.Error(t, err)

	_, err = Open([]byte("not an envelope"), shareID, Credentials{})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

type fakeSegmentLister struct {
	segments map[int64][]*models.Segment
}

func (f *fakeSegmentLister) ListSegmentsByFile(_ context.Context, fileID int64) ([]*models.Segment, error) {
	return f.segments[fileID], nil
}

func strptr(s string) *string { return &s }

func timeptr(tm time.Time) *time.Time { return &tm }

func TestBuild(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	now := time.Now()

	lister := &fakeSegmentLister{segments: map[int64][]*models.Segment{
		1: {
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 0, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0@x>"), PostedAt: timeptr(now)},
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 1, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0r1@x>"), PostedAt: timeptr(now)},
			{FileID: 1, SegmentIndex: 1, ReplicaIndex: 0, Size: 4, PlaintextHash: "h1",
				MessageID: strptr("<s1@x>"), PostedAt: timeptr(now)},
		},
	}}
	share := &models.Share{ShareID: shareID, FolderID: "f1", AccessClass: models.AccessPublic}
	files := []*models.File{{FileID: 1, RelativePath: "x.bin", Size: 14, ContentHash: "ch"}}

	doc, err := Build(context.Background(), lister, share, "root", files)
	require.NoError(t, err)

	assert.Equal(t, 1, doc.Folder.FileCount)
	assert.Equal(t, int64(14), doc.Folder.TotalSize)
	require.Len(t, doc.Files, 1)
	require.Len(t, doc.Files[0].Segments, 2)
	assert.Equal(t, "<s0@x>", doc.Files[0].Segments[0].MessageID)
	assert.Equal(t, []string{"<s0r1@x>"}, doc.Files[0].Segments[0].ReplicaMessageIDs)
	assert.Empty(t, doc.Files[0].Segments[1].ReplicaMessageIDs)
}

func TestBuildRejectsUnpostedOriginal(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)

	lister := &fakeSegmentLister{segments: map[int64][]*models.Segment{
		1: {{FileID: 1, SegmentIndex: 0, ReplicaIndex: 0, Size: 10, PlaintextHash: "h0",
			MessageID: strptr("<s0@x>")}}, // reserved but never acked
	}}
	share := &models.Share{ShareID: shareID, FolderID: "f1", AccessClass: models.AccessPublic}
	files := []*models.File{{FileID: 1, RelativePath: "x.bin", Size: 10, ContentHash: "ch"}}

	_, err = Build(context.Background(), lister, share, "root", files)
	assert.ErrorIs(t, err, ErrUnpostedSegment)
}

func TestBuildRejectsReplicaGap(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	now := time.Now()

	// Replica 1 never got a relay ack but replica 2 did. Listing replica 2 as
	// the first fallback would make consumers address it as copy 1.
	lister := &fakeSegmentLister{segments: map[int64][]*models.Segment{
		1: {
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 0, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0@x>"), PostedAt: timeptr(now)},
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 1, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0r1@x>")},
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 2, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0r2@x>"), PostedAt: timeptr(now)},
		},
	}}
	share := &models.Share{ShareID: shareID, FolderID: "f1", AccessClass: models.AccessPublic}
	files := []*models.File{{FileID: 1, RelativePath: "x.bin", Size: 10, ContentHash: "ch"}}

	_, err = Build(context.Background(), lister, share, "root", files)
	assert.ErrorIs(t, err, ErrUnpostedSegment)
}

func TestBuildDropsTrailingUnpostedReplica(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	now := time.Now()

	lister := &fakeSegmentLister{segments: map[int64][]*models.Segment{
		1: {
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 0, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0@x>"), PostedAt: timeptr(now)},
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 1, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0r1@x>"), PostedAt: timeptr(now)},
			{FileID: 1, SegmentIndex: 0, ReplicaIndex: 2, Size: 10, PlaintextHash: "h0",
				MessageID: strptr("<s0r2@x>")},
		},
	}}
	share := &models.Share{ShareID: shareID, FolderID: "f1", AccessClass: models.AccessPublic}
	files := []*models.File{{FileID: 1, RelativePath: "x.bin", Size: 10, ContentHash: "ch"}}

	doc, err := Build(context.Background(), lister, share, "root", files)
	require.NoError(t, err)
	assert.Equal(t, []string{"<s0r1@x>"}, doc.Files[0].Segments[0].ReplicaMessageIDs)
}

type fakeRecorder struct {
	shareID   string
	messageID string
}

func (f *fakeRecorder) SetShareIndexMessageID(_ context.Context, shareID, messageID string) error {
	f.shareID = shareID
	f.messageID = messageID
	return nil
}

func TestManagerPublishFetchRoundTrip(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPublic)
	sealed, err := Seal(SealRequest{Doc: doc, SigningKey: keys.SigningPrivate, SessionKey: session})
	require.NoError(t, err)

	r := memory.New()
	rec := &fakeRecorder{}
	m := NewManager(r, rec, "alt.binaries.misc")

	messageID, err := m.Publish(context.Background(), shareID, sealed)
	require.NoError(t, err)

	want, err := MessageIDForShare(shareID)
	require.NoError(t, err)
	assert.Equal(t, want, messageID)
	assert.Equal(t, shareID, rec.shareID)
	assert.Equal(t, messageID, rec.messageID)

	got, err := m.Fetch(context.Background(), shareID, Credentials{})
	require.NoError(t, err)
	assert.Equal(t, doc.Files, got.Files)
}

func TestManagerPublishRetriesTransientFailure(t *testing.T) {
	shareID, err := NewShareID()
	require.NoError(t, err)
	keys, session := sealKeys(t)

	doc := testDocument(t, shareID, models.AccessPublic)
	sealed, err := Seal(SealRequest{Doc: doc, SigningKey: keys.SigningPrivate, SessionKey: session})
	require.NoError(t, err)

	r := memory.New()
	r.FailNextPosts(2)
	m := NewManager(r, &fakeRecorder{}, "alt.binaries.misc")

	_, err = m.Publish(context.Background(), shareID, sealed)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Len())
}
