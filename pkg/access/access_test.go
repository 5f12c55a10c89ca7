package access

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

const testShareID = "ABCDEFGHJKLMNPQRSTUVWXYZ"

func TestFolderKeysSealOpenRoundTrip(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	installKey, err := DeriveInstallKey([]byte("hunter2"), salt)
	require.NoError(t, err)

	rec, err := keys.Seal(installKey, "folder-1")
	require.NoError(t, err)
	assert.NotContains(t, string(rec.EncryptedRoot), string(keys.Root))

	opened, err := OpenFolderKeys(rec, installKey)
	require.NoError(t, err)
	assert.Equal(t, keys.Root, opened.Root)
	assert.Equal(t, keys.SigningPrivate, opened.SigningPrivate)
	assert.Equal(t, keys.SigningPublic, opened.SigningPublic)
}

func TestFolderKeysWrongInstallKey(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)

	salt, err := crypto.NewSalt()
	require.NoError(t, err)
	good, err := DeriveInstallKey([]byte("right"), salt)
	require.NoError(t, err)
	bad, err := DeriveInstallKey([]byte("wrong"), salt)
	require.NoError(t, err)

	rec, err := keys.Seal(good, "folder-1")
	require.NoError(t, err)
	_, err = OpenFolderKeys(rec, bad)
	assert.Error(t, err)
}

func TestFolderKeysBoundToFolderID(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)
	installKey := make([]byte, crypto.KeySize)

	rec, err := keys.Seal(installKey, "folder-1")
	require.NoError(t, err)

	// A row copied onto another folder id must not open.
	rec.FolderID = "folder-2"
	_, err = OpenFolderKeys(rec, installKey)
	assert.Error(t, err)
}

func TestPrivateCommitments(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)

	commitments, err := BuildCommitments(keys.Root, session, testShareID, []string{"alice", "bob"})
	require.NoError(t, err)
	require.Len(t, commitments, 2)

	got, err := UnwrapPrivate(commitments, keys.Root, "alice", testShareID)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	got, err = UnwrapPrivate(commitments, keys.Root, "bob", testShareID)
	require.NoError(t, err)
	assert.Equal(t, session, got)
}

func TestPrivateUnlistedUserDenied(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)

	commitments, err := BuildCommitments(keys.Root, session, testShareID, []string{"alice"})
	require.NoError(t, err)

	_, err = UnwrapPrivate(commitments, keys.Root, "mallory", testShareID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPrivateWrongShareIDDenied(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)

	commitments, err := BuildCommitments(keys.Root, session, testShareID, []string{"alice"})
	require.NoError(t, err)

	// Same user, commitments replayed against a different share id: the AEAD
	// associated data does not match, and the error is indistinguishable
	// from an unknown user.
	_, err = UnwrapPrivate(commitments, keys.Root, "alice", "ZZZZZZZZZZZZZZZZZZZZZZZZ")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPasswordWrap(t *testing.T) {
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)
	salt, err := crypto.NewSalt()
	require.NoError(t, err)

	wrapped, err := WrapPassword(session, []byte("correct horse"), salt, testShareID)
	require.NoError(t, err)

	got, err := UnwrapPassword(wrapped, []byte("correct horse"), salt, testShareID)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	_, err = UnwrapPassword(wrapped, []byte("battery staple"), salt, testShareID)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestPublicWrap(t *testing.T) {
	session, err := crypto.NewSessionKey()
	require.NoError(t, err)

	wrapped, err := WrapPublic(session, testShareID)
	require.NoError(t, err)

	// Only the share id is needed to unwrap.
	got, err := UnwrapPublic(wrapped, testShareID)
	require.NoError(t, err)
	assert.Equal(t, session, got)

	_, err = UnwrapPublic(wrapped, "YYYYYYYYYYYYYYYYYYYYYYYY")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestContentKeyStablePerFolder(t *testing.T) {
	keys, err := GenerateFolderKeys()
	require.NoError(t, err)

	a := DeriveContentKey(keys.Root)
	b := DeriveContentKey(keys.Root)
	assert.Equal(t, a, b)
	assert.Len(t, a, crypto.KeySize)

	other, err := GenerateFolderKeys()
	require.NoError(t, err)
	assert.NotEqual(t, a, DeriveContentKey(other.Root))
}

func TestSegmentADBindsCoordinates(t *testing.T) {
	base := SegmentAD("folder", 1, 2, 0)
	assert.NotEqual(t, base, SegmentAD("folder", 1, 2, 1))
	assert.NotEqual(t, base, SegmentAD("folder", 1, 3, 0))
	assert.NotEqual(t, base, SegmentAD("folder", 9, 2, 0))
	assert.NotEqual(t, base, SegmentAD("redlof", 1, 2, 0))
	assert.Equal(t, base, SegmentAD("folder", 1, 2, 0))
}

func TestValidClass(t *testing.T) {
	assert.True(t, ValidClass(models.AccessPublic))
	assert.True(t, ValidClass(models.AccessProtected))
	assert.True(t, ValidClass(models.AccessPrivate))
	assert.False(t, ValidClass(models.AccessClass("vip")))
}
