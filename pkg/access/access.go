// Package access implements the access-control layer: per-folder key
// material, its encryption at rest, and the wrapping of publish session keys
// for the public, protected, and private share classes.
package access

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usenetsync/usenetsync/pkg/crypto"
	"github.com/usenetsync/usenetsync/pkg/store/models"
)

// ValidClass reports whether c is a known access class.
func ValidClass(c models.AccessClass) bool {
	switch c {
	case models.AccessPublic, models.AccessProtected, models.AccessPrivate:
		return true
	}
	return false
}

// ErrAccessDenied is returned when no commitment matches the caller or a
// password unwrap fails. Deliberately indistinguishable between "unknown
// user" and "wrong share".
var ErrAccessDenied = errors.New("access denied")

// publicWrapContext feeds the public-class key derivation. Anyone holding a
// share id can reproduce the wrapping key; the envelope shape stays uniform
// across classes.
const publicWrapContext = "usenetsync/public-wrap/v1"

// Commitment domain-separation prefixes.
var (
	verificationPrefix = []byte("v")
	wrappingPrefix     = []byte("k")
)

// FolderKeySet is a folder's key material held in memory. Callers must
// Zeroize it when done.
type FolderKeySet struct {
	SigningPublic  ed25519.PublicKey
	SigningPrivate ed25519.PrivateKey

	// Root is the 32-byte symmetric root from which commitment keys derive.
	Root []byte
}

// GenerateFolderKeys creates fresh key material for a new folder.
func GenerateFolderKeys() (*FolderKeySet, error) {
	pub, priv, err := crypto.GenerateSigningKey()
	if err != nil {
		return nil, err
	}
	root, err := crypto.NewSessionKey()
	if err != nil {
		return nil, err
	}
	return &FolderKeySet{SigningPublic: pub, SigningPrivate: priv, Root: root}, nil
}

// Zeroize wipes the private material.
func (k *FolderKeySet) Zeroize() {
	crypto.Zeroize(k.SigningPrivate)
	crypto.Zeroize(k.Root)
}

// DeriveInstallKey derives the at-rest encryption key from the installation
// passphrase with scrypt.
func DeriveInstallKey(passphrase, salt []byte) ([]byte, error) {
	return crypto.DeriveKeyScrypt(passphrase, salt)
}

// Seal encrypts the key set under the install key for persistence. The folder
// id is bound as associated data so rows cannot be swapped between folders.
func (k *FolderKeySet) Seal(installKey []byte, folderID string) (*models.FolderKeys, error) {
	ad := []byte(folderID)
	encSigning, err := crypto.Encrypt(installKey, k.SigningPrivate, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal signing key: %w", err)
	}
	encRoot, err := crypto.Encrypt(installKey, k.Root, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to seal folder root: %w", err)
	}
	return &models.FolderKeys{
		FolderID:            folderID,
		EncryptedSigningKey: encSigning,
		EncryptedRoot:       encRoot,
	}, nil
}

// OpenFolderKeys decrypts a persisted key set.
func OpenFolderKeys(rec *models.FolderKeys, installKey []byte) (*FolderKeySet, error) {
	ad := []byte(rec.FolderID)
	priv, err := crypto.Decrypt(installKey, rec.EncryptedSigningKey, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to open signing key: %w", err)
	}
	root, err := crypto.Decrypt(installKey, rec.EncryptedRoot, ad)
	if err != nil {
		return nil, fmt.Errorf("failed to open folder root: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, crypto.ErrIntegrity
	}
	key := ed25519.PrivateKey(priv)
	return &FolderKeySet{
		SigningPublic:  key.Public().(ed25519.PublicKey),
		SigningPrivate: key,
		Root:           root,
	}, nil
}

// Commitment grants one recipient the ability to unwrap a private share's
// session key.
type Commitment struct {
	UserIDHash        []byte
	VerificationKey   []byte
	WrappedSessionKey []byte
}

// UserIDHash returns SHA256 of the recipient identifier.
func UserIDHash(userID string) []byte {
	sum := sha256.Sum256([]byte(userID))
	return sum[:]
}

func verificationKey(root, idHash []byte) []byte {
	return crypto.HMACSHA256(root, verificationPrefix, idHash)
}

func wrappingKey(root, idHash []byte) []byte {
	return crypto.HMACSHA256(root, wrappingPrefix, idHash)
}

// BuildCommitments emits one commitment per recipient for a private share.
func BuildCommitments(root, sessionKey []byte, shareID string, userIDs []string) ([]Commitment, error) {
	commitments := make([]Commitment, 0, len(userIDs))
	for _, userID := range userIDs {
		idHash := UserIDHash(userID)
		wk := wrappingKey(root, idHash)
		wrapped, err := crypto.WrapKey(sessionKey, wk, []byte(shareID))
		crypto.Zeroize(wk)
		if err != nil {
			return nil, fmt.Errorf("failed to wrap session key for recipient: %w", err)
		}
		commitments = append(commitments, Commitment{
			UserIDHash:        idHash,
			VerificationKey:   verificationKey(root, idHash),
			WrappedSessionKey: wrapped,
		})
	}
	return commitments, nil
}

// UnwrapPrivate recovers the session key for userID by scanning the
// commitment list. Any failure collapses to ErrAccessDenied.
func UnwrapPrivate(commitments []Commitment, root []byte, userID, shareID string) ([]byte, error) {
	idHash := UserIDHash(userID)
	want := verificationKey(root, idHash)
	for _, c := range commitments {
		if !hmac.Equal(c.VerificationKey, want) {
			continue
		}
		wk := wrappingKey(root, idHash)
		session, err := crypto.UnwrapKey(c.WrappedSessionKey, wk, []byte(shareID))
		crypto.Zeroize(wk)
		if err != nil {
			return nil, ErrAccessDenied
		}
		return session, nil
	}
	return nil, ErrAccessDenied
}

// WrapPassword wraps the session key under a password-derived key. Salt must
// be fresh per publish.
func WrapPassword(sessionKey, password, salt []byte, shareID string) ([]byte, error) {
	k := crypto.DeriveKeyPBKDF2(password, salt)
	defer crypto.Zeroize(k)
	return crypto.WrapKey(sessionKey, k, []byte(shareID))
}

// UnwrapPassword reverses WrapPassword. A wrong password yields
// ErrAccessDenied.
func UnwrapPassword(wrapped, password, salt []byte, shareID string) ([]byte, error) {
	k := crypto.DeriveKeyPBKDF2(password, salt)
	defer crypto.Zeroize(k)
	session, err := crypto.UnwrapKey(wrapped, k, []byte(shareID))
	if err != nil {
		return nil, ErrAccessDenied
	}
	return session, nil
}

// contentKeyContext feeds the folder content-key derivation.
const contentKeyContext = "usenetsync/content-key/v1"

// DeriveContentKey derives the folder-stable segment encryption key from the
// symmetric root. Segments are posted once per content version; the key must
// not change between publishes, so it derives from the root rather than from
// any per-publish session key.
func DeriveContentKey(root []byte) []byte {
	return crypto.HMACSHA256(root, []byte(contentKeyContext))
}

// SegmentAD builds the AEAD associated data binding a segment body to its
// coordinates, so a ciphertext cannot be replayed at another position.
func SegmentAD(folderID string, fileID int64, segmentIndex uint32, replicaIndex uint8) []byte {
	ad := make([]byte, 0, len(folderID)+13)
	ad = append(ad, folderID...)
	ad = binary.BigEndian.AppendUint64(ad, uint64(fileID))
	ad = binary.BigEndian.AppendUint32(ad, segmentIndex)
	return append(ad, replicaIndex)
}

// publicKey derives the public-class wrapping key from the share id alone.
func publicKey(shareID string) []byte {
	return crypto.HMACSHA256([]byte(publicWrapContext), []byte(shareID))
}

// WrapPublic wraps the session key so that anyone holding the share id can
// unwrap it. Present to keep the envelope shape uniform, not to protect.
func WrapPublic(sessionKey []byte, shareID string) ([]byte, error) {
	return crypto.WrapKey(sessionKey, publicKey(shareID), []byte(shareID))
}

// UnwrapPublic reverses WrapPublic.
func UnwrapPublic(wrapped []byte, shareID string) ([]byte, error) {
	session, err := crypto.UnwrapKey(wrapped, publicKey(shareID), []byte(shareID))
	if err != nil {
		return nil, ErrAccessDenied
	}
	return session, nil
}
