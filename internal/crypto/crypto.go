package crypto

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fernet/fernet-go"
	"golang.org/x/crypto/hkdf"
	"gorm.io/gorm"

	"github.com/AhmetzhanDev/whatsaaap-service-2.0/internal/database"
)

const keySetting = "fernet_key"

var ErrInvalidToken = errors.New("decrypt: invalid token")

// Sealer encrypts and authenticates session bundle blobs at rest.
type Sealer struct {
	key *fernet.Key
}

// NewSealer builds a Sealer. When secret is non-empty the key is derived
// from it, so every replica sharing the secret can open the same bundles.
// Otherwise a key is generated once and kept in the settings table.
func NewSealer(db *gorm.DB, secret string) (*Sealer, error) {
	if secret != "" {
		key, err := deriveKey(secret)
		if err != nil {
			return nil, err
		}
		return &Sealer{key: key}, nil
	}
	key, err := storedKey(db)
	if err != nil {
		return nil, err
	}
	return &Sealer{key: key}, nil
}

func deriveKey(secret string) (*fernet.Key, error) {
	var k fernet.Key
	r := hkdf.New(sha256.New, []byte(secret), nil, []byte("wa-session-bundle"))
	if _, err := io.ReadFull(r, k[:]); err != nil {
		return nil, fmt.Errorf("derive fernet key: %w", err)
	}
	return &k, nil
}

func storedKey(db *gorm.DB) (*fernet.Key, error) {
	keyStr, err := database.GetSetting(db, keySetting)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("read fernet key: %w", err)
	}
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(db, keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		return &k, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	return key, nil
}

func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	tok, err := fernet.EncryptAndSign(plaintext, s.key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

func (s *Sealer) Open(token []byte) ([]byte, error) {
	msg := fernet.VerifyAndDecrypt(token, 0*time.Second, []*fernet.Key{s.key})
	if msg == nil {
		return nil, ErrInvalidToken
	}
	return msg, nil
}
