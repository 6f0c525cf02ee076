// Package credentials is the gateway between stored, encrypted exchange API
// keys and the components that need them in plaintext. Nothing outside this
// package decrypts credentials.
package credentials

import (
	"context"
	"errors"
	"fmt"

	"botcore/pkg/crypto"
	"botcore/pkg/db"
)

// ErrNoCredentials means the user has not saved exchange API keys yet.
var ErrNoCredentials = errors.New("no exchange credentials on file")

// Credentials are decrypted exchange API keys, held in memory only for the
// lifetime of the operation that requested them.
type Credentials struct {
	APIKey    string
	APISecret string
	IsTestnet bool
}

// Store reads and writes encrypted credentials through the key manager.
type Store struct {
	db   *db.Database
	keys *crypto.KeyManager
}

func NewStore(database *db.Database, keys *crypto.KeyManager) *Store {
	return &Store{db: database, keys: keys}
}

// Save encrypts the key pair with the current key version and persists it.
func (s *Store) Save(ctx context.Context, userID, apiKey, apiSecret string, testnet bool) error {
	keyEnc, err := s.keys.Encrypt(apiKey)
	if err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	secretEnc, err := s.keys.Encrypt(apiSecret)
	if err != nil {
		return fmt.Errorf("encrypt api secret: %w", err)
	}
	if err := s.db.SaveCredentials(ctx, userID, keyEnc, secretEnc, testnet); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Get decrypts the stored key pair for a user. Returns ErrNoCredentials when
// the user never saved keys.
func (s *Store) Get(ctx context.Context, userID string) (Credentials, error) {
	u, err := s.db.GetUserByID(ctx, userID)
	if err != nil {
		return Credentials{}, fmt.Errorf("load user: %w", err)
	}
	if u.APIKeyEncrypted == "" || u.APISecretEncrypted == "" {
		return Credentials{}, ErrNoCredentials
	}

	apiKey, err := s.keys.Decrypt(u.APIKeyEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api key: %w", err)
	}
	apiSecret, err := s.keys.Decrypt(u.APISecretEncrypted)
	if err != nil {
		return Credentials{}, fmt.Errorf("decrypt api secret: %w", err)
	}
	return Credentials{APIKey: apiKey, APISecret: apiSecret, IsTestnet: u.IsTestnet}, nil
}
