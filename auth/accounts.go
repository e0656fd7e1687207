package auth

import (
	"context"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/truenas/middleware-sub024/errors"
	"github.com/truenas/middleware-sub024/role"
)

// Account is one local user entry.
type Account struct {
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"` // bcrypt
	Roles        []string `yaml:"roles"`
}

// APIKey is one machine credential entry.
type APIKey struct {
	Name    string   `yaml:"name"`
	KeyHash string   `yaml:"key_hash"` // bcrypt
	Roles   []string `yaml:"roles"`
}

// accountsFile is the on-disk shape.
type accountsFile struct {
	Users   []Account `yaml:"users"`
	APIKeys []APIKey  `yaml:"api_keys"`
}

// AccountStore verifies passwords and API keys against a YAML accounts
// file loaded once at startup.
type AccountStore struct {
	users map[string]Account
	keys  []APIKey
}

// LoadAccounts reads and indexes the accounts file.
func LoadAccounts(path string) (*AccountStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "auth", "LoadAccounts", "file read")
	}

	var file accountsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WrapKind(err, errors.KindValidation, "auth", "LoadAccounts", "yaml parsing")
	}

	store := &AccountStore{users: make(map[string]Account, len(file.Users)), keys: file.APIKeys}
	for _, u := range file.Users {
		if u.Username == "" || u.PasswordHash == "" {
			return nil, errors.New(errors.KindValidation, "every account needs a username and a password hash")
		}
		if _, dup := store.users[u.Username]; dup {
			return nil, errors.Newf(errors.KindValidation, "duplicate account %q", u.Username)
		}
		store.users[u.Username] = u
	}
	for _, k := range file.APIKeys {
		if k.Name == "" || k.KeyHash == "" {
			return nil, errors.New(errors.KindValidation, "every api key needs a name and a key hash")
		}
	}
	return store, nil
}

// VerifyPassword checks a username and password pair.
func (s *AccountStore) VerifyPassword(_ context.Context, username, password string) (*role.Principal, error) {
	account, ok := s.users[username]
	if !ok {
		// burn a comparison so unknown and known users take the same time
		_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000000000000000000000000000000000"), []byte(password))
		return nil, errors.ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		return nil, errors.ErrAuthFailed
	}
	return &role.Principal{Name: account.Username, Roles: account.Roles}, nil
}

// VerifyAPIKey checks a raw API key against every stored key hash.
func (s *AccountStore) VerifyAPIKey(_ context.Context, key string) (*role.Principal, error) {
	for _, k := range s.keys {
		if bcrypt.CompareHashAndPassword([]byte(k.KeyHash), []byte(key)) == nil {
			return &role.Principal{Name: k.Name, Roles: k.Roles}, nil
		}
	}
	return nil, errors.ErrAuthFailed
}
