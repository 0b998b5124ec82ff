package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/ulala-x/playhouse-net-sub015/internal/protocol"
)

// AccountStore authenticates and provisions accounts. Passwords are stored
// as bcrypt hashes.
type AccountStore struct {
	db         *DB
	autoCreate bool
}

// NewAccountStore builds a store. autoCreate provisions unknown logins on
// first authentication, which is the usual dev-server behavior.
func NewAccountStore(db *DB, autoCreate bool) *AccountStore {
	return &AccountStore{db: db, autoCreate: autoCreate}
}

// Authenticate verifies login/password and returns the account id. Failures
// carry AuthenticationFailed so the api handler can answer the client
// directly.
func (s *AccountStore) Authenticate(ctx context.Context, login, password string) (int64, error) {
	login = strings.ToLower(login)

	var (
		accountID int64
		hash      string
	)
	err := s.db.pool.QueryRow(ctx,
		`SELECT account_id, password_hash FROM accounts WHERE login = $1`, login,
	).Scan(&accountID, &hash)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if !s.autoCreate {
			return 0, protocol.NewPlayError(protocol.AuthenticationFailed, fmt.Sprintf("unknown login %q", login))
		}
		return s.Create(ctx, login, password)
	case err != nil:
		return 0, fmt.Errorf("querying account %q: %w", login, err)
	}

	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return 0, protocol.NewPlayError(protocol.AuthenticationFailed, fmt.Sprintf("wrong password for %q", login))
	}

	if _, err := s.db.pool.Exec(ctx,
		`UPDATE accounts SET last_login = $1 WHERE account_id = $2`, time.Now(), accountID,
	); err != nil {
		return 0, fmt.Errorf("updating last login for %q: %w", login, err)
	}
	return accountID, nil
}

// Create inserts a new account and returns its id.
func (s *AccountStore) Create(ctx context.Context, login, password string) (int64, error) {
	login = strings.ToLower(login)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return 0, fmt.Errorf("hashing password: %w", err)
	}

	var accountID int64
	err = s.db.pool.QueryRow(ctx,
		`INSERT INTO accounts (login, password_hash) VALUES ($1, $2) RETURNING account_id`,
		login, string(hash),
	).Scan(&accountID)
	if err != nil {
		return 0, fmt.Errorf("creating account %q: %w", login, err)
	}
	return accountID, nil
}
