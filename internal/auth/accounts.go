// Package auth registers accounts and authenticates their owners. It is the
// provider of the stable user id every session is keyed on.
package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"astrales.app/chatsync/internal/core"
	"astrales.app/chatsync/internal/remote"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUsernameTaken      = errors.New("username is already taken")
	ErrInvalidToken       = errors.New("invalid token")
)

// account is the accounts/<username> document.
type account struct {
	UserID       string `json:"userId"`
	PasswordHash string `json:"passwordHash"`
}

// Accounts keeps credentials in the accounts collection of the remote store,
// keyed by username.
type Accounts struct {
	remote remote.DocumentStore
	now    func() time.Time

	// Serializes registrations made through this process.
	mux sync.Mutex
}

func NewAccounts(rs remote.DocumentStore) *Accounts {
	return &Accounts{remote: rs, now: time.Now}
}

// Register creates the account and the users/<id> directory entry of username
// and returns the new user id.
func (a *Accounts) Register(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.Wrap(core.ErrValidation, "username cannot be empty")
	}
	if len(password) < MinPasswordLength {
		return "", errors.Wrapf(core.ErrValidation,
			"password must be at least %d characters", MinPasswordLength)
	}

	a.mux.Lock()
	defer a.mux.Unlock()

	existing, err := a.remote.Get(ctx, remote.Accounts, username)
	if err != nil {
		return "", errors.Wrapf(core.ErrRemoteUnavailable,
			"failed to look up account %s: %v", username, err)
	}
	if existing != nil {
		return "", errors.Wrap(ErrUsernameTaken, username)
	}

	hash, err := HashPassword(password)
	if err != nil {
		return "", errors.Wrap(err, "failed to hash password")
	}

	userID := uuid.NewString()
	user, err := remote.NewFields(map[string]any{
		"username": username,
		"avatar":   nil,
		"online":   false,
		"lastSeen": nil,
		"created":  a.now().UnixMilli(),
	})
	if err != nil {
		return "", err
	}
	creds, err := remote.FieldsOf(account{UserID: userID, PasswordHash: hash})
	if err != nil {
		return "", err
	}

	ctx = context.WithoutCancel(ctx)
	if err = a.remote.Merge(ctx, remote.Users, userID, user); err != nil {
		return "", errors.Wrapf(core.ErrRemoteUnavailable,
			"failed to create user %s: %v", username, err)
	}
	if err = a.remote.Merge(ctx, remote.Accounts, username, creds); err != nil {
		return "", errors.Wrapf(core.ErrRemoteUnavailable,
			"failed to create account %s: %v", username, err)
	}

	jww.INFO.Printf("[Accounts] registered %s as %s", username, userID)
	return userID, nil
}

// Login returns the user id of username when password matches.
func (a *Accounts) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return "", errors.Wrap(core.ErrValidation, "username and password are required")
	}

	doc, err := a.remote.Get(ctx, remote.Accounts, username)
	if err != nil {
		return "", errors.Wrapf(core.ErrRemoteUnavailable,
			"failed to look up account %s: %v", username, err)
	}
	if doc == nil {
		return "", ErrInvalidCredentials
	}
	var acct account
	if err = doc.Decode(&acct); err != nil {
		return "", errors.WithMessagef(err, "corrupt account %s", username)
	}
	if !CheckPasswordHash(password, acct.PasswordHash) {
		jww.DEBUG.Printf("[Accounts] wrong password for %s", username)
		return "", ErrInvalidCredentials
	}
	return acct.UserID, nil
}
