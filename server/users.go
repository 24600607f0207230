package server

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned when a local username/password pair does
// not match. Handlers surface only a generic message.
var ErrInvalidCredentials = errors.New("invalid username or password")

// ExternalIdentity is the directory's input for federated logins.
type ExternalIdentity struct {
	Subject  string
	Username string
	Email    string
	FullName string
	Roles    []string
}

// UserDirectory is the collaborator interface the auth core requires:
// lookup/upsert by external identifier, and local-credential verification.
type UserDirectory interface {
	ResolveExternal(ext ExternalIdentity) (User, error)
	VerifyLocal(username, password string) (User, error)
	LookupByID(id string) (User, bool)
}

type directoryRecord struct {
	user         User
	externalID   string
	passwordHash string
	lastLogin    time.Time
}

// InMemoryDirectory keeps user records in process memory, seeded from config
// for local accounts and upserted on federated logins.
type InMemoryDirectory struct {
	mu         sync.RWMutex
	byID       map[string]*directoryRecord
	byUsername map[string]string
	byExternal map[string]string
	logger     *slog.Logger
}

// NewInMemoryDirectory constructs the directory and seeds local users.
func NewInMemoryDirectory(seed []LocalUser, logger *slog.Logger) (*InMemoryDirectory, error) {
	d := &InMemoryDirectory{
		byID:       make(map[string]*directoryRecord),
		byUsername: make(map[string]string),
		byExternal: make(map[string]string),
		logger:     logger,
	}

	for _, lu := range seed {
		if _, exists := d.byUsername[lu.Username]; exists {
			return nil, fmt.Errorf("duplicate local user %q", lu.Username)
		}
		roles := lu.Roles
		if len(roles) == 0 {
			roles = []string{"user"}
		}
		id := uuid.NewString()
		d.byID[id] = &directoryRecord{
			user: User{
				ID:       id,
				Username: lu.Username,
				Email:    lu.Email,
				FullName: lu.FullName,
				Type:     UserTypeLocal,
				Roles:    roles,
			},
			passwordHash: lu.PasswordHash,
		}
		d.byUsername[lu.Username] = id
	}

	return d, nil
}

// ResolveExternal upserts a federated user keyed by the provider subject and
// returns the stored record.
func (d *InMemoryDirectory) ResolveExternal(ext ExternalIdentity) (User, error) {
	if ext.Subject == "" {
		return User{}, fmt.Errorf("%w: subject missing", ErrUserResolution)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if id, ok := d.byExternal[ext.Subject]; ok {
		rec := d.byID[id]
		delete(d.byUsername, rec.user.Username)
		rec.user.Username = ext.Username
		rec.user.Email = ext.Email
		rec.user.FullName = ext.FullName
		rec.user.Roles = ext.Roles
		rec.lastLogin = now
		d.byUsername[ext.Username] = id
		return rec.user, nil
	}

	id := uuid.NewString()
	rec := &directoryRecord{
		user: User{
			ID:       id,
			Username: ext.Username,
			Email:    ext.Email,
			FullName: ext.FullName,
			Type:     UserTypeExternal,
			Roles:    ext.Roles,
		},
		externalID: ext.Subject,
		lastLogin:  now,
	}
	d.byID[id] = rec
	d.byUsername[ext.Username] = id
	d.byExternal[ext.Subject] = id

	d.logger.Info("external user provisioned", "username", ext.Username, "subject", ext.Subject)
	return rec.user, nil
}

// VerifyLocal checks a username/password pair against the stored bcrypt hash.
func (d *InMemoryDirectory) VerifyLocal(username, password string) (User, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id, ok := d.byUsername[username]
	if !ok {
		return User{}, ErrInvalidCredentials
	}
	rec := d.byID[id]
	if rec.user.Type != UserTypeLocal || rec.passwordHash == "" {
		return User{}, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(rec.passwordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	rec.lastLogin = time.Now()
	return rec.user, nil
}

// LookupByID fetches a user by internal ID.
func (d *InMemoryDirectory) LookupByID(id string) (User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	rec, ok := d.byID[id]
	if !ok {
		return User{}, false
	}
	return rec.user, true
}
