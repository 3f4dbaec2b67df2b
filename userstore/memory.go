package userstore

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wareops/credguard"
)

// Memory keeps users in a map. It is safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	byID map[string]credguard.UserRecord
	now  func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		byID: make(map[string]credguard.UserRecord),
		now:  time.Now,
	}
}

func (m *Memory) GetByID(_ context.Context, userID string) (credguard.UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.byID[userID]
	if !ok {
		return credguard.UserRecord{}, credguard.ErrUserNotFound
	}
	return user, nil
}

// GetByIdentifier matches a username or an email, both case-insensitively.
func (m *Memory) GetByIdentifier(_ context.Context, identifier string) (credguard.UserRecord, error) {
	identifier = normalize(identifier)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.byID {
		if normalize(user.Username) == identifier || user.Email == identifier {
			return user, nil
		}
	}
	return credguard.UserRecord{}, credguard.ErrUserNotFound
}

func (m *Memory) GetByEmail(_ context.Context, email string) (credguard.UserRecord, error) {
	email = normalize(email)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, user := range m.byID {
		if user.Email == email {
			return user, nil
		}
	}
	return credguard.UserRecord{}, credguard.ErrUserNotFound
}

func (m *Memory) UsernameExists(_ context.Context, username string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.usernameTaken(normalize(username)), nil
}

func (m *Memory) EmailExists(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.emailTaken(normalize(email)), nil
}

// CreateUser checks uniqueness and inserts under one lock, so two concurrent
// registrations of the same name cannot both succeed.
func (m *Memory) CreateUser(_ context.Context, input credguard.NewUser) (credguard.UserRecord, error) {
	email := normalize(input.Email)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.usernameTaken(normalize(input.Username)) {
		return credguard.UserRecord{}, errUsernameTaken()
	}
	if m.emailTaken(email) {
		return credguard.UserRecord{}, errEmailTaken()
	}

	user := credguard.UserRecord{
		ID:           uuid.NewString(),
		Username:     strings.TrimSpace(input.Username),
		Email:        email,
		FullName:     strings.TrimSpace(input.FullName),
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
		Verified:     input.Verified,
		CreatedAt:    m.now().UTC(),
	}
	m.byID[user.ID] = user
	return user, nil
}

func (m *Memory) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return credguard.ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	m.byID[userID] = user
	return nil
}

func (m *Memory) UpdateStatus(_ context.Context, userID string, status credguard.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.byID[userID]
	if !ok {
		return credguard.ErrUserNotFound
	}
	user.Status = status
	m.byID[userID] = user
	return nil
}

func (m *Memory) usernameTaken(username string) bool {
	for _, user := range m.byID {
		if normalize(user.Username) == username {
			return true
		}
	}
	return false
}

func (m *Memory) emailTaken(email string) bool {
	for _, user := range m.byID {
		if user.Email == email {
			return true
		}
	}
	return false
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func errUsernameTaken() error {
	return &credguard.ValidationError{Rules: []string{"username_taken"}}
}

func errEmailTaken() error {
	return &credguard.ValidationError{Rules: []string{"email_taken"}}
}

var _ credguard.UserStore = (*Memory)(nil)
