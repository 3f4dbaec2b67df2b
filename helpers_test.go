package credguard

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/wareops/credguard/mail"
	"github.com/wareops/credguard/password"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start failed: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
	fail error
}

func (m *recordingMailer) Send(_ context.Context, msg mail.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return m.fail
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *recordingMailer) setFail(err error) {
	m.mu.Lock()
	m.fail = err
	m.mu.Unlock()
}

func (m *recordingMailer) messages() []mail.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mail.Message(nil), m.sent...)
}

func (m *recordingMailer) last() mail.Message {
	msgs := m.messages()
	if len(msgs) == 0 {
		return mail.Message{}
	}
	return msgs[len(msgs)-1]
}

type mockUserStore struct {
	mu    sync.Mutex
	users map[string]UserRecord
	seq   int
	// failWrites makes the next n password updates fail.
	failWrites int
}

func newMockUserStore() *mockUserStore {
	return &mockUserStore{users: map[string]UserRecord{}}
}

func (s *mockUserStore) add(t *testing.T, hasher *password.Argon2, username, email, plain string, status UserStatus) UserRecord {
	t.Helper()

	hash, err := hasher.Hash(plain)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	user, err := s.CreateUser(context.Background(), NewUser{
		Username:     username,
		Email:        email,
		PasswordHash: hash,
		Status:       status,
		Verified:     true,
	})
	if err != nil {
		t.Fatalf("CreateUser failed: %v", err)
	}
	return user
}

func (s *mockUserStore) GetByID(_ context.Context, userID string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (s *mockUserStore) GetByIdentifier(_ context.Context, identifier string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identifier = strings.ToLower(identifier)
	for _, user := range s.users {
		if strings.ToLower(user.Username) == identifier || user.Email == identifier {
			return user, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (s *mockUserStore) GetByEmail(_ context.Context, email string) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			return user, nil
		}
	}
	return UserRecord{}, ErrUserNotFound
}

func (s *mockUserStore) UsernameExists(_ context.Context, username string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Username, username) {
			return true, nil
		}
	}
	return false, nil
}

func (s *mockUserStore) EmailExists(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if user.Email == email {
			return true, nil
		}
	}
	return false, nil
}

func (s *mockUserStore) CreateUser(_ context.Context, input NewUser) (UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, user := range s.users {
		if strings.EqualFold(user.Username, input.Username) {
			return UserRecord{}, validationError("username_taken")
		}
		if user.Email == input.Email {
			return UserRecord{}, validationError("email_taken")
		}
	}
	s.seq++
	user := UserRecord{
		ID:           "u" + strconv.Itoa(s.seq),
		Username:     input.Username,
		Email:        input.Email,
		FullName:     input.FullName,
		PasswordHash: input.PasswordHash,
		Status:       input.Status,
		Verified:     input.Verified,
	}
	s.users[user.ID] = user
	return user, nil
}

func (s *mockUserStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites > 0 {
		s.failWrites--
		return errors.New("pq: connection reset")
	}
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *mockUserStore) UpdateStatus(_ context.Context, userID string, status UserStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Status = status
	s.users[userID] = user
	return nil
}

var errMailDown = errors.New("smtp: connection refused")

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Password.Memory = 8 * 1024
	cfg.Password.Time = 1
	cfg.Password.Parallelism = 1
	cfg.Throttle.Enabled = false
	cfg.Metrics.Enabled = true
	return cfg
}

func newTestHasher(t *testing.T) *password.Argon2 {
	t.Helper()

	h, err := password.NewArgon2(password.Config{
		Memory:      8 * 1024,
		Time:        1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		t.Fatalf("NewArgon2 failed: %v", err)
	}
	return h
}

type testEnv struct {
	engine *Engine
	clock  *testClock
	mailer *recordingMailer
	users  *mockUserStore
	rdb    *redis.Client
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	_, rdb := newTestRedis(t)
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		clock:  newTestClock(),
		mailer: &recordingMailer{},
		users:  newMockUserStore(),
		rdb:    rdb,
	}
	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithUserStore(env.users).
		WithMailer(env.mailer).
		WithClock(env.clock.Now).
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	t.Cleanup(engine.Close)
	env.engine = engine
	return env
}

func (env *testEnv) code(t *testing.T, otpID string) string {
	t.Helper()

	data, err := env.engine.GetOTPData(context.Background(), otpID)
	if err != nil {
		t.Fatalf("GetOTPData failed: %v", err)
	}
	return data.Code
}

func (env *testEnv) flowOTPID(t *testing.T, flowID string) string {
	t.Helper()

	record, err := env.engine.flowStore.Get(context.Background(), flowID)
	if err != nil {
		t.Fatalf("flow Get failed: %v", err)
	}
	return record.OTPID
}

// wrongCode returns a code of the right shape that differs from code.
func wrongCode(code string) string {
	if strings.HasPrefix(code, "0") {
		return "1" + code[1:]
	}
	return "0" + code[1:]
}
