package identity

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
)

var ctx = context.Background()

type mockRepo struct {
	mu    sync.Mutex
	users map[string]*User
	clock time.Time
	// deleted records ids passed to Delete.
	deleted []string
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		users: make(map[string]*User),
		clock: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func copyUser(u *User) *User {
	c := *u
	if u.PatientID != nil {
		pid := *u.PatientID
		c.PatientID = &pid
	}
	return &c
}

func (m *mockRepo) Create(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return errEmailTaken
		}
	}
	u.ID = uuid.NewString()
	u.CreatedAt = m.tick()
	u.UpdatedAt = u.CreatedAt
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, errUserNotFound
	}
	return copyUser(u), nil
}

func (m *mockRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return copyUser(u), nil
		}
	}
	return nil, errUserNotFound
}

func (m *mockRepo) PatientIDTaken(_ context.Context, patientID, excludeID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID != excludeID && u.PatientID != nil && *u.PatientID == patientID {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockRepo) Update(_ context.Context, u *User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[u.ID]
	if !ok {
		return errUserNotFound
	}
	stored.Name = u.Name
	stored.PatientID = u.PatientID
	stored.UpdatedAt = m.tick()
	u.UpdatedAt = stored.UpdatedAt
	return nil
}

func (m *mockRepo) UpdatePassword(_ context.Context, id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.users[id]
	if !ok {
		return errUserNotFound
	}
	stored.PasswordHash = hash
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return errUserNotFound
	}
	delete(m.users, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *mockRepo) List(_ context.Context, filter UserFilter, limit, offset int) ([]*User, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []*User
	for _, u := range m.users {
		if filter.Role == "" || u.Role == filter.Role {
			all = append(all, copyUser(u))
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	if offset >= total {
		return []*User{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// seedAdmin stores an admin directly, bypassing the service.
func (m *mockRepo) seedAdmin(t *testing.T, email, password string) *User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	u := &User{Name: "Dr. Admin", Email: email, PasswordHash: string(hash), Role: auth.RoleAdmin}
	if err := m.Create(ctx, u); err != nil {
		t.Fatal(err)
	}
	return u
}

var testSecret = []byte("identity-test-secret-of-at-least-32-bytes")

const strongPassword = "Secret123"

func newTestService(t *testing.T, opts ...Option) (*Service, *mockRepo, *auth.MemoryRevocationStore) {
	t.Helper()
	tokens, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   testSecret,
		Issuer:   "oralvis",
		Audience: "oralvis-api",
		TTL:      time.Hour,
	})
	if err != nil {
		t.Fatal(err)
	}
	revocations := auth.NewMemoryRevocationStore()
	t.Cleanup(revocations.Close)
	repo := newMockRepo()
	opts = append([]Option{WithBcryptCost(bcrypt.MinCost), WithRevocationStore(revocations)}, opts...)
	return NewService(repo, tokens, opts...), repo, revocations
}

func registerPatient(t *testing.T, svc *Service, email, patientID string) *AuthResult {
	t.Helper()
	res, err := svc.Register(ctx, RegisterInput{
		Name:      "Jane Patient",
		Email:     email,
		Password:  strongPassword,
		PatientID: patientID,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return res
}

func expectKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		t.Fatalf("expected *apperr.Error, got %T: %v", err, err)
	}
	if ae.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, ae.Kind, err)
	}
	return ae
}

func strPtr(s string) *string { return &s }
