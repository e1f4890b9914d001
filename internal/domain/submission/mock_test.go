package submission

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/oralvis/oralvis/internal/platform/apperr"
	"github.com/oralvis/oralvis/internal/platform/auth"
	"github.com/oralvis/oralvis/internal/platform/blobstore"
	"github.com/oralvis/oralvis/internal/platform/render"
	"github.com/oralvis/oralvis/pkg/annotation"
)

// -- Mock repository --

type mockRepo struct {
	mu        sync.Mutex
	subs      map[string]*Submission
	clock     time.Time
	createErr error
	updateErr error
	// beforeUpdate runs inside Update before the version check, to simulate
	// a concurrent writer.
	beforeUpdate func(stored *Submission)
}

func newMockRepo() *mockRepo {
	return &mockRepo{
		subs:  make(map[string]*Submission),
		clock: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *mockRepo) tick() time.Time {
	m.clock = m.clock.Add(time.Second)
	return m.clock
}

func (m *mockRepo) Create(_ context.Context, s *Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	s.ID = uuid.NewString()
	s.Version = 1
	s.CreatedAt = m.tick()
	s.UpdatedAt = s.CreatedAt
	m.subs[s.ID] = s.clone()
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, apperr.NotFound("Submission not found")
	}
	return s.clone(), nil
}

func (m *mockRepo) sorted(keep func(*Submission) bool) []*Submission {
	var out []*Submission
	for _, s := range m.subs {
		if keep(s) {
			out = append(out, s.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *mockRepo) ListByOwner(_ context.Context, ownerID string) ([]*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.sorted(func(s *Submission) bool { return s.OwnerID == ownerID })
	if out == nil {
		out = []*Submission{}
	}
	return out, nil
}

func (m *mockRepo) List(_ context.Context, f ListFilter, limit, offset int) ([]*Submission, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sorted(func(s *Submission) bool { return f.Status == "" || s.Status == f.Status })
	total := len(all)
	if offset >= total {
		return []*Submission{}, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (m *mockRepo) Update(_ context.Context, s *Submission, expectedVersion int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subs[s.ID]
	if !ok {
		return apperr.NotFound("Submission not found")
	}
	if m.beforeUpdate != nil {
		m.beforeUpdate(stored)
	}
	if m.updateErr != nil {
		return m.updateErr
	}
	if stored.Version != expectedVersion {
		return apperr.Conflict("Submission was modified by another request")
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = m.tick()
	m.subs[s.ID] = s.clone()
	return nil
}

func (m *mockRepo) Delete(_ context.Context, id string) (*Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok {
		return nil, apperr.NotFound("Submission not found")
	}
	delete(m.subs, id)
	return s, nil
}

func (m *mockRepo) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[Status]int{}
	for _, s := range m.subs {
		counts[s.Status]++
	}
	return counts, nil
}

func (m *mockRepo) ReferencedBlobs(_ context.Context) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	refs := map[string]bool{}
	for _, s := range m.subs {
		for _, n := range s.BlobNames() {
			refs[n] = true
		}
	}
	return refs, nil
}

// -- Collaborator fakes --

type fakeRenderer struct {
	err   error
	calls int
	last  render.ReportData
}

func (f *fakeRenderer) Render(_ context.Context, data render.ReportData) ([]byte, error) {
	f.calls++
	f.last = data
	if f.err != nil {
		return nil, f.err
	}
	return []byte("%PDF-1.4 report for " + data.SubmissionID), nil
}

type fakeFlattener struct {
	err   error
	calls int
}

func (f *fakeFlattener) Flatten(_ context.Context, _ []byte, _ *annotation.Document) ([]byte, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return testPNG(), nil
}

type fakeUsers map[string]*UserInfo

func (f fakeUsers) GetByID(_ context.Context, id string) (*UserInfo, error) {
	u, ok := f[id]
	if !ok {
		return nil, apperr.NotFound("User not found")
	}
	return u, nil
}

// flakyStore fails selected operations of an InMemoryStore.
type flakyStore struct {
	*blobstore.InMemoryStore
	putErr    error
	deleteErr error
	failKind  blobstore.Kind
}

func (f *flakyStore) Put(ctx context.Context, kind blobstore.Kind, ext string, r io.Reader) (string, error) {
	if f.putErr != nil && (f.failKind == "" || f.failKind == kind) {
		return "", f.putErr
	}
	return f.InMemoryStore.Put(ctx, kind, ext, r)
}

func (f *flakyStore) Delete(ctx context.Context, name string) (bool, error) {
	if f.deleteErr != nil {
		return false, f.deleteErr
	}
	return f.InMemoryStore.Delete(ctx, name)
}

// -- Fixtures --

var (
	patientA = auth.Actor{UserID: "11111111-1111-1111-1111-111111111111", Email: "alice@example.com", Name: "Alice", Role: auth.RolePatient, PatientID: "P-001"}
	patientB = auth.Actor{UserID: "22222222-2222-2222-2222-222222222222", Email: "bob@example.com", Name: "Bob", Role: auth.RolePatient, PatientID: "P-002"}
	adminX   = auth.Actor{UserID: "33333333-3333-3333-3333-333333333333", Email: "house@clinic.test", Name: "Dr. House", Role: auth.RoleAdmin}
)

var errBoom = errors.New("boom")

type testEnv struct {
	svc      *Service
	repo     *mockRepo
	blobs    *flakyStore
	renderer *fakeRenderer
	users    fakeUsers
}

func newTestEnv(opts ...Option) *testEnv {
	env := &testEnv{
		repo:     newMockRepo(),
		blobs:    &flakyStore{InMemoryStore: blobstore.NewInMemoryStore()},
		renderer: &fakeRenderer{},
		users: fakeUsers{
			patientA.UserID: {ID: patientA.UserID, Name: patientA.Name, Email: patientA.Email},
			patientB.UserID: {ID: patientB.UserID, Name: patientB.Name, Email: patientB.Email},
			adminX.UserID:   {ID: adminX.UserID, Name: adminX.Name, Email: adminX.Email},
		},
	}
	urls := blobstore.NewURLResolver("http://files.test", blobstore.PolicyPublic, nil, 0)
	env.svc = NewService(env.repo, env.blobs, urls, env.renderer, env.users, opts...)
	return env
}

func testPNG() []byte {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

func pngUpload() *ImageUpload {
	data := testPNG()
	return &ImageUpload{
		Filename:    "scan.png",
		ContentType: "image/png",
		Size:        int64(len(data)),
		Content:     bytes.NewReader(data),
	}
}

func validDetails() PatientDetails {
	return PatientDetails{Name: "Alice Smith", PatientID: "P-001", Email: "Alice@Example.com", Note: "upper molar pain"}
}

func mustCreate(t *testing.T, env *testEnv, actor auth.Actor) *View {
	t.Helper()
	v, err := env.svc.Create(context.Background(), actor, pngUpload(), validDetails())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return v
}

func expectKind(t *testing.T, err error, kind apperr.Kind) *apperr.Error {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", kind)
	}
	e, ok := apperr.As(err)
	if !ok {
		t.Fatalf("expected *apperr.Error, got %T: %v", err, err)
	}
	if e.Kind != kind {
		t.Fatalf("expected kind %s, got %s (%v)", kind, e.Kind, err)
	}
	return e
}

func hasField(e *apperr.Error, field string) bool {
	for _, f := range e.Fields {
		if f.Field == field {
			return true
		}
	}
	return false
}

const validAnnotation = `{
	"annotations": [
		{"type": "rectangle", "data": {"x": 10, "y": 10, "width": 40, "height": 30}, "timestamp": "2026-01-01T10:00:00Z"},
		{"type": "circle", "data": {"x": 60, "y": 60, "radius": 12}, "timestamp": "2026-01-01T10:00:01Z"}
	],
	"canvasWidth": 800,
	"canvasHeight": 600
}`

func strPtr(s string) *string { return &s }
func intPtr(i int) *int       { return &i }

// fabricCanvas is a canvas.toJSON() export from the browser annotator.
const fabricCanvas = `{"version":"5.3.0","objects":[{"type":"rect","left":12.5,"top":40,"width":80,"height":35,"fill":"transparent","stroke":"#ff0000","strokeWidth":3},{"type":"circle","left":140,"top":60,"radius":18,"stroke":"#00ff00"}],"background":""}`
