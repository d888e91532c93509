package secevents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"southwinds.dev/secevents/audit"
	"southwinds.dev/secevents/persist"
)

type testEnv struct {
	store       *persist.FileSystemStore
	vault       *spyVault
	checkpoints *CheckpointStore
	profiles    *ProfileStore
	audit       *recordingAudit
	opts        Options
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store, err := persist.NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	rec := &recordingAudit{}
	opts := Options{Logger: logger, Audit: rec}

	vault := &spyVault{MemoryVault: NewMemoryVault()}
	checkpoints := NewCheckpointStore(store, opts)
	return &testEnv{
		store:       store,
		vault:       vault,
		checkpoints: checkpoints,
		profiles:    NewProfileStore(store, vault, checkpoints, opts),
		audit:       rec,
		opts:        opts,
	}
}

func boolPtr(b bool) *bool { return &b }
func strPtr(s string) *string { return &s }

// spyVault counts lookups so tests can assert the vault was never consulted
type spyVault struct {
	*MemoryVault
	mu        sync.Mutex
	gets      int
	deleteErr error
}

func (s *spyVault) Delete(service, account string) error {
	s.mu.Lock()
	err := s.deleteErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.MemoryVault.Delete(service, account)
}

func (s *spyVault) Get(service, account string) (string, bool, error) {
	s.mu.Lock()
	s.gets++
	s.mu.Unlock()
	return s.MemoryVault.Get(service, account)
}

func (s *spyVault) Gets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

type recordingAudit struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingAudit) Log(action string, success bool, metadata map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := audit.Event{Action: action, Success: success, Metadata: metadata}
	if p, ok := metadata["profile"].(string); ok {
		e.Profile = p
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recordingAudit) Query(audit.QueryOptions) (audit.QueryResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return audit.QueryResult{Events: append([]audit.Event(nil), r.events...), TotalCount: len(r.events)}, nil
}

func (r *recordingAudit) Close() error { return nil }

func (r *recordingAudit) actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Action)
	}
	return out
}

// failingStore wraps a store and fails every Save once armed
type failingStore struct {
	persist.Store
	failSaves bool
}

func (f *failingStore) Save(name string, data []byte, expectedVersion string) (string, error) {
	if f.failSaves {
		return "", errors.New("disk full")
	}
	return f.Store.Save(name, data, expectedVersion)
}

type fakeSession struct {
	cfg    SessionConfig
	closed bool
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeSessionFactory struct {
	mu       sync.Mutex
	err      error
	sessions []*fakeSession
}

func (f *fakeSessionFactory) NewSession(_ context.Context, cfg SessionConfig) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{cfg: cfg}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeSessionFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

// fakeExtractor delivers pages in the order given, regardless of Seq
type fakeExtractor struct {
	pages   []Page
	err     error
	queries []Query
}

func (f *fakeExtractor) Extract(ctx context.Context, _ Session, q Query, handler PageHandler) error {
	f.queries = append(f.queries, q)
	for _, p := range f.pages {
		if err := handler(ctx, p); err != nil {
			return err
		}
	}
	return f.err
}

func (f *fakeExtractor) lastQuery() Query {
	return f.queries[len(f.queries)-1]
}

// memorySink records delivered pages and can be told to fail on a given Seq
type memorySink struct {
	mu     sync.Mutex
	pages  []Page
	failOn int
	closed bool
}

func newMemorySink() *memorySink {
	return &memorySink{failOn: -1}
}

func (m *memorySink) Write(_ context.Context, page Page) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if page.Seq == m.failOn {
		return errors.New("broken pipe")
	}
	m.pages = append(m.pages, page)
	return nil
}

func (m *memorySink) Close() error {
	m.closed = true
	return nil
}

func (m *memorySink) seqs() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int, 0, len(m.pages))
	for _, p := range m.pages {
		out = append(out, p.Seq)
	}
	sort.Ints(out)
	return out
}

func page(seq int, marker time.Time) Page {
	return Page{
		Seq:                   seq,
		MaxInsertionTimestamp: marker,
		Body:                  []byte(`{"fileEvents":[{"eventId":"x"}]}`),
		Events:                [][]byte{[]byte(`{"eventId":"x"}`)},
	}
}
