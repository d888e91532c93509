package secevents

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"
	"southwinds.dev/secevents/audit"
	"southwinds.dev/secevents/persist"
)

const checkpointsDocument = "checkpoints.yaml"

// Checkpoint is the high-water mark of a cursor: every event inserted at or
// before LastInsertionTimestamp has been delivered to the output sink.
type Checkpoint struct {
	Cursor                 string    `yaml:"-" json:"cursor"`
	LastInsertionTimestamp time.Time `yaml:"last_insertion_timestamp" json:"last_insertion_timestamp"`
	UpdatedAt              time.Time `yaml:"updated_at" json:"updated_at"`
}

type checkpointDocument struct {
	Checkpoints map[string]Checkpoint `yaml:"checkpoints"`
}

// CheckpointStore persists one checkpoint per cursor name in a single YAML
// document. Writes replace the whole document with an optimistic version
// check, so concurrent writers never interleave bytes.
type CheckpointStore struct {
	store persist.Store
	audit audit.Logger
	clock func() time.Time

	// serializes read-modify-write cycles within this process
	mu sync.Mutex
}

// NewCheckpointStore returns a store keeping its document in store
func NewCheckpointStore(store persist.Store, opts Options) *CheckpointStore {
	opts = opts.withDefaults()
	return &CheckpointStore{
		store: store,
		audit: opts.Audit,
		clock: opts.Clock,
	}
}

// Get returns the stored marker for cursor. ok is false on the first run.
func (s *CheckpointStore) Get(ctx context.Context, cursor string) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}

	doc, _, err := s.load()
	if err != nil {
		return time.Time{}, false, err
	}

	cp, ok := doc.Checkpoints[cursor]
	if !ok {
		return time.Time{}, false, nil
	}
	return cp.LastInsertionTimestamp, true, nil
}

// Replace durably overwrites the marker for cursor. It does not enforce
// monotonicity; callers only ever pass increasing values.
func (s *CheckpointStore) Replace(ctx context.Context, cursor string, ts time.Time) error {
	if cursor == "" {
		return validationErrorf("cursor name cannot be empty")
	}

	err := s.mutate(ctx, "replaceCheckpoint", func(doc *checkpointDocument) error {
		doc.Checkpoints[cursor] = Checkpoint{
			LastInsertionTimestamp: ts.UTC(),
			UpdatedAt:              s.clock().UTC(),
		}
		return nil
	})

	_ = s.audit.Log(audit.ActionCheckpointAdvance, err == nil, map[string]interface{}{
		"cursor":    cursor,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
	return err
}

// Delete removes the checkpoint for cursor. A missing checkpoint is not an error.
func (s *CheckpointStore) Delete(ctx context.Context, cursor string) error {
	removed := false
	err := s.mutate(ctx, "deleteCheckpoint", func(doc *checkpointDocument) error {
		if _, ok := doc.Checkpoints[cursor]; !ok {
			return errNoChange
		}
		delete(doc.Checkpoints, cursor)
		removed = true
		return nil
	})

	if removed || err != nil {
		_ = s.audit.Log(audit.ActionCheckpointDelete, err == nil, map[string]interface{}{
			"cursor": cursor,
		})
	}
	return err
}

// Rename moves the checkpoint of from to to, replacing anything stored under to.
func (s *CheckpointStore) Rename(ctx context.Context, from, to string) error {
	if to == "" {
		return validationErrorf("cursor name cannot be empty")
	}
	return s.mutate(ctx, "renameCheckpoint", func(doc *checkpointDocument) error {
		cp, ok := doc.Checkpoints[from]
		if !ok {
			return errNoChange
		}
		delete(doc.Checkpoints, from)
		doc.Checkpoints[to] = cp
		return nil
	})
}

// List returns every checkpoint ordered by cursor name
func (s *CheckpointStore) List(ctx context.Context) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	doc, _, err := s.load()
	if err != nil {
		return nil, err
	}

	checkpoints := lo.MapToSlice(doc.Checkpoints, func(cursor string, cp Checkpoint) Checkpoint {
		cp.Cursor = cursor
		return cp
	})
	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].Cursor < checkpoints[j].Cursor
	})
	return checkpoints, nil
}

// errNoChange short-circuits a mutation that would not alter the document
var errNoChange = errors.New("no change")

func (s *CheckpointStore) mutate(ctx context.Context, operation string, fn func(doc *checkpointDocument) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := withRetry(ctx, operation, func() error {
		doc, version, err := s.load()
		if err != nil {
			return err
		}
		if err = fn(doc); err != nil {
			return err
		}

		data, err := yaml.Marshal(doc)
		if err != nil {
			return storageError("encode "+checkpointsDocument, err)
		}
		if _, err = s.store.Save(checkpointsDocument, data, version); err != nil {
			return storageError("save "+checkpointsDocument, err)
		}
		return nil
	})
	if errors.Is(err, errNoChange) {
		return nil
	}
	return err
}

func (s *CheckpointStore) load() (*checkpointDocument, string, error) {
	doc := &checkpointDocument{Checkpoints: map[string]Checkpoint{}}

	vd, err := s.store.Load(checkpointsDocument)
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			return doc, "", nil
		}
		return nil, "", storageError("load "+checkpointsDocument, err)
	}

	if err = yaml.Unmarshal(vd.Data, doc); err != nil {
		return nil, "", storageError("decode "+checkpointsDocument, err)
	}
	if doc.Checkpoints == nil {
		doc.Checkpoints = map[string]Checkpoint{}
	}
	return doc, vd.Version, nil
}
