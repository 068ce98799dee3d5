package audit

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alertmesh/backend/internal/core"
	"github.com/alertmesh/backend/internal/storage"
)

// flakyStore fails the first n inserts, then behaves normally.
type flakyStore struct {
	storage.Store
	failures int
	attempts int
}

func (f *flakyStore) InsertOne(ctx context.Context, collection string, doc storage.Doc) error {
	f.attempts++
	if f.attempts <= f.failures {
		return errors.New("storage unavailable")
	}
	return f.Store.InsertOne(ctx, collection, doc)
}

func entry(action string) *core.AuditLog {
	return &core.AuditLog{
		TenantID:   "acme",
		ActorID:    "u-1",
		Action:     action,
		TargetType: "incident",
		TargetID:   "inc-1",
	}
}

func TestRecordPersistsEntry(t *testing.T) {
	store := storage.NewMemory()
	rec := NewRecorder(store)
	ctx := context.Background()

	rec.Record(ctx, entry(ActionIncidentCreated))

	logs, err := rec.List(ctx, "acme", "", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionIncidentCreated, logs[0].Action)
	assert.NotEmpty(t, logs[0].ID)
	assert.NotZero(t, logs[0].Timestamp)
	assert.Equal(t, "ok", logs[0].Status)
}

func TestRecordRetriesTransientFailure(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemory(), failures: 2}
	rec := NewRecorder(store)
	ctx := context.Background()

	rec.Record(ctx, entry(ActionUserLogin))

	assert.Equal(t, 0, rec.Pending(), "third attempt should have landed")
	logs, err := rec.List(ctx, "acme", "", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRecordDeadLettersAndRecovers(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemory(), failures: 3}
	rec := NewRecorder(store)
	ctx := context.Background()

	// All three attempts fail; the entry parks in the dead letter buffer.
	rec.Record(ctx, entry(ActionIncidentUpdated))
	assert.Equal(t, 1, rec.Pending())

	// The next successful write drains the buffer.
	rec.Record(ctx, entry(ActionIncidentResolved))
	assert.Equal(t, 0, rec.Pending())

	logs, err := rec.List(ctx, "acme", "", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestFlushReportsStuckEntries(t *testing.T) {
	store := &flakyStore{Store: storage.NewMemory(), failures: 1000}
	rec := NewRecorder(store)
	ctx := context.Background()

	rec.Record(ctx, entry(ActionIncidentCreated))
	require.Equal(t, 1, rec.Pending())

	err := rec.Flush(ctx)
	require.Error(t, err)
	assert.Equal(t, core.KindTransient, core.KindOf(err))
}

func TestListFiltersByTarget(t *testing.T) {
	rec := NewRecorder(storage.NewMemory())
	ctx := context.Background()

	e1 := entry(ActionIncidentCreated)
	e2 := entry(ActionApprovalDecided)
	e2.TargetID = "inc-2"
	rec.Record(ctx, e1)
	rec.Record(ctx, e2)

	logs, err := rec.List(ctx, "acme", "inc-2", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, ActionApprovalDecided, logs[0].Action)
}
