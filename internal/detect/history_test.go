package detect

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replywatch/internal/models"
	"replywatch/internal/provider"
	"replywatch/internal/store"
)

// fakeCheckpoints is an in-memory CheckpointSource.
type fakeCheckpoints struct {
	checkpoints map[string]models.Checkpoint
	inits       int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{checkpoints: make(map[string]models.Checkpoint)}
}

func (f *fakeCheckpoints) GetCheckpoint(_ context.Context, mailbox string) (models.Checkpoint, error) {
	cp, ok := f.checkpoints[mailbox]
	if !ok {
		return models.Checkpoint{}, store.ErrNotFound
	}
	return cp, nil
}

func (f *fakeCheckpoints) InitCheckpoint(_ context.Context, mailbox, prov, position string) error {
	f.inits++
	if _, ok := f.checkpoints[mailbox]; ok {
		return nil
	}
	f.checkpoints[mailbox] = models.Checkpoint{
		Mailbox:      mailbox,
		Provider:     prov,
		LastPosition: position,
		SyncStatus:   models.SyncActive,
	}
	return nil
}

func historyLayer(src CheckpointSource) *HistoryLayer {
	return &HistoryLayer{Checkpoints: NewCheckpointCache(src, time.Minute), PageSize: 50}
}

func TestHistoryLayerSeedsFreshMailbox(t *testing.T) {
	src := newFakeCheckpoints()
	mbx := &fakeMailbox{history: provider.HistoryPage{NextPosition: "1000"}}

	res := historyLayer(src).Execute(context.Background(), mbx, layerInput())
	assert.True(t, res.Healthy)
	assert.False(t, res.Found)
	assert.Nil(t, res.Checkpoint)
	assert.Equal(t, 1, src.inits)
	assert.Equal(t, "1000", src.checkpoints["me@corp.io"].LastPosition)
	// The seed call asks the provider for a fresh cursor with an empty
	// position.
	assert.Equal(t, []string{""}, mbx.historyPositions)
}

func TestHistoryLayerScansFromCheckpoint(t *testing.T) {
	src := newFakeCheckpoints()
	src.checkpoints["me@corp.io"] = models.Checkpoint{
		Mailbox: "me@corp.io", Provider: "gmail", LastPosition: "1000", SyncStatus: models.SyncActive,
	}
	mbx := &fakeMailbox{history: provider.HistoryPage{
		Added:        []provider.Message{replyMessage()},
		NextPosition: "1042",
	}}

	res := historyLayer(src).Execute(context.Background(), mbx, layerInput())
	assert.True(t, res.Healthy)
	assert.True(t, res.Found)
	assert.Equal(t, []string{"1000"}, mbx.historyPositions)

	// The advance is deferred, not applied: the source still holds the old
	// position.
	require.NotNil(t, res.Checkpoint)
	assert.Equal(t, "1000", res.Checkpoint.FromPosition)
	assert.Equal(t, "1042", res.Checkpoint.ToPosition)
	assert.Equal(t, "1000", src.checkpoints["me@corp.io"].LastPosition)
}

func TestHistoryLayerNoAdvanceWhenPositionUnchanged(t *testing.T) {
	src := newFakeCheckpoints()
	src.checkpoints["me@corp.io"] = models.Checkpoint{
		Mailbox: "me@corp.io", LastPosition: "1000", SyncStatus: models.SyncActive,
	}
	mbx := &fakeMailbox{history: provider.HistoryPage{NextPosition: "1000"}}

	res := historyLayer(src).Execute(context.Background(), mbx, layerInput())
	assert.True(t, res.Healthy)
	assert.Nil(t, res.Checkpoint)
}

func TestHistoryLayerProviderFailure(t *testing.T) {
	src := newFakeCheckpoints()
	src.checkpoints["me@corp.io"] = models.Checkpoint{
		Mailbox: "me@corp.io", LastPosition: "1000", SyncStatus: models.SyncActive,
	}
	mbx := &fakeMailbox{historyErr: provider.ErrInvalidCursor}

	res := historyLayer(src).Execute(context.Background(), mbx, layerInput())
	assert.False(t, res.Healthy)
	assert.Equal(t, models.ErrKindTransient, res.ErrorKind)
	assert.Nil(t, res.Checkpoint)
}

func TestCheckpointCacheTTL(t *testing.T) {
	src := newFakeCheckpoints()
	src.checkpoints["me@corp.io"] = models.Checkpoint{Mailbox: "me@corp.io", LastPosition: "1"}
	cache := NewCheckpointCache(src, time.Hour)

	cp, err := cache.Get(context.Background(), "me@corp.io")
	require.NoError(t, err)
	assert.Equal(t, "1", cp.LastPosition)

	// Source moves; the cached copy is served until invalidated.
	src.checkpoints["me@corp.io"] = models.Checkpoint{Mailbox: "me@corp.io", LastPosition: "2"}
	cp, err = cache.Get(context.Background(), "me@corp.io")
	require.NoError(t, err)
	assert.Equal(t, "1", cp.LastPosition)

	cache.Invalidate("me@corp.io")
	cp, err = cache.Get(context.Background(), "me@corp.io")
	require.NoError(t, err)
	assert.Equal(t, "2", cp.LastPosition)
}
