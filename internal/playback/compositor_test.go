package playback

import (
	"bytes"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
	"github.com/precepto/recorder/internal/timeline"
)

func TestCompose_ConcatenatesInStartOrder(t *testing.T) {
	chunks := []entities.AudioChunk{
		{ID: "b", StartTime: 5, EndTime: 9, Payload: []byte("B")},
		{ID: "a", StartTime: 0, EndTime: 5, Payload: []byte("A")},
	}

	artifact := Compose(slices.Values(chunks))
	assert.Equal(t, []byte("AB"), artifact.Data)
	assert.Equal(t, 2, artifact.ChunkCount)
	assert.Equal(t, 9.0, artifact.Duration)
}

func TestCompose_EmptyTimeline(t *testing.T) {
	artifact := Compose(slices.Values([]entities.AudioChunk(nil)))
	assert.Empty(t, artifact.Data)
	assert.Equal(t, 0, artifact.ChunkCount)
}

func TestCompose_RoundTripMatchesActiveChunks(t *testing.T) {
	store := timeline.NewStore(timeline.SequentialIDs("c"), zap.NewNop())
	editor := timeline.NewEditor(store, zap.NewNop())

	store.AddChunk([]byte("ccc"), 9, 12)
	store.AddChunk([]byte("a"), 0, 5)
	store.AddChunk([]byte("bb"), 5, 9)
	editor.Replace(9, 12, []byte("Z"))
	editor.Insert(12, 14, []byte("tail"))

	var want bytes.Buffer
	for c := range store.ActiveChunks() {
		want.Write(c.Payload)
	}

	artifact := Compose(store.ActiveChunks())
	assert.Equal(t, want.Bytes(), artifact.Data)
	assert.Equal(t, []byte("abbZtail"), artifact.Data)
}

func TestCompositor_HandleLifecycle(t *testing.T) {
	c := NewCompositor("audio/webm", zap.NewNop())
	artifact := c.Compose(slices.Values([]entities.AudioChunk{
		{ID: "a", StartTime: 0, EndTime: 1, Payload: []byte("A")},
	}))
	assert.Equal(t, "audio/webm", artifact.ContentType)

	h := c.Publish(artifact)
	got, ok := c.Lookup(h)
	require.True(t, ok)
	assert.Same(t, artifact, got)

	assert.True(t, c.Release(h))
	assert.False(t, c.Release(h))
	_, ok = c.Lookup(h)
	assert.False(t, ok)

	c.Publish(artifact)
	c.Publish(artifact)
	assert.Equal(t, 2, c.Len())
	c.Close()
	assert.Equal(t, 0, c.Len())
}
