package playback

import (
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
)

func chunksOf(payloads ...string) []entities.AudioChunk {
	var out []entities.AudioChunk
	for i, p := range payloads {
		out = append(out, entities.AudioChunk{
			ID:        entities.ChunkID(p),
			StartTime: float64(i),
			EndTime:   float64(i + 1),
			Payload:   []byte(p),
		})
	}
	return out
}

func TestPlayer_RecomposeReleasesSupersededHandle(t *testing.T) {
	c := NewCompositor("audio/webm", zap.NewNop())
	p := NewPlayer(c, zap.NewNop())

	first, published := p.Recompose(1, slices.Values(chunksOf("A")))
	require.True(t, published)

	second, published := p.Recompose(2, slices.Values(chunksOf("A", "B")))
	require.True(t, published)
	assert.NotEqual(t, first.Handle, second.Handle)

	_, ok := c.Lookup(first.Handle)
	assert.False(t, ok, "superseded handle must be revoked")
	a, ok := c.Lookup(second.Handle)
	require.True(t, ok)
	assert.Equal(t, []byte("AB"), a.Data)
	assert.Equal(t, 1, c.Len())
}

func TestPlayer_SameVersionDoesNotRecompose(t *testing.T) {
	c := NewCompositor("audio/webm", zap.NewNop())
	p := NewPlayer(c, zap.NewNop())

	first, _ := p.Recompose(7, slices.Values(chunksOf("A")))
	again, published := p.Recompose(7, slices.Values(chunksOf("X")))
	assert.False(t, published)
	assert.Equal(t, first.Handle, again.Handle)
}

func TestPlayer_SubscribersGetLatest(t *testing.T) {
	c := NewCompositor("audio/webm", zap.NewNop())
	p := NewPlayer(c, zap.NewNop())

	updates, cancel := p.Subscribe()
	defer cancel()

	p.Recompose(1, slices.Values(chunksOf("A")))
	p.Recompose(2, slices.Values(chunksOf("A", "B")))

	select {
	case u := <-updates:
		assert.Equal(t, uint64(2), u.Version)
		assert.Equal(t, []byte("AB"), u.Artifact.Data)
	case <-time.After(time.Second):
		t.Fatal("no update received")
	}
}

func TestPlayer_CloseReleasesEverything(t *testing.T) {
	c := NewCompositor("audio/webm", zap.NewNop())
	p := NewPlayer(c, zap.NewNop())

	updates, _ := p.Subscribe()
	u, _ := p.Recompose(1, slices.Values(chunksOf("A")))
	<-updates

	p.Close()
	_, ok := c.Lookup(u.Handle)
	assert.False(t, ok)

	_, open := <-updates
	assert.False(t, open)

	_, published := p.Recompose(2, slices.Values(chunksOf("B")))
	assert.False(t, published)
	assert.Equal(t, 0, c.Len())
}

func TestPlayer_SubscribersCount(t *testing.T) {
	p := NewPlayer(NewCompositor("audio/webm", zap.NewNop()), zap.NewNop())

	_, cancelA := p.Subscribe()
	_, cancelB := p.Subscribe()
	assert.Equal(t, 2, p.Subscribers())

	cancelA()
	cancelA()
	assert.Equal(t, 1, p.Subscribers())

	p.Close()
	assert.Zero(t, p.Subscribers())
	cancelB()
}
