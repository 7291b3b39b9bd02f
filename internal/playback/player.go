package playback

import (
	"iter"
	"sync"

	"go.uber.org/zap"

	"github.com/precepto/recorder/domain/entities"
)

// Update announces a newly composed artifact
type Update struct {
	Handle   Handle
	Version  uint64
	Artifact *Artifact
}

// Player holds the current playable artifact of one recording.
// At most one handle is live per player; a newer composition releases the
// one it supersedes.
type Player struct {
	compositor *Compositor
	logger     *zap.Logger

	mu          sync.Mutex
	current     Update
	composed    bool
	closed      bool
	subscribers map[chan Update]struct{}
}

// NewPlayer creates a player publishing through compositor
func NewPlayer(compositor *Compositor, logger *zap.Logger) *Player {
	return &Player{
		compositor:  compositor,
		logger:      logger,
		subscribers: make(map[chan Update]struct{}),
	}
}

// Recompose renders chunks when version differs from the last composition.
// It returns the current update and whether a new artifact was published.
func (p *Player) Recompose(version uint64, chunks iter.Seq[entities.AudioChunk]) (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Update{}, false
	}
	if p.composed && p.current.Version == version {
		return p.current, false
	}

	artifact := p.compositor.Compose(chunks)
	next := Update{
		Handle:   p.compositor.Publish(artifact),
		Version:  version,
		Artifact: artifact,
	}

	if p.composed {
		p.compositor.Release(p.current.Handle)
	}
	p.current = next
	p.composed = true

	p.logger.Debug("Artifact recomposed",
		zap.String("handle", string(next.Handle)),
		zap.Uint64("version", version),
		zap.Int("chunks", artifact.ChunkCount),
		zap.Int("bytes", len(artifact.Data)))

	for ch := range p.subscribers {
		// latest wins: drop a stale update nobody read yet
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next, true
}

// Current returns the live update, if anything was composed yet
func (p *Player) Current() (Update, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current, p.composed
}

// Subscribe returns a channel receiving the latest update and a cancel func.
// The channel is closed on cancel or when the player closes.
func (p *Player) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, 1)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	p.subscribers[ch] = struct{}{}
	if p.composed {
		ch <- p.current
	}
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subscribers[ch]; ok {
				delete(p.subscribers, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions
func (p *Player) Subscribers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subscribers)
}

// Close releases the current handle and ends all subscriptions
func (p *Player) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	if p.composed {
		p.compositor.Release(p.current.Handle)
	}
	for ch := range p.subscribers {
		close(ch)
	}
	clear(p.subscribers)
}
