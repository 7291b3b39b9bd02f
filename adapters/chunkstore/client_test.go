package chunkstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/precepto/recorder/domain"
	"github.com/precepto/recorder/domain/entities"
)

type published struct {
	subject string
	payload []byte
	headers map[string]string
}

type requested struct {
	subject string
	payload []byte
	timeout time.Duration
}

type fakeMessenger struct {
	mu         sync.Mutex
	published  []published
	requests   []requested
	reply      []byte
	publishErr error
	requestErr error
}

func (f *fakeMessenger) Publish(subject string, payload []byte, headers map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, published{subject, payload, headers})
	return nil
}

func (f *fakeMessenger) Request(ctx context.Context, subject string, payload []byte, timeout time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, requested{subject, payload, timeout})
	if f.requestErr != nil {
		return nil, f.requestErr
	}
	return f.reply, nil
}

func newClient(m *fakeMessenger) *Client {
	return NewClient(m, Options{}, zap.NewNop()).(*Client)
}

func TestPutChunkPublishesHeaders(t *testing.T) {
	m := &fakeMessenger{}
	c := newClient(m)

	chunk := entities.AudioChunk{ID: "c-1", StartTime: 1.5, EndTime: 3, Payload: []byte("opus")}
	require.NoError(t, c.PutChunk(context.Background(), "rec-1", chunk))

	require.Len(t, m.published, 1)
	p := m.published[0]
	assert.Equal(t, domain.SubjectChunkPut, p.subject)
	assert.Equal(t, []byte("opus"), p.payload)
	assert.Equal(t, "rec-1", p.headers[domain.HeaderRecordingID])
	assert.Equal(t, "c-1", p.headers[domain.HeaderChunkID])
	assert.Equal(t, domain.DefaultContentType, p.headers[domain.HeaderContentType])

	var meta domain.ChunkMetadata
	require.NoError(t, json.Unmarshal([]byte(p.headers[domain.HeaderMetadata]), &meta))
	assert.Equal(t, domain.ChunkMetadata{StartTime: 1.5, EndTime: 3}, meta)
}

func TestPutChunkWrapsTransportError(t *testing.T) {
	m := &fakeMessenger{publishErr: errors.New("connection closed")}
	c := newClient(m)

	err := c.PutChunk(context.Background(), "rec-1", entities.AudioChunk{ID: "c-1", EndTime: 1})
	assert.ErrorIs(t, err, domain.ErrTransport)
}

func TestRemoveChunkPublishesIDs(t *testing.T) {
	m := &fakeMessenger{}
	c := newClient(m)

	require.NoError(t, c.RemoveChunk(context.Background(), "rec-1", "c-9"))
	require.Len(t, m.published, 1)
	assert.Equal(t, domain.SubjectChunkRemove, m.published[0].subject)
	assert.Equal(t, "c-9", m.published[0].headers[domain.HeaderChunkID])
}

func TestGetAllDecodesChunks(t *testing.T) {
	reply, err := json.Marshal([]domain.RemoteChunk{
		{ID: "a", StartTime: 0, EndTime: 1, Data: []byte{1, 2}},
		{ID: "b", StartTime: 1, EndTime: 2, Data: []byte{3}},
	})
	require.NoError(t, err)

	m := &fakeMessenger{reply: reply}
	c := newClient(m)

	chunks, err := c.GetAll(context.Background(), "rec-1", "token-x")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, entities.ChunkID("a"), chunks[0].ID)
	assert.Equal(t, []byte{1, 2}, chunks[0].Payload)
	assert.Equal(t, entities.ChunkStatusSynced, chunks[1].Status)

	var req domain.RecordingRequest
	require.NoError(t, json.Unmarshal(m.requests[0].payload, &req))
	assert.Equal(t, domain.RecordingRequest{AccessToken: "token-x", RecordingID: "rec-1"}, req)
	assert.Equal(t, DefaultRequestTimeout, m.requests[0].timeout)
}

func TestGetAllErrors(t *testing.T) {
	tests := []struct {
		name       string
		reply      []byte
		requestErr error
		want       error
	}{
		{"transport", nil, errors.New("timeout"), domain.ErrTransport},
		{"garbage", []byte("not json"), nil, domain.ErrMalformedResponse},
		{"wrong shape", []byte(`{"chunks":1}`), nil, domain.ErrMalformedResponse},
		{"rejected", []byte(`{"status":"error","message":"unauthorized"}`), nil, domain.ErrRemoteRejected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newClient(&fakeMessenger{reply: tt.reply, requestErr: tt.requestErr})
			_, err := c.GetAll(context.Background(), "rec-1", "token")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCombineUsesLongTimeout(t *testing.T) {
	m := &fakeMessenger{reply: []byte(`{"status":"ok"}`)}
	c := newClient(m)

	require.NoError(t, c.Combine(context.Background(), "rec-1", "token"))
	assert.Equal(t, domain.SubjectChunkCombine, m.requests[0].subject)
	assert.Equal(t, DefaultCombineTimeout, m.requests[0].timeout)
}

func TestDeleteAllStatus(t *testing.T) {
	tests := []struct {
		name  string
		reply string
		want  error
	}{
		{"ok", `{"status":"ok"}`, nil},
		{"rejected", `{"status":"error","message":"nope"}`, domain.ErrRemoteRejected},
		{"empty", `{}`, domain.ErrMalformedResponse},
		{"garbage", `]`, domain.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &fakeMessenger{reply: []byte(tt.reply)}
			err := newClient(m).DeleteAll(context.Background(), "rec-1", "token")
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
