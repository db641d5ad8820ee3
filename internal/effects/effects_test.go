package effects

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRecorder struct {
	mu    sync.Mutex
	types []string
}

func (m *memRecorder) RecordActivity(_ context.Context, activityType string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types = append(m.types, activityType)
	return nil
}

func (m *memRecorder) got() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.types...)
}

func startPipeline(t *testing.T, r Recorder) *Pipeline {
	t.Helper()
	p := New(r)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func drain(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

func TestPipelineDeliversInOrder(t *testing.T) {
	rec := &memRecorder{}
	p := startPipeline(t, rec)

	p.Fire(Activity{Type: "120"})
	p.Fire(Activity{Type: "100"})
	p.Fire(Activity{Type: "130"})
	drain(t, p)

	assert.Equal(t, []string{"120", "100", "130"}, rec.got())
	assert.Equal(t, 0, p.Pending())
}

func TestPipelineSwallowsErrorsAndPanics(t *testing.T) {
	rec := &memRecorder{}
	var calls int
	r := RecorderFunc(func(ctx context.Context, typ string, md map[string]any) error {
		calls++
		switch calls {
		case 1:
			return errors.New("activity service down")
		case 2:
			panic("recorder bug")
		}
		return rec.RecordActivity(ctx, typ, md)
	})
	p := startPipeline(t, r)

	p.Fire(Activity{Type: "120"})
	p.Fire(Activity{Type: "120"})
	p.Fire(Activity{Type: "100"})
	drain(t, p)

	assert.Equal(t, []string{"100"}, rec.got(), "the worker survives failures")
}

func TestFireNeverBlocksWithoutWorker(t *testing.T) {
	p := New(&memRecorder{})
	for range 1000 {
		p.Fire(Activity{Type: "120"})
	}
	assert.Equal(t, 1000, p.Pending())
}

func TestCloseDrainsThenStops(t *testing.T) {
	rec := &memRecorder{}
	p := New(rec)
	p.Fire(Activity{Type: "120"})
	p.Close()
	p.Fire(Activity{Type: "100"}) // dropped

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, []string{"120"}, rec.got())
}

func TestDrainHonorsContext(t *testing.T) {
	p := New(&memRecorder{})
	p.Fire(Activity{Type: "120"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Drain(ctx), context.DeadlineExceeded)
}

func TestActivityFor(t *testing.T) {
	typ, ok := ActivityFor("vote")
	require.True(t, ok)
	assert.Equal(t, "120", typ)

	_, ok = ActivityFor("transfer")
	assert.False(t, ok)
}

func TestHTTPRecorder(t *testing.T) {
	var got activityBody
	r := chi.NewRouter()
	r.Post("/activity", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	})
	r.Post("/broken", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	rec := &HTTPRecorder{Endpoint: srv.URL + "/activity", Username: "alice"}
	require.NoError(t, rec.RecordActivity(context.Background(), "120", map[string]any{"permlink": "hello"}))
	assert.Equal(t, "120", got.Type)
	assert.Equal(t, "alice", got.Username)
	assert.Equal(t, "hello", got.Metadata["permlink"])

	broken := &HTTPRecorder{Endpoint: srv.URL + "/broken"}
	assert.ErrorContains(t, broken.RecordActivity(context.Background(), "120", nil), "502")
}
