package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/internal/supervisor"
	"github.com/agendo-io/supervisor/pkg/types"
)

type fakeStore struct {
	sessions map[string]*types.Session
	backlog  map[string][]types.AgendoEvent
}

func (f *fakeStore) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	sess, ok := f.sessions[sessionID]
	if !ok {
		return nil, assert.AnError
	}
	return sess, nil
}

func (f *fakeStore) EventsSince(ctx context.Context, sessionID string, sinceID int64) ([]types.AgendoEvent, error) {
	var out []types.AgendoEvent
	for _, ev := range f.backlog[sessionID] {
		if ev.ID > sinceID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func newTestServer(store *fakeStore) (*Server, *event.Bus) {
	bus := event.NewBus()
	registry := supervisor.NewRegistry()
	cfg := DefaultConfig()
	cfg.EnableCORS = false
	return New(cfg, store, registry, bus), bus
}

func TestHealthzReportsSessionCount(t *testing.T) {
	srv, _ := newTestServer(&fakeStore{})
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"sessions":0`)
}

func TestPostControlReturns404ForUnknownSession(t *testing.T) {
	srv, _ := newTestServer(&fakeStore{sessions: map[string]*types.Session{}})
	body := strings.NewReader(`{"type":"interrupt"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/missing/control", body)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostControlPublishesToControlChannel(t *testing.T) {
	store := &fakeStore{sessions: map[string]*types.Session{"s1": {ID: "s1", Status: types.StatusActive}}}
	srv, bus := newTestServer(store)

	received := make(chan *types.AgendoControl, 1)
	_, cancel := bus.Subscribe(event.ControlChannel("s1"), func(msg any) {
		ctrl, ok := msg.(*types.AgendoControl)
		if ok {
			received <- ctrl
		}
	})
	defer cancel()

	body := strings.NewReader(`{"type":"interrupt"}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/control", body)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	select {
	case ctrl := <-received:
		assert.Equal(t, types.ControlInterrupt, ctrl.Type)
	default:
		t.Fatal("control message was not published synchronously")
	}
}

func TestPostControlRejectsMissingType(t *testing.T) {
	store := &fakeStore{sessions: map[string]*types.Session{"s1": {ID: "s1"}}}
	srv, _ := newTestServer(store)

	body := strings.NewReader(`{}`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/control", body)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPostControlRejectsInvalidJSON(t *testing.T) {
	store := &fakeStore{sessions: map[string]*types.Session{"s1": {ID: "s1"}}}
	srv, _ := newTestServer(store)

	body := strings.NewReader(`not json`)
	req := httptest.NewRequest(http.MethodPost, "/sessions/s1/control", body)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
