package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agendo-io/supervisor/internal/event"
	"github.com/agendo-io/supervisor/pkg/types"
)

func TestSessionEventsReplaysBacklogThenStreamsLive(t *testing.T) {
	store := &fakeStore{
		sessions: map[string]*types.Session{"s1": {ID: "s1"}},
		backlog: map[string][]types.AgendoEvent{
			"s1": {{ID: 1, SessionID: "s1", Type: types.EventSystemInfo}},
		},
	}
	srv, bus := newTestServer(store)

	ts := httptest.NewServer(srv.router)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/sessions/s1/events", nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	scanner := bufio.NewScanner(resp.Body)
	require.True(t, scanner.Scan())
	require.Contains(t, scanner.Text(), `"type":"system:info"`)

	// Drain the blank line separator.
	scanner.Scan()

	// Give the handler time to attach its live subscription, then publish.
	time.Sleep(50 * time.Millisecond)
	bus.Publish(context.Background(), event.EventsChannel("s1"), types.AgendoEvent{ID: 2, SessionID: "s1", Type: types.EventAgentText})

	require.True(t, scanner.Scan())
	require.True(t, strings.Contains(scanner.Text(), `"type":"agent:text"`))
}
