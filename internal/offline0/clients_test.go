package offline0

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientHubDropsWhenBufferFull(t *testing.T) {
	h := newClientHub(1)
	c, unsubscribe := h.Subscribe()

	assert.Equal(t, 1, h.Broadcast(newMessage(MsgReady, nil), true))
	assert.Equal(t, 0, h.Broadcast(newMessage(MsgReady, nil), true))
	assert.EqualValues(t, 1, h.dropped.Load())
	assert.Equal(t, MsgReady, (<-c.ch).Type)

	unsubscribe()
	assert.Zero(t, h.Len())
	assert.Zero(t, h.Broadcast(newMessage(MsgReady, nil), true))
}

func TestClientHubSkipsUncontrolledClients(t *testing.T) {
	h := newClientHub(4)
	c, unsubscribe := h.Subscribe()
	defer unsubscribe()

	assert.Zero(t, h.Broadcast(newMessage(MsgSyncSuccess, nil), false))
	assert.Equal(t, 1, h.Broadcast(newMessage(MsgReady, nil), true))
	assert.Equal(t, MsgReady, (<-c.ch).Type)

	assert.Equal(t, 1, h.Claim())
	assert.True(t, c.controlled.Load())
	assert.Equal(t, 1, h.Broadcast(newMessage(MsgSyncSuccess, nil), false))
	assert.Equal(t, MsgSyncSuccess, (<-c.ch).Type)
}

func TestUncontrolledClientOnlySeesReady(t *testing.T) {
	origin, _ := syncOrigin(t, http.StatusOK, -1)
	svc := newTestService(t, testConfig(t, origin.URL))
	c, unsubscribe := svc.clients.Subscribe()
	defer unsubscribe()

	svc.Install(bg())
	m := nextMessage(t, c)
	assert.Equal(t, MsgReady, m.Type)

	assert.Zero(t, svc.Push(PushPayload{Body: "hidden"}))
	enqueue(t, svc, `{"n":1}`)
	rep, err := svc.RunSync(bg())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Synced)
	noMessage(t, c)
	assert.False(t, c.controlled.Load())
}

func TestReadyMessageEncodesBuildID(t *testing.T) {
	b, err := json.Marshal(newMessage(MsgReady, nil))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"buildId":null`)

	id := "b3"
	m := newMessage(MsgReady, nil)
	m.BuildID = &id
	b, err = json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"buildId":"b3"`)
	assert.Equal(t, 1, strings.Count(string(b), "buildId"))

	b, err = json.Marshal(newMessage(MsgSyncSuccess, map[string]int{"n": 1}))
	require.NoError(t, err)
	assert.NotContains(t, string(b), "buildId")
}

func TestEventStream(t *testing.T) {
	origin := newTestOrigin(t)
	svc := activeService(t, origin.URL)
	srv := httptest.NewServer(svc.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(bg(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+controlPath+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	// the stream opens with a comment naming the client
	require.True(t, sc.Scan())
	require.True(t, strings.HasPrefix(sc.Text(), ": client "))

	require.Eventually(t, func() bool { return svc.clients.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	svc.Push(PushPayload{Title: "Saved", Body: "Expense stored"})

	var event, data string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
		if data != "" {
			break
		}
	}
	assert.Equal(t, MsgNotification, event)
	var m struct {
		Type string      `json:"type"`
		Data PushPayload `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(data), &m))
	assert.Equal(t, "Saved", m.Data.Title)
}

func TestStatsCollector(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	s.Observe(sourceNetwork, 100)
	s.Observe(sourceHit, 300)
	s.Observe(sourceFallback, 50)

	snap := s.Snapshot()
	assert.EqualValues(t, 2, snap.Served)
	assert.EqualValues(t, 400, snap.ServedBytes)
	assert.EqualValues(t, 100, snap.MinRespBytes)
	assert.EqualValues(t, 300, snap.MaxRespBytes)
	assert.EqualValues(t, 200, snap.AvgRespBytes)
	assert.EqualValues(t, 1, snap.Fallbacks)
}

func TestMetricsEndpoint(t *testing.T) {
	origin := newTestOrigin(t)
	origin.offline.Store(true)
	svc := activeService(t, origin.URL)
	h := svc.Handler()

	get(t, h, "/api/items", nil)
	w := get(t, h, controlPath+"/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `offline0_responses_total{source="fallback",strategy="api"} 1`)
}
