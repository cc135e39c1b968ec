package progress

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

func TestServeEvents_RelaysUntilTerminal(t *testing.T) {
	states := fakeStates{"job-1": {Progress: 10}}
	withStreamServer(t, states, func(server *httptest.Server, pubsub *LocalPubSub) {
		resp, err := http.Get(server.URL + "/api/v1/backtests/job-1/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

		publish(t, pubsub, &Message{Kind: KindChart, JobId: "job-1", Chart: &ChartUpdate{Chart: EquityChart, Series: EquitySeries, Points: []Point{{X: 1, Y: 100}, {X: 2, Y: 101}}}})
		publish(t, pubsub, &Message{Kind: KindChart, JobId: "job-1", Chart: &ChartUpdate{Chart: "Benchmark", Series: "Benchmark", Points: []Point{{X: 1, Y: 5}}}})
		publish(t, pubsub, &Message{Kind: KindChart, JobId: "job-1", Chart: &ChartUpdate{Chart: EquityChart, Series: EquitySeries, Points: []Point{{X: 2, Y: 105}, {X: 3, Y: 106}}}})
		publish(t, pubsub, &Message{Kind: KindProgress, JobId: "job-1", Progress: 70})
		publish(t, pubsub, &Message{Kind: KindCompleted, JobId: "job-1", Progress: 100, Statistics: map[string]string{"Net Profit": "6%"}})

		events := readSSE(t, resp)
		require.Len(t, events, 4)

		assert.Equal(t, KindProgress, events[0].Type)
		assert.Equal(t, 10.0, events[0].Progress)
		assert.Equal(t, []Point{{X: 1, Y: 100}, {X: 2, Y: 101}}, events[0].EquityCurve)

		assert.Equal(t, []Point{{X: 1, Y: 100}, {X: 2, Y: 105}, {X: 3, Y: 106}}, events[1].EquityCurve)

		assert.Equal(t, KindProgress, events[2].Type)
		assert.Equal(t, 70.0, events[2].Progress)

		assert.Equal(t, KindCompleted, events[3].Type)
		assert.Equal(t, 100.0, events[3].Progress)
		assert.Equal(t, map[string]string{"Net Profit": "6%"}, events[3].Statistics)
		assert.Len(t, events[3].EquityCurve, 3)
	})
}

func TestServeEvents_TerminalJobGetsOneEvent(t *testing.T) {
	states := fakeStates{"job-1": {Kind: KindError, Progress: 50, Error: "Runtime Error: division by zero"}}
	withStreamServer(t, states, func(server *httptest.Server, _ *LocalPubSub) {
		resp, err := http.Get(server.URL + "/api/v1/backtests/job-1/events")
		require.NoError(t, err)
		defer resp.Body.Close()

		events := readSSE(t, resp)
		require.Len(t, events, 1)
		assert.Equal(t, KindError, events[0].Type)
		assert.Equal(t, "Runtime Error: division by zero", events[0].Error)
	})
}

func TestServeEvents_UnknownJob(t *testing.T) {
	withStreamServer(t, fakeStates{}, func(server *httptest.Server, pubsub *LocalPubSub) {
		resp, err := http.Get(server.URL + "/api/v1/backtests/missing/events")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Empty(t, pubsub.subscribers)
	})
}

func TestServeWebsocket_RelaysUntilTerminal(t *testing.T) {
	states := fakeStates{"job-1": {}}
	withStreamServer(t, states, func(server *httptest.Server, pubsub *LocalPubSub) {
		url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/v1/backtests/job-1/ws"
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		publish(t, pubsub, &Message{Kind: KindProgress, JobId: "job-1", Progress: 60})
		publish(t, pubsub, &Message{Kind: KindAborted, JobId: "job-1"})

		var first, second Event
		require.NoError(t, conn.ReadJSON(&first))
		require.NoError(t, conn.ReadJSON(&second))
		assert.Equal(t, KindProgress, first.Type)
		assert.Equal(t, 60.0, first.Progress)
		assert.Equal(t, KindAborted, second.Type)

		_, _, err = conn.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
	})
}

type fakeStates map[string]*JobState

func (f fakeStates) JobState(_ context.Context, jobId string) (*JobState, error) {
	state, ok := f[jobId]
	if !ok {
		return nil, &backtesterrors.ErrNotFound{Type: "job", Value: jobId}
	}
	return state, nil
}

// publish waits for the stream to subscribe before publishing.
func publish(t *testing.T, pubsub *LocalPubSub, msg *Message) {
	require.Eventually(t, func() bool {
		pubsub.mu.Lock()
		defer pubsub.mu.Unlock()
		return len(pubsub.subscribers[Channel(msg.JobId)]) > 0
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, pubsub.Publish(context.Background(), Channel(msg.JobId), msg))
}

func readSSE(t *testing.T, resp *http.Response) []Event {
	var events []Event
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event Event
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event))
		events = append(events, event)
	}
	return events
}

func withStreamServer(t *testing.T, states StateReader, action func(server *httptest.Server, pubsub *LocalPubSub)) {
	pubsub := NewLocalPubSub()
	router := mux.NewRouter()
	NewStreamHandler(pubsub, states, time.Minute).RegisterRoutes(router)
	server := httptest.NewServer(router)
	defer server.Close()
	action(server, pubsub)
}
