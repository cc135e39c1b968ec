package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

// JobState is the persisted view of a job a stream starts from. Kind is empty while the
// job has not finished.
type JobState struct {
	Kind       MessageKind
	Progress   float64
	Statistics map[string]string
	Error      string
}

type StateReader interface {
	JobState(ctx context.Context, jobId string) (*JobState, error)
}

// Event is what stream clients receive.
type Event struct {
	Type        MessageKind       `json:"type"`
	Progress    float64           `json:"progress"`
	EquityCurve []Point           `json:"equityCurve"`
	Statistics  map[string]string `json:"statistics,omitempty"`
	Error       string            `json:"error,omitempty"`
}

type StreamHandler struct {
	pubsub    PubSub
	states    StateReader
	keepAlive time.Duration
	upgrader  websocket.Upgrader
}

func NewStreamHandler(pubsub PubSub, states StateReader, keepAlive time.Duration) *StreamHandler {
	return &StreamHandler{
		pubsub:    pubsub,
		states:    states,
		keepAlive: keepAlive,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// RegisterRoutes mounts the SSE and websocket endpoints on router.
func (h *StreamHandler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/backtests/{id}/events", h.ServeEvents).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/backtests/{id}/ws", h.ServeWebsocket).Methods(http.MethodGet)
}

func (h *StreamHandler) ServeEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	jobId := mux.Vars(r)["id"]
	sub, state, err := h.open(r.Context(), jobId)
	if err != nil {
		http.Error(w, err.Error(), backtesterrors.HttpStatusFromError(err))
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	send := func(event *Event) error {
		payload, err := json.Marshal(event)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	keepAlive := func() error {
		if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	h.relay(r.Context(), jobId, sub, state, send, keepAlive)
}

func (h *StreamHandler) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	jobId := mux.Vars(r)["id"]
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sub, state, err := h.open(ctx, jobId)
	if err != nil {
		http.Error(w, err.Error(), backtesterrors.HttpStatusFromError(err))
		return
	}
	defer sub.Close()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	// Clients only listen; reading surfaces their close frame.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(event *Event) error {
		return conn.WriteJSON(event)
	}
	keepAlive := func() error {
		return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
	}
	h.relay(ctx, jobId, sub, state, send, keepAlive)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

// open subscribes before reading the job state so a terminal message published in between
// is not lost.
func (h *StreamHandler) open(ctx context.Context, jobId string) (Subscription, *JobState, error) {
	sub, err := h.pubsub.Subscribe(ctx, Channel(jobId))
	if err != nil {
		return nil, nil, err
	}
	state, err := h.states.JobState(ctx, jobId)
	if err != nil {
		_ = sub.Close()
		return nil, nil, err
	}
	return sub, state, nil
}

func (h *StreamHandler) relay(ctx context.Context, jobId string, sub Subscription, state *JobState, send func(*Event) error, keepAlive func() error) {
	logger := log.WithField("jobId", jobId)
	curve := &equityCurve{values: map[int64]float64{}}
	progress := state.Progress
	statistics := state.Statistics

	if state.Kind.Terminal() {
		if err := send(&Event{Type: state.Kind, Progress: progress, EquityCurve: curve.points(), Statistics: statistics, Error: state.Error}); err != nil {
			logger.WithError(err).Debug("Stream client went away")
		}
		return
	}

	var ticks <-chan time.Time
	if h.keepAlive > 0 {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticks:
			if err := keepAlive(); err != nil {
				return
			}
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			if msg.Progress > 0 {
				progress = msg.Progress
			}
			if msg.Statistics != nil {
				statistics = msg.Statistics
			}
			eventType := KindProgress
			switch {
			case msg.Kind.Terminal():
				eventType = msg.Kind
			case msg.Kind == KindChart:
				if msg.Chart == nil || msg.Chart.Chart != EquityChart || msg.Chart.Series != EquitySeries {
					continue
				}
				curve.add(msg.Chart.Points)
			}
			event := &Event{Type: eventType, Progress: progress, EquityCurve: curve.points(), Statistics: statistics, Error: msg.Error}
			if err := send(event); err != nil {
				logger.WithError(err).Debug("Stream client went away")
				return
			}
			if eventType.Terminal() {
				return
			}
		}
	}
}

// equityCurve keeps one value per x, later points replacing earlier ones.
type equityCurve struct {
	values map[int64]float64
}

func (c *equityCurve) add(points []Point) {
	for _, p := range points {
		c.values[p.X] = p.Y
	}
}

func (c *equityCurve) points() []Point {
	points := make([]Point, 0, len(c.values))
	for x, y := range c.values {
		points = append(points, Point{X: x, Y: y})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].X < points[j].X
	})
	return points
}
