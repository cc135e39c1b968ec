// Package progress carries live backtest output from a running engine to clients. A Source
// reads chart updates off the engine, a Propagator publishes them on the job's pub/sub
// channel and the StreamHandler relays them to SSE and websocket clients.
package progress

type MessageKind string

const (
	KindChart     MessageKind = "chart"
	KindProgress  MessageKind = "progress"
	KindCompleted MessageKind = "completed"
	KindError     MessageKind = "error"
	KindAborted   MessageKind = "aborted"
)

func (k MessageKind) Terminal() bool {
	return k == KindCompleted || k == KindError || k == KindAborted
}

type Point struct {
	X int64   `json:"x"`
	Y float64 `json:"y"`
}

// ChartUpdate is a batch of points for one series of one chart.
type ChartUpdate struct {
	Chart  string  `json:"chart"`
	Series string  `json:"series"`
	Points []Point `json:"points"`
}

type Message struct {
	Kind       MessageKind       `json:"kind"`
	JobId      string            `json:"jobId"`
	Progress   float64           `json:"progress,omitempty"`
	Chart      *ChartUpdate      `json:"chart,omitempty"`
	Statistics map[string]string `json:"statistics,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// Channel is the pub/sub channel carrying the messages of one job.
func Channel(jobId string) string {
	return "backtest:" + jobId
}
