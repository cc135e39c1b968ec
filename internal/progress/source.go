package progress

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

// Source produces chart updates for one engine run until ctx is cancelled or the source
// is exhausted.
type Source interface {
	Run(ctx context.Context, emit func(ChartUpdate)) error
}

// SocketSource receives the packets the engine pushes on its streaming port.
type SocketSource struct {
	endpoint   string
	retryDelay time.Duration
	newSocket  func(ctx context.Context) zmq4.Socket
}

func NewSocketSource(host string, port int) *SocketSource {
	return &SocketSource{
		endpoint:   fmt.Sprintf("tcp://%s:%d", host, port),
		retryDelay: 250 * time.Millisecond,
		newSocket: func(ctx context.Context) zmq4.Socket {
			return zmq4.NewPull(ctx)
		},
	}
}

func (s *SocketSource) Run(ctx context.Context, emit func(ChartUpdate)) error {
	socket, err := s.dial(ctx)
	if err != nil || socket == nil {
		return err
	}
	defer socket.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = socket.Close()
	}()

	for {
		msg, err := socket.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return backtesterrors.Infrastructure("progress socket", errors.Wrapf(err, "receiving from %s", s.endpoint))
		}
		for _, frame := range msg.Frames {
			updates, _, err := ParsePacket(frame)
			if err != nil {
				log.WithError(err).Debug("Skipping unparseable progress packet")
				continue
			}
			for _, update := range updates {
				emit(update)
			}
		}
	}
}

// dial retries until the engine has bound its port. Returns a nil socket when ctx ends first.
func (s *SocketSource) dial(ctx context.Context) (zmq4.Socket, error) {
	for {
		socket := s.newSocket(ctx)
		err := socket.Dial(s.endpoint)
		if err == nil {
			return socket, nil
		}
		_ = socket.Close()
		log.WithError(err).Debugf("Progress socket %s not ready", s.endpoint)
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(s.retryDelay):
		}
	}
}

// FileSource polls the result artifact the engine rewrites while it runs and forwards the
// points not seen in earlier polls. The latest point of a series is forwarded again when
// the engine rewrites its value.
type FileSource struct {
	path     string
	interval time.Duration
	lastSize int64
	lastMod  time.Time
	last     map[string]Point
}

func NewFileSource(path string, interval time.Duration) *FileSource {
	return &FileSource{path: path, interval: interval, lastSize: -1, last: map[string]Point{}}
}

func (s *FileSource) Run(ctx context.Context, emit func(ChartUpdate)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.poll(emit)
			return nil
		case <-ticker.C:
			s.poll(emit)
		}
	}
}

func (s *FileSource) poll(emit func(ChartUpdate)) {
	info, err := os.Stat(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithError(err).Warnf("Unable to stat %s", s.path)
		}
		return
	}
	if info.Size() == s.lastSize && info.ModTime().Equal(s.lastMod) {
		return
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		log.WithError(err).Warnf("Unable to read %s", s.path)
		return
	}
	updates, _, err := ParsePacket(data)
	if err != nil {
		// most likely caught mid-write, retry on the next tick
		return
	}
	s.lastSize, s.lastMod = info.Size(), info.ModTime()
	for _, update := range updates {
		if fresh := s.unseen(update); len(fresh.Points) > 0 {
			emit(fresh)
		}
	}
}

func (s *FileSource) unseen(update ChartUpdate) ChartUpdate {
	key := update.Chart + "/" + update.Series
	last, seen := s.last[key]
	fresh := ChartUpdate{Chart: update.Chart, Series: update.Series}
	for _, p := range update.Points {
		if seen && (p.X < last.X || p == last) {
			continue
		}
		fresh.Points = append(fresh.Points, p)
		if !seen || p.X >= last.X {
			last, seen = p, true
		}
	}
	if seen {
		s.last[key] = last
	}
	return fresh
}
