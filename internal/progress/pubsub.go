package progress

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/i-dream-of-ai/aegra/internal/common/backtesterrors"
)

const subscriptionBuffer = 256

type PubSub interface {
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe is active once it returns, so messages published afterwards are delivered.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
}

type Subscription interface {
	Messages() <-chan *Message
	Close() error
}

type channelSubscription struct {
	messages chan *Message
	done     chan struct{}
	once     sync.Once
	closeFn  func() error
}

func newChannelSubscription(closeFn func() error) *channelSubscription {
	return &channelSubscription{
		messages: make(chan *Message, subscriptionBuffer),
		done:     make(chan struct{}),
		closeFn:  closeFn,
	}
}

func (s *channelSubscription) Messages() <-chan *Message {
	return s.messages
}

func (s *channelSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if s.closeFn != nil {
			err = s.closeFn()
		}
	})
	return err
}

// deliver hands msg to the subscriber, dropping it once the subscription is closed.
func (s *channelSubscription) deliver(msg *Message) {
	select {
	case s.messages <- msg:
	case <-s.done:
	}
}

func decodeMessage(channel string, payload []byte) (*Message, bool) {
	msg := &Message{}
	if err := json.Unmarshal(payload, msg); err != nil {
		log.WithError(err).Warnf("Dropping malformed message on %s", channel)
		return nil, false
	}
	return msg, true
}

type RedisPubSub struct {
	db redis.UniversalClient
}

func NewRedisPubSub(db redis.UniversalClient) *RedisPubSub {
	return &RedisPubSub{db: db}
}

func (p *RedisPubSub) Publish(_ context.Context, channel string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := p.db.Publish(channel, payload).Err(); err != nil {
		return backtesterrors.Infrastructure("redis pubsub", errors.Wrapf(err, "publishing to %s", channel))
	}
	return nil
}

func (p *RedisPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	pubsub := p.db.Subscribe(channel)
	if _, err := pubsub.Receive(); err != nil {
		_ = pubsub.Close()
		return nil, backtesterrors.Infrastructure("redis pubsub", errors.Wrapf(err, "subscribing to %s", channel))
	}

	sub := newChannelSubscription(pubsub.Close)
	go func() {
		defer close(sub.messages)
		incoming := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case m, ok := <-incoming:
				if !ok {
					return
				}
				if msg, ok := decodeMessage(channel, []byte(m.Payload)); ok {
					sub.deliver(msg)
				}
			}
		}
	}()
	return sub, nil
}

type NatsPubSub struct {
	conn *nats.Conn
}

func NewNatsPubSub(conn *nats.Conn) *NatsPubSub {
	return &NatsPubSub{conn: conn}
}

func (p *NatsPubSub) Publish(_ context.Context, channel string, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := p.conn.Publish(channel, payload); err != nil {
		return backtesterrors.Infrastructure("nats", errors.Wrapf(err, "publishing to %s", channel))
	}
	return nil
}

func (p *NatsPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	incoming := make(chan *nats.Msg, subscriptionBuffer)
	natsSub, err := p.conn.ChanSubscribe(channel, incoming)
	if err != nil {
		return nil, backtesterrors.Infrastructure("nats", errors.Wrapf(err, "subscribing to %s", channel))
	}
	if err := p.conn.Flush(); err != nil {
		_ = natsSub.Unsubscribe()
		return nil, backtesterrors.Infrastructure("nats", errors.WithStack(err))
	}

	sub := newChannelSubscription(natsSub.Unsubscribe)
	go func() {
		defer close(sub.messages)
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case <-sub.done:
				return
			case m := <-incoming:
				if msg, ok := decodeMessage(channel, m.Data); ok {
					sub.deliver(msg)
				}
			}
		}
	}()
	return sub, nil
}

// LocalPubSub fans messages out inside one process. Used when a single node both runs
// jobs and serves streams.
type LocalPubSub struct {
	mu          sync.Mutex
	subscribers map[string]map[*channelSubscription]bool
}

func NewLocalPubSub() *LocalPubSub {
	return &LocalPubSub{subscribers: map[string]map[*channelSubscription]bool{}}
}

func (p *LocalPubSub) Publish(_ context.Context, channel string, msg *Message) error {
	p.mu.Lock()
	subs := make([]*channelSubscription, 0, len(p.subscribers[channel]))
	for sub := range p.subscribers[channel] {
		subs = append(subs, sub)
	}
	p.mu.Unlock()

	for _, sub := range subs {
		copied := *msg
		sub.deliver(&copied)
	}
	return nil
}

func (p *LocalPubSub) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	var sub *channelSubscription
	sub = newChannelSubscription(func() error {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.subscribers[channel], sub)
		if len(p.subscribers[channel]) == 0 {
			delete(p.subscribers, channel)
		}
		return nil
	})

	p.mu.Lock()
	if p.subscribers[channel] == nil {
		p.subscribers[channel] = map[*channelSubscription]bool{}
	}
	p.subscribers[channel][sub] = true
	p.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = sub.Close()
		case <-sub.done:
		}
	}()
	return sub, nil
}
