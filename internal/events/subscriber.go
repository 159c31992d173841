package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MR-liu/waoowaoo-sub006/internal/telemetry"
)

var ErrSubscriberClosed = errors.New("events: subscriber closed")

// Message is one payload received on a broker channel.
type Message struct {
	Channel string
	Payload []byte
}

// PubSub is a single multiplexed broker subscription.
type PubSub interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	// Messages is closed once the subscription is closed.
	Messages() <-chan Message
	Close() error
}

type Listener func(Message)

// Subscriber shares one broker subscription between many listeners. The first
// listener on a channel subscribes it and the last one to leave unsubscribes it.
// The mutex is held across broker calls so a concurrent add and remove on the same
// channel can never leave it unsubscribed with listeners attached.
type Subscriber struct {
	mu        sync.Mutex
	ps        PubSub
	listeners map[string]map[uint64]Listener
	nextID    uint64
	closed    bool
	done      chan struct{}
	logger    *slog.Logger
}

func NewSubscriber(ps PubSub, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Subscriber{
		ps:        ps,
		listeners: make(map[string]map[uint64]Listener),
		done:      make(chan struct{}),
		logger:    logger.With("component", "subscriber"),
	}
	go s.dispatch()
	return s
}

// AddListener registers fn on channel and returns the function that removes it.
// Calling the remover more than once is safe.
func (s *Subscriber) AddListener(ctx context.Context, channel string, fn Listener) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSubscriberClosed
	}
	set, ok := s.listeners[channel]
	if !ok {
		if err := s.ps.Subscribe(ctx, channel); err != nil {
			return nil, fmt.Errorf("subscribe %s: %w", channel, err)
		}
		set = make(map[uint64]Listener)
		s.listeners[channel] = set
		telemetry.SubscriberChannels.Set(float64(len(s.listeners)))
	}
	s.nextID++
	id := s.nextID
	set[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(channel, id) })
	}, nil
}

func (s *Subscriber) remove(channel string, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.listeners[channel]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) > 0 {
		return
	}
	delete(s.listeners, channel)
	telemetry.SubscriberChannels.Set(float64(len(s.listeners)))
	if s.closed {
		return
	}
	if err := s.ps.Unsubscribe(context.Background(), channel); err != nil {
		s.logger.Warn("unsubscribe failed", "channel", channel, "error", err)
	}
}

// ListenerCount reports how many listeners are attached to channel.
func (s *Subscriber) ListenerCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[channel])
}

func (s *Subscriber) dispatch() {
	defer close(s.done)
	for msg := range s.ps.Messages() {
		s.mu.Lock()
		set := s.listeners[msg.Channel]
		targets := make([]Listener, 0, len(set))
		for _, fn := range set {
			targets = append(targets, fn)
		}
		s.mu.Unlock()

		for _, fn := range targets {
			fn(msg)
		}
	}
}

// Close tears down the broker subscription and waits for dispatch to stop.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.listeners = make(map[string]map[uint64]Listener)
	s.mu.Unlock()

	telemetry.SubscriberChannels.Set(0)
	err := s.ps.Close()
	<-s.done
	return err
}
