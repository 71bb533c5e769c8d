package session

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

// Transport carries subsystem events between the dispatcher and its platform
// listeners. Publishing delivers to every subscriber, the publisher included.
type Transport interface {
	Publish(ctx context.Context, payload []byte) error
	Messages() <-chan []byte
	Close() error
}

// Actor identifies the process an event originated from.
type Actor struct {
	Platform string `json:"platform"`
}

// Event is the subsystem bus envelope.
type Event struct {
	Verb   string          `json:"verb"`
	Actor  Actor           `json:"actor"`
	Object json.RawMessage `json:"object,omitempty"`
}

// NewEvent builds an event with the object marshalled in place.
func NewEvent(verb, platform string, object any) (Event, error) {
	data, err := json.Marshal(object)
	if err != nil {
		return Event{}, err
	}
	return Event{Verb: verb, Actor: Actor{Platform: platform}, Object: data}, nil
}

// ParseObject unmarshals the event object into target.
func (e Event) ParseObject(target any) error {
	return json.Unmarshal(e.Object, target)
}

// Subsystem is the side-band event bus: ping, ping-response and cleanup
// events travel here rather than over the request queues. Handlers run on the
// receive goroutine and must not block.
type Subsystem struct {
	log       zerolog.Logger
	transport Transport

	mu       sync.RWMutex
	handlers map[string][]func(Event)

	done chan struct{}
}

// NewSubsystem binds a bus to its transport and starts receiving.
func NewSubsystem(log zerolog.Logger, transport Transport) *Subsystem {
	s := &Subsystem{
		log:       log.With().Str("component", "subsystem").Logger(),
		transport: transport,
		handlers:  make(map[string][]func(Event)),
		done:      make(chan struct{}),
	}
	go s.receive()
	return s
}

// On registers a handler for an event verb. Multiple handlers per verb are
// invoked in registration order.
func (s *Subsystem) On(verb string, fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[verb] = append(s.handlers[verb], fn)
}

// Broadcast publishes an event to all subscribers on the control channel.
func (s *Subsystem) Broadcast(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.transport.Publish(ctx, data)
}

// Close unbinds the bus from its transport. Pending handler invocations
// finish; no further events are delivered.
func (s *Subsystem) Close() {
	_ = s.transport.Close()
	<-s.done
}

func (s *Subsystem) receive() {
	defer close(s.done)
	for data := range s.transport.Messages() {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			s.log.Warn().Err(err).Msg("dropping malformed subsystem event")
			continue
		}
		s.mu.RLock()
		handlers := s.handlers[ev.Verb]
		s.mu.RUnlock()
		for _, fn := range handlers {
			fn(ev)
		}
	}
}
