package persona

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Reply is one scripted persona answer. Exactly one of Body or Err is used.
type Reply struct {
	Body any
	Err  error
	// Block, when set, delays the reply until it is closed or ctx ends.
	Block <-chan struct{}
}

// Scripted is an Invoker that answers from per-persona reply queues.
// When a queue holds one reply it is repeated; longer queues are consumed
// in order and the last reply repeats. Use in tests and dry runs.
type Scripted struct {
	mu      sync.Mutex
	replies map[string][]Reply
	calls   []Request
}

// NewScripted creates an empty script.
func NewScripted() *Scripted {
	return &Scripted{replies: make(map[string][]Reply)}
}

// On appends replies for persona and returns s for chaining.
func (s *Scripted) On(persona string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[persona] = append(s.replies[persona], replies...)
	return s
}

// Set replaces the reply queue for persona.
func (s *Scripted) Set(persona string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[persona] = append([]Reply(nil), replies...)
	return s
}

// Invoke implements Invoker.
func (s *Scripted) Invoke(ctx context.Context, req Request) (Response, error) {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	queue := s.replies[req.Persona]
	if len(queue) == 0 {
		s.mu.Unlock()
		return Response{}, &Error{Persona: req.Persona, Kind: KindStatus, Err: fmt.Errorf("no scripted reply")}
	}
	r := queue[0]
	if len(queue) > 1 {
		s.replies[req.Persona] = queue[1:]
	}
	s.mu.Unlock()

	if r.Block != nil {
		select {
		case <-r.Block:
		case <-ctx.Done():
			return Response{}, &Error{Persona: req.Persona, Kind: KindTimeout, Err: ctx.Err()}
		}
	}
	if r.Err != nil {
		return Response{}, r.Err
	}
	if raw, ok := r.Body.(json.RawMessage); ok {
		return Response{Persona: req.Persona, Body: raw}, nil
	}
	body, err := json.Marshal(r.Body)
	if err != nil {
		return Response{}, &Error{Persona: req.Persona, Kind: KindTransport, Err: err}
	}
	return Response{Persona: req.Persona, Body: body}, nil
}

// Calls returns the recorded requests in order.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}

// CallCount returns how many times persona was invoked.
func (s *Scripted) CallCount(persona string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Persona == persona {
			n++
		}
	}
	return n
}

var _ Invoker = (*Scripted)(nil)
