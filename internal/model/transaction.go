package model

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/elastic/llm-debug-proxy/internal/target"
)

// ErrInvalidTransition is returned when a transaction is moved to a state
// that does not follow from its current one.
var ErrInvalidTransition = errors.New("invalid transaction transition")

// State is the lifecycle position of a Transaction.
type State string

const (
	StatePending          State = "pending"
	StateFailedValidation State = "failed-validation"
	StateStreaming        State = "streaming"
	StateInspected        State = "inspected"
	StateFailedUpstream   State = "failed-upstream"
)

var transitions = map[State][]State{
	StatePending:   {StateFailedValidation, StateStreaming, StateFailedUpstream},
	StateStreaming: {StateInspected, StateFailedUpstream},
}

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return len(transitions[s]) == 0
}

// Transaction is the lifecycle of one inbound request. It is owned by the
// goroutine serving that request and never shared.
type Transaction struct {
	ID        string
	Method    string
	Header    http.Header // outbound copy; never aliases the inbound map
	Target    target.Descriptor
	StartedAt time.Time

	state State
}

// NewTransaction starts a pending transaction.
func NewTransaction(id, method string) *Transaction {
	return &Transaction{
		ID:        id,
		Method:    method,
		StartedAt: time.Now(),
		state:     StatePending,
	}
}

// State returns the current state.
func (t *Transaction) State() State {
	return t.state
}

// Transition moves t to next.
func (t *Transaction) Transition(next State) error {
	for _, allowed := range transitions[t.state] {
		if allowed == next {
			t.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.state, next)
}
