package pipeline

import (
	"fmt"

	"github.com/polisai/polis-safeguard/pkg/domain"
)

var transitions = map[domain.TurnState]domain.TurnState{
	domain.StateReceived:        domain.StateInboundChecked,
	domain.StateInboundChecked:  domain.StateDispatched,
	domain.StateDispatched:      domain.StateParsed,
	domain.StateParsed:          domain.StateOutboundChecked,
	domain.StateOutboundChecked: domain.StateAudited,
	domain.StateAudited:         domain.StateDone,
}

// turnState tracks one turn's progress. REJECTED is reachable from every
// non-terminal state; otherwise states advance strictly in order.
type turnState struct {
	current domain.TurnState
}

func newTurnState() *turnState {
	return &turnState{current: domain.StateReceived}
}

func (s *turnState) State() domain.TurnState {
	return s.current
}

func (s *turnState) advance(next domain.TurnState) error {
	if s.current.Terminal() {
		return fmt.Errorf("%w: %s is terminal", domain.ErrInvalidTransition, s.current)
	}
	if next == domain.StateRejected || transitions[s.current] == next {
		s.current = next
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, s.current, next)
}
