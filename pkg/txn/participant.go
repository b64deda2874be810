package txn

import (
	"context"
	"errors"
	"fmt"
)

// Participant is one unit of work in a two-phase commit.
//
// Prepare validates and stages the work; a returned error vetoes the
// transaction. Commit applies staged work after every participant prepared.
// Rollback undoes whatever Prepare staged and is only called on participants
// whose Prepare succeeded (or on every registered participant by Abort).
type Participant interface {
	Name() string
	Prepare(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// PhaseFunc is one participant step.
type PhaseFunc func(ctx context.Context) error

// ErrIncompleteParticipant is returned by NewParticipant for a nil step.
var ErrIncompleteParticipant = errors.New("txn: participant needs prepare, commit and rollback")

type funcParticipant struct {
	name                      string
	prepare, commit, rollback PhaseFunc
}

// NewParticipant builds a Participant from three functions. All three are
// required.
func NewParticipant(name string, prepare, commit, rollback PhaseFunc) (Participant, error) {
	if prepare == nil || commit == nil || rollback == nil {
		return nil, fmt.Errorf("%w: %s", ErrIncompleteParticipant, name)
	}
	return &funcParticipant{name: name, prepare: prepare, commit: commit, rollback: rollback}, nil
}

func (p *funcParticipant) Name() string                       { return p.name }
func (p *funcParticipant) Prepare(ctx context.Context) error  { return p.prepare(ctx) }
func (p *funcParticipant) Commit(ctx context.Context) error   { return p.commit(ctx) }
func (p *funcParticipant) Rollback(ctx context.Context) error { return p.rollback(ctx) }

// ParticipantError is a failure of one participant in one phase.
type ParticipantError struct {
	Participant string
	Phase       string
	Err         error
}

func (e ParticipantError) Error() string {
	return fmt.Sprintf("participant %s %s: %v", e.Participant, e.Phase, e.Err)
}

func (e ParticipantError) Unwrap() error { return e.Err }
