// Package transcript holds the ordered log of conversation turns and the
// per-turn state patched in after a turn is appended.
//
// Turns are only ever appended; after that, a turn can be changed only by
// patching its feedback, its revealed flag, or its presentation artifacts
// by identifier. Content never changes once appended.
package transcript

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/windfall/kaiwa/pkg/api"
)

// Role is the author of a turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TurnID identifies a turn that may be patched after it is appended.
type TurnID string

var (
	ErrUnknownTurn    = errors.New("transcript: unknown turn")
	ErrFeedbackExists = errors.New("transcript: feedback already attached")
	ErrInvalidScore   = errors.New("transcript: score must be between 1 and 10")
	ErrNotUserTurn    = errors.New("transcript: feedback belongs to user turns")
)

// Feedback is the evaluation of one user turn.
type Feedback struct {
	Score               int
	CorrectedSentence   string
	Explanation         string
	AnnotatedErrorsHTML string
}

// ScoreLabel renders the score the way it is shown to the learner.
func (f Feedback) ScoreLabel() string {
	return fmt.Sprintf("%d / 10", f.Score)
}

// Turn is one entry of the transcript. System turns carry no ID.
type Turn struct {
	ID       TurnID
	Role     Role
	Content  string
	Revealed bool
	Feedback *Feedback
}

// Artifacts are presentation data computed on demand for an assistant turn.
type Artifacts struct {
	Analysis *api.Analysis

	Translation        string
	HasTranslation     bool
	TranslationVisible bool
}

// Transcript is the append-only conversation log. It is safe for concurrent
// use.
type Transcript struct {
	mu        sync.RWMutex
	turns     []Turn
	index     map[TurnID]int
	artifacts map[TurnID]*Artifacts
	newID     func() TurnID
}

// New returns an empty transcript that allocates UUID turn identifiers.
func New() *Transcript {
	return NewWithIDs(func() TurnID { return TurnID(uuid.NewString()) })
}

// NewWithIDs returns an empty transcript using newID to allocate identifiers.
func NewWithIDs(newID func() TurnID) *Transcript {
	return &Transcript{
		index:     make(map[TurnID]int),
		artifacts: make(map[TurnID]*Artifacts),
		newID:     newID,
	}
}

// Append adds a turn at the end of the log and returns it. User and
// assistant turns get a fresh identifier.
func (t *Transcript) Append(role Role, content string, revealed bool) Turn {
	t.mu.Lock()
	defer t.mu.Unlock()

	turn := Turn{Role: role, Content: content, Revealed: revealed}
	if role != RoleSystem {
		turn.ID = t.newID()
		t.index[turn.ID] = len(t.turns)
	}
	t.turns = append(t.turns, turn)
	return turn
}

// AttachFeedback sets the feedback of a user turn. Feedback is attached at
// most once.
func (t *Transcript) AttachFeedback(id TurnID, fb Feedback) error {
	if fb.Score < 1 || fb.Score > 10 {
		return ErrInvalidScore
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return ErrUnknownTurn
	}
	turn := &t.turns[i]
	if turn.Role != RoleUser {
		return ErrNotUserTurn
	}
	if turn.Feedback != nil {
		return ErrFeedbackExists
	}
	turn.Feedback = &fb
	return nil
}

// SetRevealed shows or hides the text of a turn.
func (t *Transcript) SetRevealed(id TurnID, revealed bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	i, ok := t.index[id]
	if !ok {
		return ErrUnknownTurn
	}
	t.turns[i].Revealed = revealed
	return nil
}

// Get returns a copy of the turn with the given identifier.
func (t *Transcript) Get(id TurnID) (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[id]
	if !ok {
		return Turn{}, false
	}
	return copyTurn(t.turns[i]), true
}

// PreviousAssistant returns the last assistant turn before the given turn.
func (t *Transcript) PreviousAssistant(id TurnID) (Turn, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	i, ok := t.index[id]
	if !ok {
		return Turn{}, false
	}
	for j := i - 1; j >= 0; j-- {
		if t.turns[j].Role == RoleAssistant {
			return copyTurn(t.turns[j]), true
		}
	}
	return Turn{}, false
}

// Turns returns a copy of every turn in order.
func (t *Transcript) Turns() []Turn {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Turn, len(t.turns))
	for i, turn := range t.turns {
		out[i] = copyTurn(turn)
	}
	return out
}

// Messages returns the role/content pairs of every turn, in order, for a
// reply request.
func (t *Transcript) Messages() []api.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]api.Message, len(t.turns))
	for i, turn := range t.turns {
		out[i] = api.Message{Role: string(turn.Role), Content: turn.Content}
	}
	return out
}

// Len returns the number of turns.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Artifacts returns a copy of the artifacts of a turn.
func (t *Transcript) Artifacts(id TurnID) Artifacts {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if a, ok := t.artifacts[id]; ok {
		return *a
	}
	return Artifacts{}
}

// UpdateArtifacts applies fn to the artifacts of a turn.
func (t *Transcript) UpdateArtifacts(id TurnID, fn func(*Artifacts)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.index[id]; !ok {
		return ErrUnknownTurn
	}
	a, ok := t.artifacts[id]
	if !ok {
		a = &Artifacts{}
		t.artifacts[id] = a
	}
	fn(a)
	return nil
}

func copyTurn(turn Turn) Turn {
	if turn.Feedback != nil {
		fb := *turn.Feedback
		turn.Feedback = &fb
	}
	return turn
}
