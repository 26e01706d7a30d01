package jobs

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindRouletteFinish Kind = "roulette:finish"
	KindSardinesFinish Kind = "sardines:finish"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
)

var ErrUnknownKind = errors.New("unknown job kind")

// Task is one schedulable action. The set of implementations is closed;
// dispatch switches over them exhaustively.
type Task interface {
	Kind() Kind
	// Target is the game id the task resolves.
	Target() string
	isTask()
}

type RouletteFinish struct {
	GameID           string `json:"id"`
	InteractionToken string `json:"interaction_token,omitempty"`
}

func (RouletteFinish) Kind() Kind       { return KindRouletteFinish }
func (t RouletteFinish) Target() string { return t.GameID }
func (RouletteFinish) isTask()          {}

type SardinesFinish struct {
	GameID           string `json:"id"`
	InteractionToken string `json:"interaction_token,omitempty"`
}

func (SardinesFinish) Kind() Kind       { return KindSardinesFinish }
func (t SardinesFinish) Target() string { return t.GameID }
func (SardinesFinish) isTask()          {}

// Record is the persisted form of a scheduled task.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	ExecuteAt   time.Time       `json:"execute_at"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

type DeadLetter struct {
	Record   Record    `json:"record"`
	FailedAt time.Time `json:"failed_at"`
	Reason   string    `json:"reason"`
}

func (r Record) Due(now time.Time) bool {
	return r.Status == StatusPending && !r.ExecuteAt.After(now)
}

// Decode turns the stored payload back into its Task.
func (r Record) Decode() (Task, error) {
	switch r.Kind {
	case KindRouletteFinish:
		var t RouletteFinish
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", r.Kind, err)
		}
		return t, nil
	case KindSardinesFinish:
		var t SardinesFinish
		if err := json.Unmarshal(r.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", r.Kind, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
}

// Target returns the game id the record points at, or "" when the payload
// cannot be decoded.
func (r Record) Target() string {
	t, err := r.Decode()
	if err != nil {
		return ""
	}
	return t.Target()
}
