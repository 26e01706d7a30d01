package game

import (
	"fmt"
	"time"

	"repbot/internal/apperr"
	"repbot/internal/lottery"
)

const (
	GuessMin = 1
	GuessMax = 100

	ExactGuessReward  = int64(1000)
	MagicPairReward   = int64(250)
	NearGuessReward   = int64(30)
	LastDigitReward   = int64(10)
	NearGuessDistance = 3
)

var (
	ErrAlreadyJoined = fmt.Errorf("%w: already joined this game", apperr.ErrValidation)
	ErrDailyLimit    = fmt.Errorf("%w: already played today", apperr.ErrValidation)
	ErrInvalidGuess  = fmt.Errorf("%w: guess must be between %d and %d", apperr.ErrValidation, GuessMin, GuessMax)
	ErrUnknownKind   = fmt.Errorf("%w: unknown game kind", apperr.ErrValidation)
)

// View is the read-only shape of a game handed to the front end.
type View struct {
	ID        string           `json:"id"`
	Kind      lottery.Kind     `json:"kind"`
	Bet       int64            `json:"bet"`
	BuyIn     int64            `json:"buy_in"`
	Creator   lottery.Player   `json:"creator"`
	Players   []lottery.Player `json:"players"`
	StartTime *time.Time       `json:"start_time,omitempty"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Pot       int64            `json:"pot"`
}

type JoinResult struct {
	Joined  bool             `json:"joined"`
	Ended   bool             `json:"ended"`
	Game    *View            `json:"game,omitempty"`
	Outcome *lottery.Outcome `json:"outcome,omitempty"`
}

type GuessResult struct {
	Guess  int    `json:"guess"`
	Answer int    `json:"answer"`
	Reward int64  `json:"reward"`
	Rule   string `json:"rule,omitempty"`
}

// GuessReward applies the first matching rule, in order: exact, a pair
// summing to 101, within three, same last digit.
func GuessReward(answer, guess int) (int64, string) {
	switch {
	case answer == guess:
		return ExactGuessReward, "exact"
	case answer+guess == GuessMax+1:
		return MagicPairReward, "magic_pair"
	case guess >= answer-NearGuessDistance && guess <= answer+NearGuessDistance:
		return NearGuessReward, "near"
	case answer%10 == guess%10:
		return LastDigitReward, "last_digit"
	default:
		return 0, ""
	}
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	return a.In(loc).Format(time.DateOnly) == b.In(loc).Format(time.DateOnly)
}
