package game

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"repbot/internal/apperr"
	"repbot/internal/random"
)

const (
	DefaultDice = "1d6"
	MaxDice     = 100
	MaxDieSize  = 1_000_000
)

var (
	ErrMissingDice = fmt.Errorf("%w: missing dice parameter", apperr.ErrValidation)
	ErrDiceFormat  = fmt.Errorf(`%w: dice must be in the format "NdX" where N is a number of dice to roll and X is their size, e.g. 2d100`, apperr.ErrValidation)
	ErrZeroDieSize = fmt.Errorf("%w: die size cannot be 0", apperr.ErrValidation)
	ErrTooManyDice = fmt.Errorf("%w: at most %d dice of size %d", apperr.ErrValidation, MaxDice, MaxDieSize)
)

var diceRe = regexp.MustCompile(`^(\d*)d(\d+)$`)

type Dice struct {
	Count int `json:"count"`
	Size  int `json:"size"`
}

func (d Dice) String() string { return fmt.Sprintf("%dd%d", d.Count, d.Size) }

type RollResult struct {
	Dice  string `json:"dice"`
	Total int    `json:"total"`
	Rolls []int  `json:"rolls,omitempty"`
}

// ParseDice reads NdX notation. A missing N means one die.
func ParseDice(s string) (Dice, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Dice{}, ErrMissingDice
	}
	m := diceRe.FindStringSubmatch(s)
	if m == nil {
		return Dice{}, ErrDiceFormat
	}
	count := 1
	if m[1] != "" {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return Dice{}, ErrDiceFormat
		}
		count = n
	}
	size, err := strconv.Atoi(m[2])
	if err != nil {
		return Dice{}, ErrDiceFormat
	}
	if size == 0 {
		return Dice{}, ErrZeroDieSize
	}
	if count > MaxDice || size > MaxDieSize {
		return Dice{}, ErrTooManyDice
	}
	return Dice{Count: count, Size: size}, nil
}

// Roll throws every die in d and returns the faces in throw order.
func (d Dice) Roll(rng random.Source) []int {
	out := make([]int, d.Count)
	for i := range out {
		out[i] = 1 + rng.IntN(d.Size)
	}
	return out
}

// Roll parses notation (DefaultDice when empty) and throws it. Individual
// faces are only returned when verbose is set.
func (s *Service) Roll(notation string, verbose bool) (RollResult, error) {
	if strings.TrimSpace(notation) == "" {
		notation = DefaultDice
	}
	d, err := ParseDice(notation)
	if err != nil {
		return RollResult{}, err
	}
	rolls := d.Roll(s.rng)
	res := RollResult{Dice: strings.TrimSpace(notation)}
	for _, r := range rolls {
		res.Total += r
	}
	if verbose {
		res.Rolls = rolls
	}
	return res, nil
}
