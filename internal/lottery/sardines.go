package lottery

import (
	"fmt"
	"math"
	"slices"

	"repbot/internal/apperr"
	"repbot/internal/ledger"
	"repbot/internal/random"
)

const (
	sardinesA = 0.4
	sardinesB = 0.3
	sardinesC = 1.8
)

// PayoutMultipliers is ordered from most to least likely.
var PayoutMultipliers = [...]float64{1.2, 1.5, 1.8, 2.0, 2.5}

var ErrRejoinNotAllowed = fmt.Errorf("%w: not enough players to join again", apperr.ErrValidation)

// JoinFailureChance is the probability that a join ends the game when n
// players are already in it. It rises with n and approaches 1.
func JoinFailureChance(n int) float64 {
	if n <= 0 {
		return 0
	}
	x := float64(n)
	chance := -((sardinesA - x + sardinesB) / (x + sardinesC))
	return min(max(chance, 0), 1)
}

// Sardines ends when a joiner draws below the join failure chance. The
// losing joiner still pays in, so the pot counts one extra stake.
type Sardines struct {
	BaseSeed               string
	MinPlayersBeforeRejoin int
}

func (Sardines) Kind() Kind { return KindSardines }

func (Sardines) PotSize(g *Game) int64 {
	return g.Bet * int64(len(g.Players)+1)
}

// CanAddPlayer draws once for a candidate joiner; false means the joiner
// loses and the game ends. It must run before the candidate is appended.
func (Sardines) CanAddPlayer(g *Game, src random.Source) bool {
	return src.Float64() >= JoinFailureChance(len(g.Players))
}

// CanJoinRepeat reports whether an existing player may add another entry.
func (s Sardines) CanJoinRepeat(g *Game) bool {
	return len(g.Players) >= s.MinPlayersBeforeRejoin
}

// CheckRejoin returns ErrRejoinNotAllowed when a is already playing and the
// game is still below the rejoin threshold.
func (s Sardines) CheckRejoin(g *Game, a ledger.Account) error {
	if g.HasPlayer(a) && !s.CanJoinRepeat(g) {
		return fmt.Errorf("%w: %d of %d", ErrRejoinNotAllowed, len(g.Players), s.MinPlayersBeforeRejoin)
	}
	return nil
}

// Multiplier is fixed per game id.
func (s Sardines) Multiplier(gameID string) float64 {
	idx := random.SeededWeighted(1, len(PayoutMultipliers), s.BaseSeed, "sardines", gameID) - 1
	idx = min(max(idx, 0), len(PayoutMultipliers)-1)
	return PayoutMultipliers[idx]
}

func (s Sardines) Payout(g *Game, multiplier float64) int64 {
	return int64(math.Floor(float64(s.PotSize(g)) * multiplier))
}

// Settle draws a winner from the players. The trigger, when present, is the
// joiner who lost; they are charged the bet and are not added to players.
// Games that never got past one player refund everyone and charge no one.
func (s Sardines) Settle(g *Game, trigger *Player, rng random.Source) Settlement {
	pot := s.PotSize(g)
	if !CanFinish(g) {
		return refund(g, KindSardines, pot)
	}
	winner := g.Players[rng.IntN(len(g.Players))]
	multiplier := s.Multiplier(g.ID)
	payout := s.Payout(g, multiplier)

	deltas := []ledger.Delta{{Account: winner.Account(), Amount: payout}}
	if trigger != nil {
		deltas = append(deltas, ledger.Delta{Account: trigger.Account(), Amount: -g.Bet})
	}
	return Settlement{
		Deltas: ledger.Merge(deltas),
		Outcome: Outcome{
			GameID:     g.ID,
			Kind:       KindSardines,
			Winner:     &winner,
			Loser:      trigger,
			Payout:     payout,
			Multiplier: multiplier,
			Pot:        pot,
			Bet:        g.Bet,
			Players:    slices.Clone(g.Players),
		},
	}
}
