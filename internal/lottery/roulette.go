package lottery

import (
	"slices"

	"repbot/internal/ledger"
	"repbot/internal/random"
)

// Roulette pays the whole pot to one uniformly drawn player once its
// countdown runs out.
type Roulette struct{}

func (Roulette) Kind() Kind { return KindRoulette }

func (Roulette) PotSize(g *Game) int64 {
	return g.Bet * int64(len(g.Players))
}

func (r Roulette) Settle(g *Game, _ *Player, rng random.Source) Settlement {
	pot := r.PotSize(g)
	if !CanFinish(g) {
		return refund(g, KindRoulette, pot)
	}
	winner := g.Players[rng.IntN(len(g.Players))]
	return Settlement{
		Deltas: []ledger.Delta{{Account: winner.Account(), Amount: pot}},
		Outcome: Outcome{
			GameID:  g.ID,
			Kind:    KindRoulette,
			Winner:  &winner,
			Payout:  pot,
			Pot:     pot,
			Bet:     g.Bet,
			Players: slices.Clone(g.Players),
		},
	}
}
