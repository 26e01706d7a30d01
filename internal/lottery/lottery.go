package lottery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"repbot/internal/apperr"
	"repbot/internal/docstore"
	"repbot/internal/ledger"
	"repbot/internal/random"
)

type Kind string

const (
	KindRoulette Kind = "roulette"
	KindSardines Kind = "sardines"
)

// Collection is where games of this kind are stored.
func (k Kind) Collection() string { return string(k) }

var (
	ErrInvalidBet   = fmt.Errorf("%w: bet must be positive", apperr.ErrValidation)
	ErrGameNotFound = fmt.Errorf("game %w", apperr.ErrNotFound)
)

type Player struct {
	Realm     string    `json:"realm"`
	Principal string    `json:"principal"`
	Name      string    `json:"name"`
	JoinedAt  time.Time `json:"joined_at"`
}

func PlayerFrom(m ledger.Member) Player {
	return Player{Realm: m.Realm, Principal: m.Principal, Name: m.Name, JoinedAt: m.JoinedAt}
}

func (p Player) Account() ledger.Account {
	return ledger.Account{Realm: p.Realm, Principal: p.Principal}
}

func (p Player) Member() ledger.Member {
	return ledger.Member{Account: p.Account(), Name: p.Name, JoinedAt: p.JoinedAt}
}

type Game struct {
	ID               string     `json:"id"`
	Kind             Kind       `json:"kind"`
	Bet              int64      `json:"bet"`
	Creator          Player     `json:"creator"`
	Players          []Player   `json:"players"`
	StartTime        *time.Time `json:"start_time,omitempty"`
	Closed           bool       `json:"closed,omitempty"`
	InteractionToken string     `json:"interaction_token,omitempty"`
}

func (g *Game) BuyIn() int64 { return g.Bet }

func (g *Game) PlayersList() []Player { return slices.Clone(g.Players) }

// HasPlayer reports whether the account already holds at least one entry.
func (g *Game) HasPlayer(a ledger.Account) bool {
	return slices.ContainsFunc(g.Players, func(p Player) bool { return p.Account() == a })
}

// markStarted sets the start time on first call and returns the stored one
// afterwards.
func (g *Game) markStarted(now time.Time) (time.Time, bool) {
	if g.StartTime != nil {
		return *g.StartTime, false
	}
	t := now.UTC()
	g.StartTime = &t
	return t, true
}

// Outcome describes how a finished game was resolved.
type Outcome struct {
	GameID     string         `json:"game_id"`
	Kind       Kind           `json:"kind"`
	Cancelled  bool           `json:"cancelled"`
	Winner     *Player        `json:"winner,omitempty"`
	Loser      *Player        `json:"loser,omitempty"`
	Payout     int64          `json:"payout"`
	Multiplier float64        `json:"multiplier,omitempty"`
	Pot        int64          `json:"pot"`
	Bet        int64          `json:"bet"`
	Players    []Player       `json:"players"`
	Refunds    []ledger.Delta `json:"-"`
}

type Settlement struct {
	Deltas  []ledger.Delta
	Outcome Outcome
}

// Policy is what differs between game variants.
type Policy interface {
	Kind() Kind
	PotSize(g *Game) int64
	Settle(g *Game, trigger *Player, rng random.Source) Settlement
}

// CanFinish reports whether a winner can be drawn.
func CanFinish(g *Game) bool {
	return len(g.Players) > 1
}

func refund(g *Game, kind Kind, pot int64) Settlement {
	deltas := make([]ledger.Delta, 0, len(g.Players))
	for _, p := range g.Players {
		deltas = append(deltas, ledger.Delta{Account: p.Account(), Amount: g.Bet})
	}
	return Settlement{
		Deltas: deltas,
		Outcome: Outcome{
			GameID:    g.ID,
			Kind:      kind,
			Cancelled: true,
			Pot:       pot,
			Bet:       g.Bet,
			Players:   slices.Clone(g.Players),
			Refunds:   deltas,
		},
	}
}

// Engine runs the shared lottery lifecycle for one policy.
type Engine struct {
	policy Policy
	store  docstore.Store
	ledger *ledger.Ledger
	rng    random.Source
	log    *slog.Logger
}

func NewEngine(policy Policy, store docstore.Store, l *ledger.Ledger, rng random.Source, logger *slog.Logger) *Engine {
	if rng == nil {
		rng = random.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{policy: policy, store: store, ledger: l, rng: rng, log: logger}
}

func (e *Engine) Kind() Kind { return e.policy.Kind() }

func (e *Engine) PotSize(g *Game) int64 { return e.policy.PotSize(g) }

func (e *Engine) CanFinish(g *Game) bool { return CanFinish(g) }

// New builds an unsaved game with the creator as its only player.
func (e *Engine) New(creator ledger.Member, bet int64) (*Game, error) {
	if bet <= 0 {
		return nil, ErrInvalidBet
	}
	p := PlayerFrom(creator)
	return &Game{
		ID:      uuid.NewString(),
		Kind:    e.policy.Kind(),
		Bet:     bet,
		Creator: p,
		Players: []Player{p},
	}, nil
}

// Start stamps the start time, saves the game and debits the creator in one
// transaction. Calling it again returns the original start time and changes
// nothing.
func (e *Engine) Start(ctx context.Context, g *Game) (time.Time, error) {
	return e.StartWith(ctx, g, nil)
}

// StartWith is Start with a check that runs first inside the same
// transaction. An error from before aborts the start.
func (e *Engine) StartWith(ctx context.Context, g *Game, before func(tx docstore.Tx, now time.Time) error) (time.Time, error) {
	started, first := g.markStarted(e.ledger.Now())
	if !first {
		return started, nil
	}
	err := docstore.TransactRetry(ctx, e.store, func(tx docstore.Tx) error {
		if before != nil {
			if err := before(tx, started); err != nil {
				return err
			}
		}
		creator := g.Creator.Member()
		if err := e.ledger.RequireBalanceTx(tx, creator, g.Bet); err != nil {
			return err
		}
		if err := docstore.TxPutJSON(tx, e.Kind().Collection(), g.ID, g); err != nil {
			return err
		}
		return e.ledger.ApplyTx(tx, []ledger.Delta{{Account: creator.Account, Amount: -g.Bet}}, e.reason("buy-in"))
	})
	if err != nil {
		g.StartTime = nil
		return time.Time{}, docstore.Persistence("start game", err)
	}
	e.log.Info("game started", "game_id", g.ID, "kind", e.Kind(), "bet", g.Bet, "creator", g.Creator.Account().Key())
	return started, nil
}

func (e *Engine) Load(ctx context.Context, id string) (*Game, error) {
	g, err := docstore.GetJSON[Game](ctx, e.store, e.Kind().Collection(), id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, ErrGameNotFound
	}
	if err != nil {
		return nil, docstore.Persistence("load game", err)
	}
	return &g, nil
}

func (e *Engine) List(ctx context.Context) ([]*Game, error) {
	games, err := docstore.ListJSON[Game](ctx, e.store, e.Kind().Collection())
	if err != nil {
		return nil, docstore.Persistence("list games", err)
	}
	out := make([]*Game, 0, len(games))
	for i := range games {
		out = append(out, &games[i])
	}
	return out, nil
}

// AddPlayer appends m, saves the player list and debits the bet in one
// transaction. Callers must hold the game's lock.
func (e *Engine) AddPlayer(ctx context.Context, g *Game, m ledger.Member) error {
	var saved Game
	err := docstore.TransactRetry(ctx, e.store, func(tx docstore.Tx) error {
		cur, err := docstore.TxGetJSON[Game](tx, e.Kind().Collection(), g.ID)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		if err := e.ledger.RequireBalanceTx(tx, m, cur.Bet); err != nil {
			return err
		}
		cur.Players = append(cur.Players, PlayerFrom(m))
		if err := docstore.TxPutJSON(tx, e.Kind().Collection(), cur.ID, cur); err != nil {
			return err
		}
		saved = cur
		return e.ledger.ApplyTx(tx, []ledger.Delta{{Account: m.Account, Amount: -cur.Bet}}, e.reason("buy-in"))
	})
	if err != nil {
		return docstore.Persistence("add player", err)
	}
	*g = saved
	e.log.Info("player joined", "game_id", g.ID, "kind", e.Kind(), "player", m.Key(), "players", len(g.Players))
	return nil
}

// Finish settles and deletes the game in one transaction. A second call for
// the same id returns ErrGameNotFound.
func (e *Engine) Finish(ctx context.Context, id string, trigger *ledger.Member) (Outcome, error) {
	var trig *Player
	if trigger != nil {
		p := PlayerFrom(*trigger)
		trig = &p
	}
	var out Outcome
	err := docstore.TransactRetry(ctx, e.store, func(tx docstore.Tx) error {
		g, err := docstore.TxGetJSON[Game](tx, e.Kind().Collection(), id)
		if errors.Is(err, docstore.ErrNotFound) {
			return ErrGameNotFound
		}
		if err != nil {
			return err
		}
		settlement := e.policy.Settle(&g, trig, e.rng)
		reason := e.reason("payout")
		if settlement.Outcome.Cancelled {
			reason = e.reason("refund")
		} else if trigger != nil {
			if err := e.ledger.RequireBalanceTx(tx, *trigger, g.Bet); err != nil {
				return err
			}
		}
		if err := e.ledger.ApplyTx(tx, settlement.Deltas, reason); err != nil {
			return err
		}
		if err := tx.Delete(e.Kind().Collection(), id); err != nil {
			return err
		}
		out = settlement.Outcome
		return nil
	})
	if err != nil {
		return Outcome{}, docstore.Persistence("finish game", err)
	}
	if out.Cancelled {
		e.log.Info("game cancelled", "game_id", id, "kind", e.Kind(), "refunded", len(out.Refunds))
	} else {
		e.log.Info("game settled", "game_id", id, "kind", e.Kind(), "winner", out.Winner.Account().Key(), "payout", out.Payout)
	}
	return out, nil
}

func (e *Engine) reason(what string) string {
	return string(e.Kind()) + ":" + what
}
