package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"repbot/internal/apperr"
	"repbot/internal/docstore"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
	"repbot/internal/locks"
	"repbot/internal/lottery"
	"repbot/internal/metrics"
	"repbot/internal/random"
)

type Config struct {
	RouletteDuration       time.Duration
	GameExpiry             time.Duration
	MinPlayersBeforeRejoin int
	BaseSeed               string
	Location               *time.Location
}

type Service struct {
	cfg       Config
	locks     *locks.Registry
	ledger    *ledger.Ledger
	scheduler *jobs.Scheduler
	roulette  *lottery.Engine
	sardines  *lottery.Engine
	policy    lottery.Sardines
	rng       random.Source
	metrics   *metrics.Collector
	log       *slog.Logger
}

var _ jobs.Handlers = (*Service)(nil)

type Deps struct {
	Store     docstore.Store
	Ledger    *ledger.Ledger
	Locks     *locks.Registry
	Scheduler *jobs.Scheduler
	Random    random.Source
	Metrics   *metrics.Collector
}

func NewService(cfg Config, deps Deps, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Random == nil {
		deps.Random = random.Default()
	}
	if deps.Locks == nil {
		deps.Locks = locks.NewRegistry()
	}
	policy := lottery.Sardines{BaseSeed: cfg.BaseSeed, MinPlayersBeforeRejoin: cfg.MinPlayersBeforeRejoin}
	return &Service{
		cfg:       cfg,
		locks:     deps.Locks,
		ledger:    deps.Ledger,
		scheduler: deps.Scheduler,
		roulette:  lottery.NewEngine(lottery.Roulette{}, deps.Store, deps.Ledger, deps.Random, logger),
		sardines:  lottery.NewEngine(policy, deps.Store, deps.Ledger, deps.Random, logger),
		policy:    policy,
		rng:       deps.Random,
		metrics:   deps.Metrics,
		log:       logger,
	}
}

func (s *Service) engine(kind lottery.Kind) (*lottery.Engine, error) {
	switch kind {
	case lottery.KindRoulette:
		return s.roulette, nil
	case lottery.KindSardines:
		return s.sardines, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
}

func (s *Service) Kinds() []lottery.Kind {
	return []lottery.Kind{lottery.KindRoulette, lottery.KindSardines}
}

func (s *Service) Balance(ctx context.Context, m ledger.Member) (int64, error) {
	return s.ledger.GetBalance(ctx, m)
}

func (s *Service) Transfer(ctx context.Context, from ledger.Member, to ledger.Account, amount int64) error {
	return s.ledger.Transfer(ctx, from, to, amount)
}

func (s *Service) Game(ctx context.Context, kind lottery.Kind, id string) (View, error) {
	e, err := s.engine(kind)
	if err != nil {
		return View{}, err
	}
	g, err := e.Load(ctx, id)
	if err != nil {
		return View{}, err
	}
	return s.view(e, g), nil
}

func (s *Service) Games(ctx context.Context, kind lottery.Kind) ([]*lottery.Game, error) {
	e, err := s.engine(kind)
	if err != nil {
		return nil, err
	}
	return e.List(ctx)
}

func (s *Service) CreateRoulette(ctx context.Context, creator ledger.Member, bet int64, token string) (View, error) {
	return s.create(ctx, s.roulette, creator, bet, token, s.cfg.RouletteDuration, nil, func(id string) jobs.Task {
		return jobs.RouletteFinish{GameID: id, InteractionToken: token}
	})
}

// CreateSardines allows one new game per member per local day. The date is
// checked and recorded in the transaction that debits the creator.
func (s *Service) CreateSardines(ctx context.Context, creator ledger.Member, bet int64, token string) (View, error) {
	onceADay := func(tx docstore.Tx, now time.Time) error {
		profile, err := docstore.TxGetJSON[ledger.Profile](tx, ledger.UsersCollection, creator.Key())
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if profile.LastSardinesAt != nil && sameDay(*profile.LastSardinesAt, now, s.cfg.Location) {
			return ErrDailyLimit
		}
		return s.ledger.TouchTx(tx, creator.Account, ledger.MarkSardines, now)
	}
	return s.create(ctx, s.sardines, creator, bet, token, s.cfg.GameExpiry, onceADay, func(id string) jobs.Task {
		return jobs.SardinesFinish{GameID: id, InteractionToken: token}
	})
}

func (s *Service) create(ctx context.Context, e *lottery.Engine, creator ledger.Member, bet int64, token string, delay time.Duration, before func(docstore.Tx, time.Time) error, task func(id string) jobs.Task) (View, error) {
	g, err := e.New(creator, bet)
	if err != nil {
		return View{}, err
	}
	g.InteractionToken = token
	if _, err := e.StartWith(ctx, g, before); err != nil {
		return View{}, err
	}
	if _, err := s.scheduler.Enqueue(ctx, task(g.ID), delay); err != nil {
		s.log.Error("enqueue finish failed, unwinding game", "game_id", g.ID, "kind", e.Kind(), "err", err)
		if _, ferr := s.FinishOrphan(ctx, e.Kind(), g.ID); ferr != nil && !apperr.IsNotFound(ferr) {
			s.log.Error("unwind game failed", "game_id", g.ID, "err", ferr)
		}
		return View{}, err
	}
	return s.view(e, g), nil
}

func (s *Service) JoinRoulette(ctx context.Context, id string, m ledger.Member) (View, error) {
	var out View
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		g, err := s.roulette.Load(ctx, id)
		if err != nil {
			return err
		}
		if g.HasPlayer(m.Account) {
			return ErrAlreadyJoined
		}
		if err := s.roulette.AddPlayer(ctx, g, m); err != nil {
			return err
		}
		out = s.view(s.roulette, g)
		return nil
	})
	return out, err
}

// JoinSardines draws for the joiner before adding them. A losing draw ends
// the game with the joiner charged but not entered.
func (s *Service) JoinSardines(ctx context.Context, id string, m ledger.Member) (JoinResult, error) {
	var out JoinResult
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		g, err := s.sardines.Load(ctx, id)
		if err != nil {
			return err
		}
		if err := s.policy.CheckRejoin(g, m.Account); err != nil {
			return err
		}
		balance, err := s.ledger.GetBalance(ctx, m)
		if err != nil {
			return err
		}
		if balance < g.Bet {
			return fmt.Errorf("%w: have %d, need %d", ledger.ErrInsufficientBalance, balance, g.Bet)
		}

		if s.policy.CanAddPlayer(g, s.rng) {
			if err := s.sardines.AddPlayer(ctx, g, m); err != nil {
				return err
			}
			v := s.view(s.sardines, g)
			out = JoinResult{Joined: true, Game: &v}
			return nil
		}

		outcome, err := s.sardines.Finish(ctx, id, &m)
		if err != nil {
			return err
		}
		s.afterFinish(ctx, outcome)
		out = JoinResult{Ended: true, Outcome: &outcome}
		return nil
	})
	return out, err
}

func (s *Service) FinishRoulette(ctx context.Context, t jobs.RouletteFinish) error {
	_, err := s.finish(ctx, s.roulette, t.GameID)
	return ignoreResolved(err)
}

func (s *Service) FinishSardines(ctx context.Context, t jobs.SardinesFinish) error {
	_, err := s.finish(ctx, s.sardines, t.GameID)
	return ignoreResolved(err)
}

// FinishOrphan resolves a game that has no pending finish job.
func (s *Service) FinishOrphan(ctx context.Context, kind lottery.Kind, id string) (lottery.Outcome, error) {
	e, err := s.engine(kind)
	if err != nil {
		return lottery.Outcome{}, err
	}
	return s.finish(ctx, e, id)
}

func (s *Service) finish(ctx context.Context, e *lottery.Engine, id string) (lottery.Outcome, error) {
	var out lottery.Outcome
	err := s.withLock(ctx, id, func(ctx context.Context) error {
		outcome, err := e.Finish(ctx, id, nil)
		if err != nil {
			return err
		}
		s.afterFinish(ctx, outcome)
		out = outcome
		return nil
	})
	if errors.Is(err, lottery.ErrGameNotFound) {
		s.locks.Remove(id)
		s.log.Info("game already resolved", "game_id", id, "kind", e.Kind())
	}
	return out, err
}

// afterFinish runs under the game's lock once the game record is gone.
func (s *Service) afterFinish(ctx context.Context, out lottery.Outcome) {
	s.metrics.RecordGame(string(out.Kind), out.Cancelled)
	if _, err := s.scheduler.CancelFor(ctx, out.GameID); err != nil {
		s.log.Warn("cancel finish jobs failed", "game_id", out.GameID, "err", err)
	}
	s.locks.Remove(out.GameID)
}

func (s *Service) withLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	err := s.locks.With(ctx, id, fn)
	s.metrics.SetActiveLocks(s.locks.Len())
	return err
}

// Guess plays the once-a-day number guess. The answer depends only on the
// member and the local date.
func (s *Service) Guess(ctx context.Context, m ledger.Member, guess int) (GuessResult, error) {
	if guess < GuessMin || guess > GuessMax {
		return GuessResult{}, ErrInvalidGuess
	}
	now := s.ledger.Now()
	day := now.In(s.cfg.Location).Format(time.DateOnly)
	answer := random.SeededIntInclusive(GuessMin, GuessMax, s.cfg.BaseSeed, "guess", m.Key(), day)
	reward, rule := GuessReward(answer, guess)

	err := docstore.TransactRetry(ctx, s.ledger.Store(), func(tx docstore.Tx) error {
		profile, err := docstore.TxGetJSON[ledger.Profile](tx, ledger.UsersCollection, m.Key())
		if err != nil && !errors.Is(err, docstore.ErrNotFound) {
			return err
		}
		if profile.LastGuessAt != nil && sameDay(*profile.LastGuessAt, now, s.cfg.Location) {
			return ErrDailyLimit
		}
		if err := s.ledger.TouchTx(tx, m.Account, ledger.MarkGuess, now); err != nil {
			return err
		}
		if reward == 0 {
			return nil
		}
		return s.ledger.ApplyTx(tx, []ledger.Delta{{Account: m.Account, Amount: reward}}, "guess:"+rule)
	})
	if err != nil {
		return GuessResult{}, docstore.Persistence("guess", err)
	}
	return GuessResult{Guess: guess, Answer: answer, Reward: reward, Rule: rule}, nil
}

func (s *Service) view(e *lottery.Engine, g *lottery.Game) View {
	v := View{
		ID:        g.ID,
		Kind:      g.Kind,
		Bet:       g.Bet,
		BuyIn:     g.BuyIn(),
		Creator:   g.Creator,
		Players:   g.PlayersList(),
		StartTime: g.StartTime,
		Pot:       e.PotSize(g),
	}
	if g.StartTime != nil {
		d := s.cfg.GameExpiry
		if g.Kind == lottery.KindRoulette {
			d = s.cfg.RouletteDuration
		}
		expires := g.StartTime.Add(d)
		v.ExpiresAt = &expires
	}
	return v
}

func ignoreResolved(err error) error {
	if apperr.IsNotFound(err) {
		return nil
	}
	return err
}
