package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"repbot/internal/apperr"
	"repbot/internal/docstore/memory"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
	"repbot/internal/locks"
	"repbot/internal/lottery"
	"repbot/internal/random"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	svc   *Service
	store *memory.Store
	led   *ledger.Ledger
	sched *jobs.Scheduler
	locks *locks.Registry
	clock *clock
}

func newHarness(t *testing.T, rng random.Source) harness {
	t.Helper()
	c := &clock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := memory.New()
	led := ledger.New(store, ledger.TenureCredit{}, nil).WithClock(c.Now)
	sched := jobs.New(store, nil, jobs.Options{Now: c.Now, RetryBase: time.Second, RetryMax: 3 * time.Second})
	reg := locks.NewRegistry()
	svc := NewService(Config{
		RouletteDuration:       time.Minute,
		GameExpiry:             time.Hour,
		MinPlayersBeforeRejoin: 4,
		BaseSeed:               "test-seed",
		Location:               time.UTC,
	}, Deps{Store: store, Ledger: led, Locks: reg, Scheduler: sched, Random: rng}, nil)
	sched.Register(svc)
	return harness{svc: svc, store: store, led: led, sched: sched, locks: reg, clock: c}
}

func (h harness) member(principal string) ledger.Member {
	return ledger.Member{
		Account:  ledger.Account{Realm: "guild", Principal: principal},
		Name:     principal,
		JoinedAt: h.clock.Now().Add(-1000 * 24 * time.Hour),
	}
}

func (h harness) balance(t *testing.T, m ledger.Member) int64 {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), m)
	require.NoError(t, err)
	return b
}

func TestRouletteLifecycleThroughScheduler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &random.Sequence{Ints: []int{2}})
	a, b, c := h.member("a"), h.member("b"), h.member("c")
	start := h.balance(t, a)

	v, err := h.svc.CreateRoulette(ctx, a, 100, "tok")
	require.NoError(t, err)
	require.NotNil(t, v.ExpiresAt)
	assert.Equal(t, v.StartTime.Add(time.Minute), *v.ExpiresAt)

	_, err = h.svc.JoinRoulette(ctx, v.ID, b)
	require.NoError(t, err)
	joined, err := h.svc.JoinRoulette(ctx, v.ID, c)
	require.NoError(t, err)
	assert.Equal(t, int64(300), joined.Pot)

	_, err = h.svc.JoinRoulette(ctx, v.ID, b)
	require.ErrorIs(t, err, ErrAlreadyJoined)

	n, err := h.sched.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.clock.Advance(time.Minute)
	n, err = h.sched.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, start-100, h.balance(t, a))
	assert.Equal(t, start-100, h.balance(t, b))
	assert.Equal(t, start+200, h.balance(t, c))

	_, err = h.svc.Game(ctx, lottery.KindRoulette, v.ID)
	require.ErrorIs(t, err, lottery.ErrGameNotFound)
	pending, err := h.sched.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Equal(t, 0, h.locks.Len())
}

func TestFinishHandlerToleratesResolvedGame(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	require.NoError(t, h.svc.FinishRoulette(ctx, jobs.RouletteFinish{GameID: "gone"}))
	require.NoError(t, h.svc.FinishSardines(ctx, jobs.SardinesFinish{GameID: "gone"}))

	_, err := h.svc.FinishOrphan(ctx, lottery.KindRoulette, "gone")
	require.ErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, 0, h.locks.Len())
}

func TestConcurrentFinishSettlesOnce(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b := h.member("a"), h.member("b")
	startA, startB := h.balance(t, a), h.balance(t, b)

	v, err := h.svc.CreateRoulette(ctx, a, 50, "")
	require.NoError(t, err)
	_, err = h.svc.JoinRoulette(ctx, v.ID, b)
	require.NoError(t, err)

	var eg errgroup.Group
	for range 4 {
		eg.Go(func() error {
			return h.svc.FinishRoulette(ctx, jobs.RouletteFinish{GameID: v.ID})
		})
	}
	require.NoError(t, eg.Wait())

	total := h.balance(t, a) + h.balance(t, b)
	assert.Equal(t, startA+startB, total)

	entries, err := h.led.Entries(ctx)
	require.NoError(t, err)
	payouts := 0
	for _, e := range entries {
		if e.Reason == "roulette:payout" {
			payouts++
		}
	}
	assert.Equal(t, 1, payouts)
}

func TestSardinesJoinThenLosingDrawEndsGame(t *testing.T) {
	ctx := context.Background()
	// First join draws 0.99 and passes, second draws 0.0 and fails. The
	// winner index is 1.
	rng := &random.Sequence{Floats: []float64{0.99, 0.0}, Ints: []int{1}}
	h := newHarness(t, rng)
	a, b, loser := h.member("a"), h.member("b"), h.member("loser")
	startA, startB, startL := h.balance(t, a), h.balance(t, b), h.balance(t, loser)

	v, err := h.svc.CreateSardines(ctx, a, 100, "tok")
	require.NoError(t, err)
	assert.Equal(t, int64(200), v.Pot, "pot counts the bet of the next joiner")

	res, err := h.svc.JoinSardines(ctx, v.ID, b)
	require.NoError(t, err)
	require.True(t, res.Joined)
	assert.Equal(t, int64(300), res.Game.Pot)

	res, err = h.svc.JoinSardines(ctx, v.ID, loser)
	require.NoError(t, err)
	require.True(t, res.Ended)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, "b", res.Outcome.Winner.Principal)
	assert.Equal(t, "loser", res.Outcome.Loser.Principal)

	payout := res.Outcome.Payout
	assert.Equal(t, startA-100, h.balance(t, a))
	assert.Equal(t, startB-100+payout, h.balance(t, b))
	assert.Equal(t, startL-100, h.balance(t, loser))

	pending, err := h.sched.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending, "expiry job is cancelled once the game ends")

	_, err = h.svc.JoinSardines(ctx, v.ID, h.member("late"))
	require.ErrorIs(t, err, lottery.ErrGameNotFound)
}

func TestSardinesRejectsEarlyRejoinAndPoorJoiner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, &random.Sequence{Floats: []float64{0.99}})
	a := h.member("a")

	v, err := h.svc.CreateSardines(ctx, a, 100, "")
	require.NoError(t, err)

	_, err = h.svc.JoinSardines(ctx, v.ID, a)
	require.ErrorIs(t, err, lottery.ErrRejoinNotAllowed)

	poor := h.member("poor")
	poor.JoinedAt = h.clock.Now()
	_, err = h.svc.JoinSardines(ctx, v.ID, poor)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	g, err := h.svc.Game(ctx, lottery.KindSardines, v.ID)
	require.NoError(t, err)
	assert.Len(t, g.Players, 1)
}

func TestSardinesCreateOncePerDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.member("a")

	_, err := h.svc.CreateSardines(ctx, a, 10, "")
	require.NoError(t, err)
	_, err = h.svc.CreateSardines(ctx, a, 10, "")
	require.ErrorIs(t, err, ErrDailyLimit)

	h.clock.Advance(24 * time.Hour)
	_, err = h.svc.CreateSardines(ctx, a, 10, "")
	require.NoError(t, err)
}

func TestConcurrentSardinesCreatesHonourDailyLimit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.member("a")
	start := h.balance(t, a)

	const n = 8
	release := make(chan struct{})
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-release
			_, errs[i] = h.svc.CreateSardines(ctx, a, 10, "")
		}()
	}
	close(release)
	wg.Wait()

	created := 0
	for _, err := range errs {
		if err == nil {
			created++
			continue
		}
		require.ErrorIs(t, err, ErrDailyLimit)
	}
	assert.Equal(t, 1, created)
	assert.Equal(t, 1, h.store.Len(lottery.KindSardines.Collection()))
	assert.Equal(t, start-10, h.balance(t, a))

	pending, err := h.sched.Pending(ctx)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestSardinesCreateFailureLeavesDayOpen(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	poor := h.member("poor")
	poor.JoinedAt = h.clock.Now()

	_, err := h.svc.CreateSardines(ctx, poor, 10, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	p, err := h.led.Profile(ctx, poor.Account)
	require.NoError(t, err)
	assert.Nil(t, p.LastSardinesAt)
}

func TestSardinesExpiryRefundsLoneCreator(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.member("a")
	start := h.balance(t, a)

	v, err := h.svc.CreateSardines(ctx, a, 40, "")
	require.NoError(t, err)
	assert.Equal(t, start-40, h.balance(t, a))

	h.clock.Advance(time.Hour)
	n, err := h.sched.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, start, h.balance(t, a))

	_, err = h.svc.Game(ctx, lottery.KindSardines, v.ID)
	require.ErrorIs(t, err, lottery.ErrGameNotFound)
}

func TestCreateRejectsBadInput(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	_, err := h.svc.CreateRoulette(ctx, h.member("a"), 0, "")
	require.ErrorIs(t, err, lottery.ErrInvalidBet)

	poor := h.member("poor")
	poor.JoinedAt = h.clock.Now()
	_, err = h.svc.CreateRoulette(ctx, poor, 10, "")
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	pending, err := h.sched.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = h.svc.Games(ctx, lottery.Kind("poker"))
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestGuessReward(t *testing.T) {
	cases := []struct {
		name          string
		answer, guess int
		want          int64
	}{
		{"exact", 42, 42, ExactGuessReward},
		{"magic pair", 42, 59, MagicPairReward},
		{"near below", 42, 39, NearGuessReward},
		{"near above", 42, 45, NearGuessReward},
		{"last digit", 42, 92, LastDigitReward},
		{"miss", 42, 70, 0},
		{"magic beats near", 50, 51, MagicPairReward},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, _ := GuessReward(tc.answer, tc.guess)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestGuessOncePerDay(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := h.member("a")
	start := h.balance(t, a)

	_, err := h.svc.Guess(ctx, a, 0)
	require.ErrorIs(t, err, ErrInvalidGuess)

	res, err := h.svc.Guess(ctx, a, 50)
	require.NoError(t, err)
	want, _ := GuessReward(res.Answer, 50)
	assert.Equal(t, want, res.Reward)
	assert.Equal(t, start+res.Reward, h.balance(t, a))

	_, err = h.svc.Guess(ctx, a, 50)
	require.ErrorIs(t, err, ErrDailyLimit)

	h.clock.Advance(24 * time.Hour)
	again, err := h.svc.Guess(ctx, a, 50)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, again.Answer, GuessMin)
	assert.LessOrEqual(t, again.Answer, GuessMax)
}

func TestGuessAnswerIsStableForDay(t *testing.T) {
	ctx := context.Background()
	h1 := newHarness(t, nil)
	h2 := newHarness(t, nil)
	r1, err := h1.svc.Guess(ctx, h1.member("a"), 10)
	require.NoError(t, err)
	r2, err := h2.svc.Guess(ctx, h2.member("a"), 90)
	require.NoError(t, err)
	assert.Equal(t, r1.Answer, r2.Answer)
}
