package lottery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repbot/internal/apperr"
	"repbot/internal/docstore/memory"
	"repbot/internal/ledger"
	"repbot/internal/random"
)

var fixedNow = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func member(principal string) ledger.Member {
	return ledger.Member{
		Account:  ledger.Account{Realm: "guild", Principal: principal},
		Name:     principal,
		JoinedAt: fixedNow.Add(-1000 * 24 * time.Hour),
	}
}

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
}

func newFixture() fixture {
	store := memory.New()
	l := ledger.New(store, ledger.TenureCredit{}, nil).WithClock(func() time.Time { return fixedNow })
	return fixture{store: store, ledger: l}
}

func (f fixture) engine(p Policy, rng random.Source) *Engine {
	return NewEngine(p, f.store, f.ledger, rng, nil)
}

func (f fixture) offset(t *testing.T, m ledger.Member) int64 {
	t.Helper()
	p, err := f.ledger.Profile(context.Background(), m.Account)
	require.NoError(t, err)
	return p.Offset
}

func TestNewRejectsNonPositiveBet(t *testing.T) {
	f := newFixture()
	e := f.engine(Roulette{}, nil)
	for _, bet := range []int64{0, -5} {
		_, err := e.New(member("a"), bet)
		require.ErrorIs(t, err, ErrInvalidBet)
		require.ErrorIs(t, err, apperr.ErrValidation)
	}
	g, err := e.New(member("a"), 10)
	require.NoError(t, err)
	require.Len(t, g.Players, 1)
	assert.Equal(t, "a", g.Creator.Principal)
	assert.Equal(t, int64(10), g.BuyIn())
}

func TestStartIsIdempotentAndDebitsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	e := f.engine(Roulette{}, nil)
	a := member("a")

	g, err := e.New(a, 100)
	require.NoError(t, err)
	first, err := e.Start(ctx, g)
	require.NoError(t, err)
	second, err := e.Start(ctx, g)
	require.NoError(t, err)
	assert.True(t, first.Equal(second))
	assert.Equal(t, int64(-100), f.offset(t, a))

	loaded, err := e.Load(ctx, g.ID)
	require.NoError(t, err)
	require.NotNil(t, loaded.StartTime)
	assert.True(t, loaded.StartTime.Equal(first))
}

func TestStartRejectsInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	e := f.engine(Roulette{}, nil)
	poor := member("poor")
	poor.JoinedAt = fixedNow

	g, err := e.New(poor, 5)
	require.NoError(t, err)
	_, err = e.Start(ctx, g)
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Nil(t, g.StartTime)

	_, err = e.Load(ctx, g.ID)
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestRouletteScenarioThreePlayers(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	e := f.engine(Roulette{}, &random.Sequence{Ints: []int{1}})
	a, b, c := member("a"), member("b"), member("c")

	g, err := e.New(a, 100)
	require.NoError(t, err)
	_, err = e.Start(ctx, g)
	require.NoError(t, err)
	require.NoError(t, e.AddPlayer(ctx, g, b))
	require.NoError(t, e.AddPlayer(ctx, g, c))
	assert.Equal(t, int64(300), e.PotSize(g))
	assert.True(t, e.CanFinish(g))

	out, err := e.Finish(ctx, g.ID, nil)
	require.NoError(t, err)
	assert.False(t, out.Cancelled)
	require.NotNil(t, out.Winner)
	assert.Equal(t, "b", out.Winner.Principal)
	assert.Equal(t, int64(300), out.Payout)

	assert.Equal(t, int64(-100), f.offset(t, a))
	assert.Equal(t, int64(200), f.offset(t, b))
	assert.Equal(t, int64(-100), f.offset(t, c))

	_, err = e.Load(ctx, g.ID)
	require.ErrorIs(t, err, ErrGameNotFound)
}

func TestRoulettePotTracksPlayers(t *testing.T) {
	g := &Game{Bet: 7}
	for n := 0; n < 6; n++ {
		assert.Equal(t, int64(7*n), Roulette{}.PotSize(g))
		g.Players = append(g.Players, Player{Principal: "p"})
	}
}

func TestFinishAloneRefundsAndSecondFinishIsNotFound(t *testing.T) {
	ctx := context.Background()
	for _, p := range []Policy{Roulette{}, Sardines{BaseSeed: "s", MinPlayersBeforeRejoin: 4}} {
		t.Run(string(p.Kind()), func(t *testing.T) {
			f := newFixture()
			e := f.engine(p, nil)
			a := member("a")

			g, err := e.New(a, 50)
			require.NoError(t, err)
			_, err = e.Start(ctx, g)
			require.NoError(t, err)
			require.False(t, e.CanFinish(g))

			out, err := e.Finish(ctx, g.ID, nil)
			require.NoError(t, err)
			assert.True(t, out.Cancelled)
			assert.Nil(t, out.Winner)
			assert.Equal(t, int64(0), f.offset(t, a))

			_, err = e.Finish(ctx, g.ID, nil)
			require.ErrorIs(t, err, ErrGameNotFound)
			require.ErrorIs(t, err, apperr.ErrNotFound)
		})
	}
}

func TestAddPlayerToMissingGame(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	e := f.engine(Roulette{}, nil)
	g, err := e.New(member("a"), 10)
	require.NoError(t, err)

	err = e.AddPlayer(ctx, g, member("b"))
	require.ErrorIs(t, err, ErrGameNotFound)
	assert.Equal(t, int64(0), f.offset(t, member("b")))
}

func TestListReturnsOnlyOwnKind(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	r := f.engine(Roulette{}, nil)
	s := f.engine(Sardines{BaseSeed: "s"}, nil)

	g1, err := r.New(member("a"), 1)
	require.NoError(t, err)
	_, err = r.Start(ctx, g1)
	require.NoError(t, err)
	g2, err := s.New(member("b"), 1)
	require.NoError(t, err)
	_, err = s.Start(ctx, g2)
	require.NoError(t, err)

	games, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, games, 1)
	assert.Equal(t, g1.ID, games[0].ID)
	assert.Equal(t, KindRoulette, games[0].Kind)
}
