package recovery

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repbot/internal/docstore/memory"
	"repbot/internal/game"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
	"repbot/internal/lottery"
	"repbot/internal/metrics"
)

var now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func member(principal string) ledger.Member {
	return ledger.Member{
		Account:  ledger.Account{Realm: "guild", Principal: principal},
		Name:     principal,
		JoinedAt: now.Add(-1000 * 24 * time.Hour),
	}
}

type world struct {
	store  *memory.Store
	ledger *ledger.Ledger
	sched  *jobs.Scheduler
	svc    *game.Service
}

func newWorld() world {
	store := memory.New()
	clock := func() time.Time { return now }
	led := ledger.New(store, ledger.TenureCredit{}, nil).WithClock(clock)
	sched := jobs.New(store, nil, jobs.Options{Now: clock})
	svc := game.NewService(game.Config{
		RouletteDuration: time.Minute,
		GameExpiry:       time.Hour,
		BaseSeed:         "seed",
	}, game.Deps{Store: store, Ledger: led, Scheduler: sched}, nil)
	sched.Register(svc)
	return world{store: store, ledger: led, sched: sched, svc: svc}
}

// orphan starts a game without enqueueing its finish job.
func (w world) orphan(t *testing.T, p lottery.Policy, creator ledger.Member, bet int64) *lottery.Game {
	t.Helper()
	e := lottery.NewEngine(p, w.store, w.ledger, nil, nil)
	g, err := e.New(creator, bet)
	require.NoError(t, err)
	_, err = e.Start(context.Background(), g)
	require.NoError(t, err)
	return g
}

func TestRecoverFinishesOnlyOrphans(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	m := metrics.NewCollector()

	scheduled, err := w.svc.CreateRoulette(ctx, member("a"), 10, "")
	require.NoError(t, err)
	lost := w.orphan(t, lottery.Roulette{}, member("b"), 10)
	lostSardines := w.orphan(t, lottery.Sardines{BaseSeed: "seed"}, member("c"), 10)

	before, err := w.svc.Balance(ctx, member("b"))
	require.NoError(t, err)

	c := New(w.sched, w.svc, nil, m)
	rep, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 3, Orphans: 2, Resolved: 2}, rep)
	expected := `
# HELP repbot_orphans_recovered_total Games resolved at startup because no finish job was pending
# TYPE repbot_orphans_recovered_total counter
repbot_orphans_recovered_total 2
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "repbot_orphans_recovered_total"))

	_, err = w.svc.Game(ctx, lottery.KindRoulette, scheduled.ID)
	require.NoError(t, err)
	_, err = w.svc.Game(ctx, lottery.KindRoulette, lost.ID)
	require.ErrorIs(t, err, lottery.ErrGameNotFound)
	_, err = w.svc.Game(ctx, lottery.KindSardines, lostSardines.ID)
	require.ErrorIs(t, err, lottery.ErrGameNotFound)

	after, err := w.svc.Balance(ctx, member("b"))
	require.NoError(t, err)
	assert.Equal(t, before+10, after, "lone creator is refunded")

	again, err := c.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{Scanned: 1}, again)
}

func TestRecoverIgnoresJobOfOtherKind(t *testing.T) {
	ctx := context.Background()
	w := newWorld()
	g := w.orphan(t, lottery.Roulette{}, member("a"), 10)
	_, err := w.sched.Enqueue(ctx, jobs.SardinesFinish{GameID: g.ID}, time.Hour)
	require.NoError(t, err)

	rep, err := New(w.sched, w.svc, nil, nil).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Orphans)
	assert.Equal(t, 1, rep.Resolved)
}

type failingJobs struct{}

func (failingJobs) Pending(context.Context) ([]jobs.Record, error) {
	return nil, errors.New("store offline")
}

func TestRecoverStopsWhenJobsUnreadable(t *testing.T) {
	w := newWorld()
	w.orphan(t, lottery.Roulette{}, member("a"), 10)

	_, err := New(failingJobs{}, w.svc, nil, nil).Recover(context.Background())
	require.Error(t, err)

	games, err := w.svc.Games(context.Background(), lottery.KindRoulette)
	require.NoError(t, err)
	assert.Len(t, games, 1)
}
