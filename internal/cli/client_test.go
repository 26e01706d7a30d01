package cli

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"repbot/internal/api"
	"repbot/internal/docstore/memory"
	"repbot/internal/game"
	"repbot/internal/jobs"
	"repbot/internal/ledger"
)

func newAPI(t *testing.T) *httptest.Server {
	t.Helper()
	store := memory.New()
	led := ledger.New(store, ledger.TenureCredit{}, nil)
	sched := jobs.New(store, nil, jobs.Options{})
	svc := game.NewService(game.Config{
		RouletteDuration: time.Minute,
		GameExpiry:       time.Hour,
		BaseSeed:         "seed",
	}, game.Deps{Store: store, Ledger: led, Scheduler: sched}, nil)
	sched.Register(svc)
	srv := httptest.NewServer(api.New(nil, svc, sched, nil).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func identity(member string) Identity {
	return Identity{
		RealmID:  "guild",
		MemberID: member,
		Name:     member,
		JoinedAt: time.Now().AddDate(0, 0, -500).UTC().Format(time.RFC3339),
	}
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := newAPI(t)
	a := NewClient(srv.URL+"/", identity("a"))
	b := NewClient(srv.URL, identity("b"))

	bal, err := a.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 500, bal["balance"], 1)

	_, err = a.Send(ctx, "b", 25)
	require.NoError(t, err)

	created, err := a.CreateGame(ctx, "roulette", 10, "tok")
	require.NoError(t, err)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	joined, err := b.JoinGame(ctx, "roulette", id)
	require.NoError(t, err)
	assert.Len(t, joined["players"], 2)

	shown, err := b.Game(ctx, "roulette", id)
	require.NoError(t, err)
	assert.Equal(t, id, shown["id"])

	rolled, err := a.Roll(ctx, "", true)
	require.NoError(t, err)
	assert.Equal(t, "1d6", rolled["dice"])
	assert.Len(t, rolled["rolls"], 1)

	list, err := a.Jobs(ctx)
	require.NoError(t, err)
	assert.Len(t, list["jobs"], 1)

	gone, err := b.JoinGame(ctx, "roulette", "missing")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	ctx := context.Background()
	srv := newAPI(t)
	a := NewClient(srv.URL, identity("a"))

	_, err := a.Send(ctx, "a", 5)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, "yourself")

	_, err = a.Roll(ctx, "1d0", false)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Contains(t, se.Message, "cannot be 0")

	_, err = a.Game(ctx, "sardines", "missing")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
}

func TestClientRequiresIdentityForMemberRoutes(t *testing.T) {
	srv := newAPI(t)
	c := NewClient(srv.URL, Identity{})
	_, err := c.Balance(context.Background())
	require.Error(t, err)

	_, err = c.DeadJobs(context.Background())
	require.NoError(t, err)
}

func TestIdentityStore(t *testing.T) {
	s := IdentityStore{Dir: t.TempDir()}

	empty, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{}, empty)

	require.Error(t, s.Save(Identity{RealmID: "g"}))

	id := identity("a")
	require.NoError(t, s.Save(id))
	loaded, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, id, loaded)

	merged := Identity{MemberID: "other"}.Merge(loaded)
	assert.Equal(t, "other", merged.MemberID)
	assert.Equal(t, "guild", merged.RealmID)

	require.NoError(t, s.Clear())
	require.NoError(t, s.Clear())
	loaded, err = s.Load()
	require.NoError(t, err)
	assert.Equal(t, Identity{}, loaded)
}
