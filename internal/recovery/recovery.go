// Package recovery resolves games that lost their finish job, typically
// because the process died between starting a game and enqueueing the job.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"repbot/internal/apperr"
	"repbot/internal/jobs"
	"repbot/internal/lottery"
	"repbot/internal/metrics"
)

type Jobs interface {
	Pending(ctx context.Context) ([]jobs.Record, error)
}

type Games interface {
	Kinds() []lottery.Kind
	Games(ctx context.Context, kind lottery.Kind) ([]*lottery.Game, error)
	FinishOrphan(ctx context.Context, kind lottery.Kind, id string) (lottery.Outcome, error)
}

type Report struct {
	Scanned  int `json:"scanned"`
	Orphans  int `json:"orphans"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

type Coordinator struct {
	jobs    Jobs
	games   Games
	log     *slog.Logger
	metrics *metrics.Collector
	now     func() time.Time
}

func New(j Jobs, g Games, logger *slog.Logger, m *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{jobs: j, games: g, log: logger, metrics: m, now: time.Now}
}

// finishKind maps a game kind to the job kind that resolves it.
func finishKind(k lottery.Kind) jobs.Kind {
	switch k {
	case lottery.KindRoulette:
		return jobs.KindRouletteFinish
	case lottery.KindSardines:
		return jobs.KindSardinesFinish
	default:
		return ""
	}
}

// Recover finishes every stored game with no pending or running finish job.
// Per-game failures are logged and counted; the error is non-nil only when
// the scan itself fails.
func (c *Coordinator) Recover(ctx context.Context) (Report, error) {
	started := c.now()
	var rep Report

	records, err := c.jobs.Pending(ctx)
	if err != nil {
		return rep, err
	}
	covered := make(map[jobs.Kind]map[string]struct{})
	for _, rec := range records {
		if covered[rec.Kind] == nil {
			covered[rec.Kind] = make(map[string]struct{})
		}
		covered[rec.Kind][rec.Target()] = struct{}{}
	}

	var errs []error
	for _, kind := range c.games.Kinds() {
		games, err := c.games.Games(ctx, kind)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, g := range games {
			rep.Scanned++
			if _, ok := covered[finishKind(kind)][g.ID]; ok {
				continue
			}
			rep.Orphans++
			out, err := c.games.FinishOrphan(ctx, kind, g.ID)
			switch {
			case err == nil:
				rep.Resolved++
				c.log.Info("orphan game resolved", "game_id", g.ID, "kind", kind, "cancelled", out.Cancelled)
			case apperr.IsNotFound(err):
				rep.Resolved++
			default:
				rep.Failed++
				c.log.Error("orphan game not resolved", "game_id", g.ID, "kind", kind, "err", err)
			}
		}
	}

	c.metrics.RecordRecovery(rep.Resolved, c.now().Sub(started).Seconds())
	c.log.Info("recovery complete", "scanned", rep.Scanned, "orphans", rep.Orphans, "resolved", rep.Resolved, "failed", rep.Failed)
	return rep, errors.Join(errs...)
}
