package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"whoop-sync/internal/database"
	"whoop-sync/internal/mapping"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/whoop"
)

// DefaultDays is the history pulled after a fresh connection
const DefaultDays = 30

// Result reports what a backfill stored per kind and which kinds failed
type Result struct {
	Counts map[database.Kind]int    `json:"counts"`
	Errors map[database.Kind]string `json:"errors"`
}

// Failed reports whether any kind failed
func (r Result) Failed() bool {
	return len(r.Errors) > 0
}

func newResult() Result {
	r := Result{
		Counts: make(map[database.Kind]int, len(database.Kinds)),
		Errors: make(map[database.Kind]string),
	}
	for _, k := range database.Kinds {
		r.Counts[k] = 0
	}
	return r
}

// Orchestrator pulls a user's history for every kind
type Orchestrator struct {
	db          *database.DB
	tokens      *tokens.Store
	client      *whoop.Client
	concurrency int
	logger      *slog.Logger
}

// NewOrchestrator creates an orchestrator running up to concurrency kinds
// at once
func NewOrchestrator(db *database.DB, tokenStore *tokens.Store, client *whoop.Client, concurrency int) *Orchestrator {
	if concurrency <= 0 {
		concurrency = len(database.Kinds)
	}
	return &Orchestrator{
		db:          db,
		tokens:      tokenStore,
		client:      client,
		concurrency: concurrency,
		logger:      slog.Default(),
	}
}

// Backfill syncs [since, until] for every kind. Kinds fail independently and
// the error of each is reported in the result; Backfill itself never fails.
// Each page is stored before the next is requested, so a cancelled backfill
// keeps what it already fetched.
func (o *Orchestrator) Backfill(ctx context.Context, userID string, since, until time.Time) Result {
	result := newResult()
	start := time.Now()

	profile, err := o.db.GetProfileByUserID(ctx, userID)
	if err == nil && profile == nil {
		err = tokens.ErrNotConnected
	}
	if err == nil {
		_, err = o.tokens.ValidAccessToken(ctx, userID)
	}
	if err != nil {
		for _, k := range database.Kinds {
			result.Errors[k] = err.Error()
		}
		metrics.BackfillsCompletedTotal.WithLabelValues("failed").Inc()
		o.logger.Warn("Backfill could not start", "user_id", userID, "error", err)
		return result
	}

	o.logger.Info("Starting backfill", "user_id", userID, "since", since, "until", until)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(o.concurrency)
	opts := whoop.ListOptions{Start: since, End: until}

	for _, kind := range database.Kinds {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					o.record(&mu, &result, kind, 0, fmt.Errorf("panic: %v", r))
				}
			}()
			n, err := o.syncKind(ctx, kind, userID, profile, opts)
			o.record(&mu, &result, kind, n, err)
			return nil
		})
	}
	g.Wait()

	outcome := "success"
	if result.Failed() {
		outcome = "partial"
		if len(result.Errors) == len(database.Kinds) {
			outcome = "failed"
		}
	} else if err := o.db.SetLastSyncAt(ctx, profile.ID, time.Now()); err != nil {
		o.logger.Error("Failed to update last sync time", "user_id", userID, "error", err)
	}
	metrics.BackfillsCompletedTotal.WithLabelValues(outcome).Inc()

	o.logger.Info("Backfill finished",
		"user_id", userID,
		"result", outcome,
		"counts", result.Counts,
		"errors", result.Errors,
		"duration_ms", time.Since(start).Milliseconds())
	return result
}

func (o *Orchestrator) record(mu *sync.Mutex, result *Result, kind database.Kind, n int, err error) {
	mu.Lock()
	defer mu.Unlock()
	result.Counts[kind] = n
	metrics.BackfillRecordCount.WithLabelValues(string(kind)).Observe(float64(n))
	if err != nil {
		result.Errors[kind] = err.Error()
		if !errors.Is(err, context.Canceled) {
			o.logger.Warn("Backfill kind failed", "kind", kind, "stored", n, "error", err)
		}
	}
}

// syncKind returns how many records were stored. On a 401 the token store
// refreshes and the kind restarts from the first page; upserts make the
// repeated pages harmless.
func (o *Orchestrator) syncKind(ctx context.Context, kind database.Kind, userID string, profile *database.Profile, opts whoop.ListOptions) (int, error) {
	var n int
	err := o.tokens.WithToken(ctx, userID, func(ctx context.Context, token string) error {
		n = 0
		store := func(r database.Record) error {
			if err := o.db.UpsertRecord(ctx, r); err != nil {
				return err
			}
			n++
			metrics.RecordsUpsertedTotal.WithLabelValues(string(kind), "backfill").Inc()
			return nil
		}

		switch kind {
		case database.KindCycle:
			return o.client.ListCycles(ctx, token, opts, func(page []whoop.Cycle) error {
				for i := range page {
					if err := store(mapping.Cycle(profile.ID, &page[i])); err != nil {
						return err
					}
				}
				return nil
			})
		case database.KindRecovery:
			return o.client.ListRecoveries(ctx, token, opts, func(page []whoop.Recovery) error {
				for i := range page {
					if err := store(mapping.Recovery(profile.ID, &page[i])); err != nil {
						return err
					}
				}
				return nil
			})
		case database.KindSleep:
			return o.client.ListSleeps(ctx, token, opts, func(page []whoop.Sleep) error {
				for i := range page {
					if err := store(mapping.Sleep(profile.ID, &page[i])); err != nil {
						return err
					}
				}
				return nil
			})
		case database.KindWorkout:
			return o.client.ListWorkouts(ctx, token, opts, func(page []whoop.Workout) error {
				for i := range page {
					if err := store(mapping.Workout(profile.ID, &page[i])); err != nil {
						return err
					}
				}
				return nil
			})
		case database.KindBodyMeasurement:
			b, err := o.client.GetBodyMeasurement(ctx, token)
			if err != nil {
				return err
			}
			return store(mapping.BodyMeasurement(profile.ID, profile.WhoopUserID, b))
		}
		return fmt.Errorf("unsupported kind %s", kind)
	})
	return n, err
}
