package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"whoop-sync/internal/database"
	"whoop-sync/internal/mapping"
	"whoop-sync/internal/metrics"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/whoop"
)

// ErrUnknownUser means the event belongs to a WHOOP account that is not
// connected here. Such events are acknowledged.
var ErrUnknownUser = errors.New("webhook for unknown user")

// Dispatcher routes verified events to a single-record fetch and upsert
type Dispatcher struct {
	db     *database.DB
	tokens *tokens.Store
	client *whoop.Client
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher
func NewDispatcher(db *database.DB, tokenStore *tokens.Store, client *whoop.Client) *Dispatcher {
	return &Dispatcher{
		db:     db,
		tokens: tokenStore,
		client: client,
		logger: slog.Default(),
	}
}

type handlerFunc func(ctx context.Context, p *database.Profile, ev *Event) error

func (d *Dispatcher) route(eventType string) (handlerFunc, bool) {
	switch eventType {
	case TypeRecoveryUpdated:
		return d.recoveryUpdated, true
	case TypeRecoveryDeleted:
		return d.recoveryDeleted, true
	case TypeCycleUpdated:
		return d.cycleUpdated, true
	case TypeSleepUpdated:
		return d.sleepUpdated, true
	case TypeSleepDeleted:
		return d.deleted(database.KindSleep), true
	case TypeWorkoutUpdated:
		return d.workoutUpdated, true
	case TypeWorkoutDeleted:
		return d.deleted(database.KindWorkout), true
	case TypeBodyMeasurementUpdated:
		return d.bodyMeasurementUpdated, true
	case TypeUserUpdated:
		return d.userUpdated, true
	}
	return nil, false
}

// Dispatch processes one event. Unknown event types are acknowledged
// without touching storage. It returns ErrUnknownUser for accounts that are
// not connected and tokens.ErrRefreshFailed when the user must authorize
// again; callers acknowledge both.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *Event) error {
	handle, ok := d.route(ev.Type)
	if !ok {
		d.logger.Info("Ignoring unknown webhook event type", "event_type", ev.Type, "event_id", ev.ID)
		metrics.WebhookEventsTotal.WithLabelValues("unknown", metrics.WebhookIgnored).Inc()
		return nil
	}

	profile, err := d.db.GetProfileByWhoopUserID(ctx, int64(ev.UserID))
	if err != nil {
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookFailed).Inc()
		return err
	}
	if profile == nil {
		d.logger.Info("Webhook for unknown user", "whoop_user_id", ev.UserID, "event_type", ev.Type)
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookUnknownUser).Inc()
		return ErrUnknownUser
	}

	err = handle(ctx, profile, ev)
	switch {
	case err == nil:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookProcessed).Inc()
		d.logger.Info("Processed webhook event", "event_type", ev.Type, "event_id", ev.ID, "user_id", profile.UserID)
		return nil
	case errors.Is(err, whoop.ErrNotFound):
		// The record is gone upstream; nothing to sync
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookIgnored).Inc()
		d.logger.Info("Webhook record no longer exists", "event_type", ev.Type, "event_id", ev.ID)
		return nil
	case errors.Is(err, ErrMalformedPayload):
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookMalformed).Inc()
		return err
	case errors.Is(err, tokens.ErrNotConnected):
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookUnknownUser).Inc()
		d.logger.Info("Webhook for disconnected user", "user_id", profile.UserID, "event_type", ev.Type)
		return fmt.Errorf("%w: %w", ErrUnknownUser, err)
	default:
		metrics.WebhookEventsTotal.WithLabelValues(ev.Type, metrics.WebhookFailed).Inc()
		d.logger.Error("Failed to process webhook event", "event_type", ev.Type, "event_id", ev.ID, "user_id", profile.UserID, "error", err)
		return err
	}
}

// Acknowledged reports whether a dispatch error should still be answered
// with success because redelivery cannot help
func Acknowledged(err error) bool {
	return err == nil || errors.Is(err, ErrUnknownUser) || errors.Is(err, tokens.ErrRefreshFailed)
}

func (d *Dispatcher) upsert(ctx context.Context, r database.Record) error {
	if err := d.db.UpsertRecord(ctx, r); err != nil {
		return err
	}
	metrics.RecordsUpsertedTotal.WithLabelValues(string(r.Kind()), "webhook").Inc()
	return nil
}

func (d *Dispatcher) recoveryUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		cycleID, err := d.resolveCycleID(ctx, token, string(ev.ID))
		if err != nil {
			return err
		}
		rec, err := d.client.GetRecoveryForCycle(ctx, token, cycleID)
		if err != nil {
			return err
		}
		return d.upsert(ctx, mapping.Recovery(p.ID, rec))
	})
}

// resolveCycleID accepts a cycle id or a sleep id, whose cycle is looked up
func (d *Dispatcher) resolveCycleID(ctx context.Context, token, id string) (int64, error) {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n, nil
	}
	sleep, err := d.client.GetSleep(ctx, token, id)
	if err != nil {
		return 0, err
	}
	if sleep.CycleID == 0 {
		return 0, fmt.Errorf("sleep %s has no cycle", id)
	}
	return sleep.CycleID, nil
}

func (d *Dispatcher) recoveryDeleted(ctx context.Context, p *database.Profile, ev *Event) error {
	id := string(ev.ID)
	if _, err := strconv.ParseInt(id, 10, 64); err != nil {
		// Keyed by sleep; the sleep may already be gone upstream
		rec, err := d.db.FindRecord(ctx, database.KindSleep, id)
		if err != nil {
			return err
		}
		sleep, ok := rec.(*database.Sleep)
		if !ok || sleep.CycleID == nil {
			d.logger.Info("No local sleep for deleted recovery", "sleep_id", id)
			return nil
		}
		id = mapping.CycleID(*sleep.CycleID)
	}
	return d.deleteRecord(ctx, p, database.KindRecovery, id)
}

func (d *Dispatcher) deleted(kind database.Kind) handlerFunc {
	return func(ctx context.Context, p *database.Profile, ev *Event) error {
		return d.deleteRecord(ctx, p, kind, string(ev.ID))
	}
}

func (d *Dispatcher) deleteRecord(ctx context.Context, p *database.Profile, kind database.Kind, whoopID string) error {
	rec, err := d.db.FindRecord(ctx, kind, whoopID)
	if err != nil {
		return err
	}
	if rec == nil || rec.Meta().ProfileID != p.ID {
		return nil
	}
	_, err = d.db.DeleteRecord(ctx, kind, whoopID)
	return err
}

func (d *Dispatcher) cycleUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	id, err := strconv.ParseInt(string(ev.ID), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: cycle id %q is not numeric", ErrMalformedPayload, ev.ID)
	}
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		c, err := d.client.GetCycle(ctx, token, id)
		if err != nil {
			return err
		}
		return d.upsert(ctx, mapping.Cycle(p.ID, c))
	})
}

func (d *Dispatcher) sleepUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		s, err := d.client.GetSleep(ctx, token, string(ev.ID))
		if err != nil {
			return err
		}
		return d.upsert(ctx, mapping.Sleep(p.ID, s))
	})
}

func (d *Dispatcher) workoutUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		w, err := d.client.GetWorkout(ctx, token, string(ev.ID))
		if err != nil {
			return err
		}
		return d.upsert(ctx, mapping.Workout(p.ID, w))
	})
}

func (d *Dispatcher) bodyMeasurementUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		b, err := d.client.GetBodyMeasurement(ctx, token)
		if err != nil {
			return err
		}
		return d.upsert(ctx, mapping.BodyMeasurement(p.ID, p.WhoopUserID, b))
	})
}

func (d *Dispatcher) userUpdated(ctx context.Context, p *database.Profile, ev *Event) error {
	return d.tokens.WithToken(ctx, p.UserID, func(ctx context.Context, token string) error {
		remote, err := d.client.GetProfile(ctx, token)
		if err != nil {
			return err
		}
		if remote.UserID != 0 && remote.UserID != p.WhoopUserID {
			return fmt.Errorf("profile belongs to WHOOP user %d, expected %d", remote.UserID, p.WhoopUserID)
		}
		updated := *p
		updated.Email = strings.TrimSpace(remote.Email)
		updated.FirstName = remote.FirstName
		updated.LastName = remote.LastName
		return d.db.UpsertProfile(ctx, &updated)
	})
}
