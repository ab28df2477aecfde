package backfill

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"whoop-sync/internal/database"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/whoop"
	"whoop-sync/internal/whooptest"
)

func setupBackfillTest(t *testing.T) (*Orchestrator, *database.DB, *whooptest.Server, *database.Profile) {
	t.Helper()

	db, err := database.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	fake := whooptest.NewServer(t)
	for i := int64(1); i <= 5; i++ {
		fake.Cycles = append(fake.Cycles, whoop.Cycle{ID: i, ScoreState: whoop.ScoreStateScored, Score: &whoop.CycleScore{Strain: float64(i)}})
		fake.Recoveries = append(fake.Recoveries, whoop.Recovery{CycleID: i, ScoreState: whoop.ScoreStatePending})
	}
	for i := 1; i <= 3; i++ {
		fake.Sleeps = append(fake.Sleeps, whoop.Sleep{ID: fmt.Sprintf("sleep-%d", i), CycleID: int64(i)})
		fake.Workouts = append(fake.Workouts, whoop.Workout{ID: fmt.Sprintf("workout-%d", i), SportName: "running"})
	}

	client := whoop.NewClient(fake.Config())
	store := tokens.NewStore(db, client, nil)
	ctx := context.Background()

	profile := &database.Profile{UserID: "user-1", WhoopUserID: 10129}
	if err := db.UpsertProfile(ctx, profile); err != nil {
		t.Fatalf("Failed to upsert profile: %v", err)
	}
	err = store.SaveExchange(ctx, "user-1", &whoop.Token{AccessToken: fake.AccessToken(), RefreshToken: "r", ExpiresAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Failed to save tokens: %v", err)
	}

	return NewOrchestrator(db, store, client, 3), db, fake, profile
}

func window() (time.Time, time.Time) {
	until := time.Now()
	return until.AddDate(0, 0, -DefaultDays), until
}

func TestBackfillAllKinds(t *testing.T) {
	o, db, fake, profile := setupBackfillTest(t)
	ctx := context.Background()
	since, until := window()

	result := o.Backfill(ctx, "user-1", since, until)
	if result.Failed() {
		t.Fatalf("Expected no errors, got %v", result.Errors)
	}

	want := map[database.Kind]int{
		database.KindCycle:           5,
		database.KindRecovery:        5,
		database.KindSleep:           3,
		database.KindWorkout:         3,
		database.KindBodyMeasurement: 1,
	}
	for kind, n := range want {
		if result.Counts[kind] != n {
			t.Errorf("Expected %d %s, got %d", n, kind, result.Counts[kind])
		}
		stored, _ := db.CountRecords(ctx, kind, profile.ID)
		if stored != n {
			t.Errorf("Expected %d stored %s, got %d", n, kind, stored)
		}
	}

	// Five cycles at two per page
	if n := fake.Calls("GET /v2/cycle"); n != 3 {
		t.Errorf("Expected 3 cycle pages, got %d", n)
	}

	p, _ := db.GetProfileByUserID(ctx, "user-1")
	if p.LastSyncAt == nil {
		t.Error("Expected last sync time set")
	}
}

func TestBackfillIsIdempotent(t *testing.T) {
	o, db, _, profile := setupBackfillTest(t)
	ctx := context.Background()
	since, until := window()

	o.Backfill(ctx, "user-1", since, until)
	second := o.Backfill(ctx, "user-1", since, until)
	if second.Failed() {
		t.Fatalf("Expected no errors, got %v", second.Errors)
	}
	if n, _ := db.CountRecords(ctx, database.KindCycle, profile.ID); n != 5 {
		t.Errorf("Expected 5 cycles after two runs, got %d", n)
	}
}

func TestBackfillIsolatesKindFailures(t *testing.T) {
	o, db, fake, profile := setupBackfillTest(t)
	fake.Fail("/v2/activity/sleep", http.StatusBadGateway)
	ctx := context.Background()
	since, until := window()

	result := o.Backfill(ctx, "user-1", since, until)
	if _, ok := result.Errors[database.KindSleep]; !ok {
		t.Fatal("Expected sleep error")
	}
	if len(result.Errors) != 1 {
		t.Errorf("Expected only sleep to fail, got %v", result.Errors)
	}
	if result.Counts[database.KindWorkout] != 3 || result.Counts[database.KindCycle] != 5 {
		t.Errorf("Expected other kinds synced, got %v", result.Counts)
	}
	if n, _ := db.CountRecords(ctx, database.KindWorkout, profile.ID); n != 3 {
		t.Errorf("Expected 3 workouts stored, got %d", n)
	}

	p, _ := db.GetProfileByUserID(ctx, "user-1")
	if p.LastSyncAt != nil {
		t.Error("Expected last sync time untouched after a partial backfill")
	}
}

func TestBackfillWithoutConnection(t *testing.T) {
	o, _, fake, _ := setupBackfillTest(t)
	since, until := window()

	result := o.Backfill(context.Background(), "someone-else", since, until)
	if len(result.Errors) != len(database.Kinds) {
		t.Fatalf("Expected every kind to fail, got %v", result.Errors)
	}
	for _, k := range database.Kinds {
		if result.Counts[k] != 0 {
			t.Errorf("Expected zero %s, got %d", k, result.Counts[k])
		}
	}
	if n := fake.Calls("GET /v2/cycle"); n != 0 {
		t.Errorf("Expected no API calls, got %d", n)
	}
}

func TestBackfillUnrefreshableToken(t *testing.T) {
	o, db, fake, _ := setupBackfillTest(t)
	ctx := context.Background()
	if err := db.UpdateConnectionTokens(ctx, "user-1", "expired", "r", time.Now().Add(-time.Hour), "offline"); err != nil {
		t.Fatalf("Failed to expire token: %v", err)
	}
	fake.RejectGrants(true)
	since, until := window()

	result := o.Backfill(ctx, "user-1", since, until)
	if len(result.Errors) != len(database.Kinds) {
		t.Fatalf("Expected every kind to fail, got %v", result.Errors)
	}

	conn, _ := db.GetConnection(ctx, "user-1")
	if !conn.ReauthRequired {
		t.Error("Expected connection flagged for reauthorization")
	}
}

func TestBackfillCancelled(t *testing.T) {
	o, _, _, _ := setupBackfillTest(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	since, until := window()

	result := o.Backfill(ctx, "user-1", since, until)
	if !result.Failed() {
		t.Error("Expected a cancelled backfill to report errors")
	}
}
