package database

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestProfile(t *testing.T, db *DB, userID string, whoopUserID int64) *Profile {
	t.Helper()
	p := &Profile{UserID: userID, WhoopUserID: whoopUserID, Email: userID + "@example.com", FirstName: "Test"}
	if err := db.UpsertProfile(context.Background(), p); err != nil {
		t.Fatalf("Failed to upsert profile: %v", err)
	}
	return p
}

func TestRebind(t *testing.T) {
	pg := &DB{dialect: dialectPostgres}
	got := pg.rebind("SELECT a FROM t WHERE b = ? AND c = ? LIMIT ?")
	if got != "SELECT a FROM t WHERE b = $1 AND c = $2 LIMIT $3" {
		t.Errorf("Unexpected postgres rebind: %s", got)
	}

	lite := &DB{dialect: dialectSQLite}
	if got := lite.rebind("x = ?"); got != "x = ?" {
		t.Errorf("Expected sqlite query unchanged, got %s", got)
	}
}

func TestSchemaForDialects(t *testing.T) {
	pg := schemaFor(dialectPostgres)
	for _, want := range []string{"BIGSERIAL PRIMARY KEY", "DOUBLE PRECISION"} {
		if !strings.Contains(pg, want) {
			t.Errorf("Expected postgres schema to contain %q", want)
		}
	}
	if strings.Contains(pg, "{{") {
		t.Error("Postgres schema still contains template markers")
	}
	if strings.Contains(schemaFor(dialectSQLite), "{{") {
		t.Error("SQLite schema still contains template markers")
	}
}

func TestConnections(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("MissingReturnsNil", func(t *testing.T) {
		c, err := db.GetConnection(ctx, "nobody")
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if c != nil {
			t.Fatal("Expected nil connection")
		}
	})

	t.Run("SaveAndUpdate", func(t *testing.T) {
		expires := time.Now().Add(time.Hour).Truncate(time.Second)
		if err := db.SaveConnection(ctx, &Connection{
			UserID: "user-1", AccessToken: "a1", RefreshToken: "r1", ExpiresAt: expires, Scope: "offline",
		}); err != nil {
			t.Fatalf("Failed to save connection: %v", err)
		}

		if err := db.MarkReauthRequired(ctx, "user-1", "invalid_grant"); err != nil {
			t.Fatalf("Failed to mark reauth: %v", err)
		}
		c, err := db.GetConnection(ctx, "user-1")
		if err != nil || c == nil {
			t.Fatalf("Failed to get connection: %v", err)
		}
		if !c.ReauthRequired || c.LastRefreshError == nil || *c.LastRefreshError != "invalid_grant" {
			t.Errorf("Expected reauth flag with reason, got %+v", c)
		}
		if c.AccessToken != "a1" || c.RefreshToken != "r1" {
			t.Error("Marking reauth must not touch stored tokens")
		}
		if !c.ExpiresAt.Equal(expires) {
			t.Errorf("Expected expiry %v, got %v", expires, c.ExpiresAt)
		}

		newExpiry := expires.Add(time.Hour)
		if err := db.UpdateConnectionTokens(ctx, "user-1", "a2", "r2", newExpiry, "offline read:sleep"); err != nil {
			t.Fatalf("Failed to update tokens: %v", err)
		}
		c, _ = db.GetConnection(ctx, "user-1")
		if c.AccessToken != "a2" || c.RefreshToken != "r2" || c.ReauthRequired {
			t.Errorf("Unexpected connection after refresh: %+v", c)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		if err := db.UpdateConnectionTokens(ctx, "ghost", "a", "r", time.Now(), ""); err == nil {
			t.Error("Expected error updating a missing connection")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		deleted, err := db.DeleteConnection(ctx, "user-1")
		if err != nil || !deleted {
			t.Fatalf("Expected deletion, got %v %v", deleted, err)
		}
		deleted, _ = db.DeleteConnection(ctx, "user-1")
		if deleted {
			t.Error("Second delete should report nothing removed")
		}
	})
}

func TestProfiles(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	p := createTestProfile(t, db, "user-1", 1001)
	firstID := p.ID
	if firstID == "" {
		t.Fatal("Expected profile id to be assigned")
	}

	// Reconnect keeps the local id
	again := &Profile{UserID: "user-1", WhoopUserID: 1001, Email: "new@example.com"}
	if err := db.UpsertProfile(ctx, again); err != nil {
		t.Fatalf("Failed to upsert profile: %v", err)
	}
	if again.ID != firstID {
		t.Errorf("Expected stable profile id %s, got %s", firstID, again.ID)
	}

	byWhoop, err := db.GetProfileByWhoopUserID(ctx, 1001)
	if err != nil || byWhoop == nil {
		t.Fatalf("Failed to get profile by whoop id: %v", err)
	}
	if byWhoop.Email != "new@example.com" {
		t.Errorf("Expected refreshed email, got %s", byWhoop.Email)
	}

	at := time.Now().Truncate(time.Second)
	if err := db.SetLastSyncAt(ctx, firstID, at); err != nil {
		t.Fatalf("Failed to set last sync: %v", err)
	}
	byUser, _ := db.GetProfileByUserID(ctx, "user-1")
	if byUser.LastSyncAt == nil || !byUser.LastSyncAt.Equal(at) {
		t.Errorf("Expected last sync %v, got %v", at, byUser.LastSyncAt)
	}

	missing, err := db.GetProfileByWhoopUserID(ctx, 9999)
	if err != nil || missing != nil {
		t.Errorf("Expected nil profile for unknown whoop id, got %v %v", missing, err)
	}
}

func TestWebhookQueue(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	t.Run("EnqueueClaimDelete", func(t *testing.T) {
		id, err := db.EnqueueWebhook(ctx, []byte(`{"type":"sleep.updated"}`))
		if err != nil {
			t.Fatalf("Failed to enqueue webhook: %v", err)
		}
		if id == 0 {
			t.Fatal("Expected non-zero queue item id")
		}

		item, err := db.ClaimWebhook(ctx)
		if err != nil || item == nil {
			t.Fatalf("Failed to claim webhook: %v", err)
		}
		if string(item.Data) != `{"type":"sleep.updated"}` {
			t.Errorf("Unexpected data %s", item.Data)
		}

		// Claimed items are invisible to other workers
		second, err := db.ClaimWebhook(ctx)
		if err != nil {
			t.Fatalf("Failed to claim webhook: %v", err)
		}
		if second != nil {
			t.Error("Expected no claimable item while the first is held")
		}

		if err := db.DeleteWebhook(ctx, item.ID); err != nil {
			t.Fatalf("Failed to delete webhook: %v", err)
		}
		length, _ := db.WebhookQueueLength(ctx)
		if length != 0 {
			t.Errorf("Expected empty queue, got %d", length)
		}
	})

	t.Run("ConcurrentClaim", func(t *testing.T) {
		if _, err := db.EnqueueWebhook(ctx, []byte(`{}`)); err != nil {
			t.Fatalf("Failed to enqueue webhook: %v", err)
		}

		var (
			mu      sync.Mutex
			claimed []*WebhookQueueItem
			wg      sync.WaitGroup
		)
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				item, err := db.ClaimWebhook(ctx)
				if err != nil {
					t.Errorf("Failed to claim webhook: %v", err)
					return
				}
				if item != nil {
					mu.Lock()
					claimed = append(claimed, item)
					mu.Unlock()
				}
			}()
		}
		wg.Wait()

		if len(claimed) != 1 {
			t.Errorf("Expected exactly 1 claim, got %d", len(claimed))
		}
		for _, c := range claimed {
			db.DeleteWebhook(ctx, c.ID)
		}
	})

	t.Run("MaxRetries", func(t *testing.T) {
		queueID, err := db.EnqueueWebhook(ctx, []byte(`{"type":"workout.updated"}`))
		if err != nil {
			t.Fatalf("Failed to enqueue webhook: %v", err)
		}

		for i := 0; i < MaxRetries; i++ {
			if _, err := db.db.Exec("UPDATE webhook_queue SET next_retry_at = NULL WHERE id = ?", queueID); err != nil {
				t.Fatalf("Failed to reset retry time: %v", err)
			}
			item, err := db.ClaimWebhook(ctx)
			if err != nil || item == nil {
				t.Fatalf("Expected webhook to be claimed on attempt %d: %v", i+1, err)
			}
			released, err := db.ReleaseWebhook(ctx, item.ID, item.RetryCount, "persistent error")
			if err != nil {
				t.Fatalf("Failed to release webhook: %v", err)
			}
			if !released {
				t.Errorf("Expected webhook to be released on attempt %d", i+1)
			}
		}

		if _, err := db.db.Exec("UPDATE webhook_queue SET next_retry_at = NULL WHERE id = ?", queueID); err != nil {
			t.Fatalf("Failed to reset retry time: %v", err)
		}
		item, err := db.ClaimWebhook(ctx)
		if err != nil || item == nil {
			t.Fatalf("Expected webhook to be claimed for final attempt: %v", err)
		}
		if item.RetryCount != MaxRetries {
			t.Errorf("Expected retry count %d, got %d", MaxRetries, item.RetryCount)
		}
		released, err := db.ReleaseWebhook(ctx, item.ID, item.RetryCount, "final error")
		if err != nil {
			t.Fatalf("Failed to release webhook on final attempt: %v", err)
		}
		if released {
			t.Error("Expected webhook to be dropped after max retries")
		}
		length, _ := db.WebhookQueueLength(ctx)
		if length != 0 {
			t.Errorf("Expected queue to be empty after max retries, got %d", length)
		}
	})
}

func TestSyncJobs(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	until := time.Now().Truncate(time.Second)
	since := until.Add(-30 * 24 * time.Hour)
	if _, err := db.EnqueueSyncJob(ctx, "user-1", since, until); err != nil {
		t.Fatalf("Failed to enqueue sync job: %v", err)
	}

	pending, _ := db.PendingSyncJobs(ctx, "user-1")
	if pending != 1 {
		t.Errorf("Expected 1 pending job, got %d", pending)
	}

	job, err := db.ClaimSyncJob(ctx)
	if err != nil || job == nil {
		t.Fatalf("Failed to claim sync job: %v", err)
	}
	if job.UserID != "user-1" || job.JobType != JobTypeBackfill {
		t.Errorf("Unexpected job %+v", job)
	}
	if !job.Since.Equal(since) || !job.Until.Equal(until) {
		t.Errorf("Unexpected window %v..%v", job.Since, job.Until)
	}

	released, err := db.ReleaseSyncJob(ctx, job.ID, job.RetryCount, "vendor down")
	if err != nil || !released {
		t.Fatalf("Expected release, got %v %v", released, err)
	}
	ready, _ := db.ReadySyncJobQueueLength(ctx)
	if ready != 0 {
		t.Errorf("Released job should wait for its backoff, got %d ready", ready)
	}

	if err := db.DeleteSyncJobsForUser(ctx, "user-1"); err != nil {
		t.Fatalf("Failed to delete jobs: %v", err)
	}
	total, _ := db.SyncJobQueueLength(ctx)
	if total != 0 {
		t.Errorf("Expected no jobs, got %d", total)
	}
}

func TestPersistenceErrorsAreMarked(t *testing.T) {
	db := openTestDB(t)
	db.Close()

	_, err := db.GetConnection(context.Background(), "user-1")
	if !errors.Is(err, ErrPersistence) {
		t.Errorf("Expected ErrPersistence, got %v", err)
	}
}
