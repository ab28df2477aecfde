package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"whoop-sync/internal/backfill"
	"whoop-sync/internal/config"
	"whoop-sync/internal/database"
	"whoop-sync/internal/tokens"
	"whoop-sync/internal/whoop"
)

type app struct {
	cfg          *config.Config
	db           *database.DB
	store        *tokens.Store
	orchestrator *backfill.Orchestrator
}

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	if command == "help" {
		printUsage()
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	db, err := database.Open(cfg.Database.URL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	encryptor, err := tokens.NewEncryptor(cfg.Security.TokenEncryptionKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	client := whoop.NewClient(cfg.WhoopClientConfig())
	store := tokens.NewStore(db, client, encryptor)
	a := &app{
		cfg:          cfg,
		db:           db,
		store:        store,
		orchestrator: backfill.NewOrchestrator(db, store, client, cfg.Backfill.Concurrency),
	}

	ctx := context.Background()
	switch command {
	case "status":
		a.handleStatus(ctx, requireUser("status"))
	case "backfill":
		a.handleBackfill(ctx, requireUser("backfill"), a.days(3))
	case "enqueue-all":
		a.handleEnqueueAll(ctx, a.days(2))
	case "refresh":
		a.handleRefresh(ctx, requireUser("refresh"))
	case "disconnect":
		removeData := len(os.Args) > 3 && os.Args[3] == "--remove-data"
		a.handleDisconnect(ctx, requireUser("disconnect"), removeData)
	default:
		fmt.Fprintf(os.Stderr, "Error: Unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`whoop-sync CLI - Connection and Backfill Management

Usage:
  cli <command> [options]

Commands:
  status <user_id>                     Show a user's connection and record counts
  backfill <user_id> [days]            Pull the last N days of history now
  enqueue-all [days]                   Queue a backfill for every connected user
  refresh <user_id>                    Force a token refresh
  disconnect <user_id> [--remove-data] Revoke access and delete the connection
  help                                 Show this help message

Examples:
  cli status user-123
  cli backfill user-123 90
  cli disconnect user-123 --remove-data

Configuration is read from CONFIG_PATH or config.yaml, then the environment.
Required: WHOOP_CLIENT_ID, WHOOP_CLIENT_SECRET, WHOOP_REDIRECT_URI,
WHOOP_WEBHOOK_SECRET, INTERNAL_API_KEY`)
}

func requireUser(command string) string {
	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, "Error: User ID required")
		fmt.Fprintf(os.Stderr, "Usage: cli %s <user_id>\n", command)
		os.Exit(1)
	}
	return os.Args[2]
}

// days reads an optional day count from os.Args[pos]
func (a *app) days(pos int) int {
	if len(os.Args) <= pos {
		return a.cfg.Backfill.Days
	}
	n, err := strconv.Atoi(os.Args[pos])
	if err != nil || n < 1 || n > 365 {
		fmt.Fprintf(os.Stderr, "Error: Invalid day count: %s (1-365)\n", os.Args[pos])
		os.Exit(1)
	}
	return n
}

func (a *app) handleStatus(ctx context.Context, userID string) {
	conn, err := a.db.GetConnection(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if conn == nil {
		fmt.Printf("User %s is not connected.\n", userID)
		return
	}

	fmt.Printf("User %s:\n", userID)
	fmt.Printf("  Token expires: %s\n", conn.ExpiresAt.Format(time.RFC3339))
	fmt.Printf("  Scope: %s\n", conn.Scope)
	if conn.ReauthRequired {
		reason := ""
		if conn.LastRefreshError != nil {
			reason = *conn.LastRefreshError
		}
		fmt.Printf("  Reconnect required: %s\n", reason)
	}

	profile, err := a.db.GetProfileByUserID(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if profile == nil {
		return
	}
	fmt.Printf("  WHOOP user: %d (%s %s)\n", profile.WhoopUserID, profile.FirstName, profile.LastName)
	if profile.LastSyncAt != nil {
		fmt.Printf("  Last full sync: %s\n", profile.LastSyncAt.Format(time.RFC3339))
	}
	for _, kind := range database.Kinds {
		n, err := a.db.CountRecords(ctx, kind, profile.ID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("  %s: %d\n", kind, n)
	}
	if pending, err := a.db.PendingSyncJobs(ctx, userID); err == nil && pending > 0 {
		fmt.Printf("  Pending syncs: %d\n", pending)
	}
}

func (a *app) handleBackfill(ctx context.Context, userID string, days int) {
	until := time.Now()
	since := until.AddDate(0, 0, -days)
	fmt.Printf("Backfilling %d day(s) for %s...\n", days, userID)

	result := a.orchestrator.Backfill(ctx, userID, since, until)
	for _, kind := range database.Kinds {
		if msg, failed := result.Errors[kind]; failed {
			fmt.Printf("  %s: failed: %s\n", kind, msg)
			continue
		}
		fmt.Printf("  %s: %d\n", kind, result.Counts[kind])
	}

	if result.Failed() {
		fmt.Fprintln(os.Stderr, "Error: Backfill incomplete")
		os.Exit(1)
	}
	fmt.Println("✓ Backfill complete")
}

func (a *app) handleEnqueueAll(ctx context.Context, days int) {
	users, err := a.db.ListConnectedUsers(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: Failed to list connections: %v\n", err)
		os.Exit(1)
	}
	if len(users) == 0 {
		fmt.Println("No connected users found.")
		return
	}

	until := time.Now()
	since := until.AddDate(0, 0, -days)
	for _, userID := range users {
		if _, err := a.db.EnqueueSyncJob(ctx, userID, since, until); err != nil {
			fmt.Fprintf(os.Stderr, "Error: Failed to queue %s: %v\n", userID, err)
			os.Exit(1)
		}
	}
	fmt.Printf("✓ Queued %d backfill(s) of %d day(s)\n", len(users), days)
}

func (a *app) handleRefresh(ctx context.Context, userID string) {
	conn, err := a.store.Refresh(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Token refreshed, expires %s\n", conn.ExpiresAt.Format(time.RFC3339))
}

func (a *app) handleDisconnect(ctx context.Context, userID string, removeData bool) {
	fmt.Printf("Disconnecting %s (remove data: %t)...\n", userID, removeData)

	existed, err := a.store.Disconnect(ctx, userID, removeData)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if !existed {
		fmt.Println("User was not connected.")
		return
	}
	fmt.Println("✓ Disconnected")
}
