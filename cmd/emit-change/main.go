package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pscheid92/entitysync/internal/changelog"
	"github.com/pscheid92/entitysync/internal/domain"
)

// emit-change appends rows to the entity change log. Useful for smoke
// testing the watcher pipeline end to end without a producing service.
func main() {
	var (
		databaseURL = flag.String("database", os.Getenv("DATABASE_URL"), "Postgres URL (or set DATABASE_URL env)")
		entityCode  = flag.String("entity", "", "Entity code, e.g. project")
		action      = flag.String("action", "UPDATE", "Change action: CREATE, UPDATE or DELETE")
		version     = flag.Int64("version", 1, "Entity version to record")
		verbose     = flag.Bool("verbose", false, "Verbose logging")
	)
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("Postgres URL required (--database or DATABASE_URL env)")
	}
	if *entityCode == "" {
		log.Fatal("Entity code required (--entity)")
	}
	ids := flag.Args()
	if len(ids) == 0 {
		log.Fatal("At least one entity id required as positional argument")
	}

	act := domain.ChangeAction(strings.ToUpper(*action))
	if !act.Valid() {
		log.Fatalf("Invalid action %q: must be CREATE, UPDATE or DELETE", *action)
	}

	// Configure logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	slog.SetDefault(slog.New(handler))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := changelog.Connect(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()
	slog.Info("Connected to database", "url", sanitizeURL(*databaseURL))

	store := changelog.NewStore(pool)
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	for _, id := range ids {
		rowID, err := store.Append(ctx, *entityCode, id, act, *version)
		if err != nil {
			log.Fatalf("Failed to append change for %s/%s: %v", *entityCode, id, err)
		}
		slog.Debug("Appended change", "id", rowID, "entity_code", *entityCode, "entity_id", id)
	}

	fmt.Printf("Appended %d change(s) for entity %s\n", len(ids), *entityCode)
}

// sanitizeURL strips credentials from a connection URL for logging.
func sanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	if u.User != nil {
		u.User = url.User(u.User.Username())
	}
	return u.Redacted()
}
