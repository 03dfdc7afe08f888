// archive-run moves terminal queue rows into the cold archive table in one shot
// (for environments where the in-process archiver is disabled, or to catch up
// after changing ARCHIVE_RETAIN_DAYS).
//
// Usage (from backend directory):
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... go run ./cmd/archive-run
//
// Env:
//   ARCHIVE_RETAIN_DAYS  keep terminal rows hot for this long (default 7)
//   ARCHIVE_BATCH_SIZE   rows per transaction (default 200)
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
)

func main() {
	ctx := context.Background()
	config.ConnectDatabaseWithRetry()
	if config.GetDB() == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}

	retainDays := 7
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_RETAIN_DAYS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			retainDays = n
		}
	}
	batchSize := 200
	if v := strings.TrimSpace(os.Getenv("ARCHIVE_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batchSize = n
		}
	}

	cutoff := time.Now().UTC().Add(-time.Duration(retainDays) * 24 * time.Hour)
	total := 0
	for {
		n, err := models.ArchiveQueueBatch(ctx, cutoff, batchSize)
		if err != nil {
			fmt.Fprintf(os.Stderr, "archive batch failed: %v\n", err)
			os.Exit(1)
		}
		total += n
		if n < batchSize {
			break
		}
	}
	fmt.Printf("archive complete: %d items moved (cutoff %s)\n", total, cutoff.Format(time.RFC3339))
}
