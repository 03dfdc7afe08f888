package models_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
)

// Covers the hot path of the queue: idempotent enqueue, concurrent skip-locked
// claim partitioning, lease reaping, content dedup, cursor monotonicity and
// archiving — against a real MySQL.
func TestQueueLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "dispatch_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	tenant, err := models.CreateTenant(ctx, &models.NewTenant{
		Name:  "Lifecycle Co",
		Email: "owner@lifecycle.test",
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	tenantId := tenant.ID.String()
	ctx = utils.SetTenantIdInContext(ctx, tenantId)
	ctx = utils.SetActorNameInContext(ctx, "Test")

	// Enqueue is idempotent on (tenant, source_message_id).
	first, created, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
		TenantId:        tenantId,
		SourceMessageId: "msg-1",
		RawPayload:      []byte("load email body"),
	})
	if err != nil || !created {
		t.Fatalf("first enqueue: created=%v err=%v", created, err)
	}
	second, created, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
		TenantId:        tenantId,
		SourceMessageId: "msg-1",
		RawPayload:      []byte("load email body"),
	})
	if err != nil || created {
		t.Fatalf("duplicate enqueue must be absorbed: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate enqueue returned a different row: %d vs %d", second.ID, first.ID)
	}

	for i := 2; i <= 20; i++ {
		if _, _, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
			TenantId:        tenantId,
			SourceMessageId: fmt.Sprintf("msg-%d", i),
			RawPayload:      []byte("load email body"),
		}); err != nil {
			t.Fatalf("enqueue msg-%d: %v", i, err)
		}
	}

	// Two workers claiming concurrently must partition the pending set.
	guardrails := models.ClaimGuardrails{
		BatchSize:    10,
		MaxAttempts:  3,
		LeaseTimeout: 30 * time.Second,
	}
	var wg sync.WaitGroup
	results := make([][]models.QueueItem, 2)
	errs := make([]error, 2)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			results[w], errs[w] = models.ClaimQueueBatch(ctx, fmt.Sprintf("worker-%d", w), guardrails)
		}(w)
	}
	wg.Wait()
	for w, err := range errs {
		if err != nil {
			t.Fatalf("worker %d claim: %v", w, err)
		}
	}
	seen := map[int]bool{}
	for w, batch := range results {
		for _, item := range batch {
			if seen[item.ID] {
				t.Fatalf("item %d claimed by both workers", item.ID)
			}
			seen[item.ID] = true
			if item.Status != models.QueueStatusProcessing {
				t.Fatalf("worker %d: item %d status %s, want PROCESSING", w, item.ID, item.Status)
			}
			if item.Attempts != 1 {
				t.Fatalf("item %d attempts %d after first claim, want 1", item.ID, item.Attempts)
			}
		}
	}
	if len(seen) != 20 {
		t.Fatalf("expected 20 items claimed across both workers, got %d", len(seen))
	}

	// A third claim finds nothing while leases are live.
	extra, err := models.ClaimQueueBatch(ctx, "worker-late", guardrails)
	if err != nil {
		t.Fatalf("late claim: %v", err)
	}
	if len(extra) != 0 {
		t.Fatalf("late worker stole %d leased items", len(extra))
	}

	// Complete everything except one; expire its lease and reclaim it.
	victim := results[0][0]
	for _, batch := range results {
		for _, item := range batch {
			if item.ID == victim.ID {
				continue
			}
			if err := models.CompleteQueueItem(ctx, item.ID); err != nil {
				t.Fatalf("complete %d: %v", item.ID, err)
			}
		}
	}

	db := config.GetDB()
	stale := time.Now().UTC().Add(-time.Hour)
	if err := db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("id = ?", victim.ID).
		Update("locked_at", &stale).Error; err != nil {
		t.Fatalf("age lease: %v", err)
	}

	reclaimed, err := models.ClaimQueueBatch(ctx, "worker-reaper", guardrails)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(reclaimed) != 1 || reclaimed[0].ID != victim.ID {
		t.Fatalf("expected to reclaim item %d, got %+v", victim.ID, reclaimed)
	}
	// One reclaim costs exactly one attempt.
	if reclaimed[0].Attempts != 2 {
		t.Fatalf("reclaimed item attempts %d, want 2", reclaimed[0].Attempts)
	}
	if err := models.CompleteQueueItem(ctx, victim.ID); err != nil {
		t.Fatalf("complete reclaimed: %v", err)
	}

	// Content dedup: insert-or-increment.
	load := models.ParsedLoad{
		Origin:      "Chicago, IL",
		Destination: "Dallas, TX",
		BrokerMC:    "123456",
		PickupDate:  datePtr(2026, 9, 1),
	}
	outcome, row, err := models.CheckAndRecordContent(ctx, &load)
	if err != nil || outcome != models.DedupOutcomeNew {
		t.Fatalf("first sighting: outcome=%s err=%v", outcome, err)
	}
	if row.ReceiptCount != 1 {
		t.Fatalf("first sighting receipt_count %d, want 1", row.ReceiptCount)
	}
	outcome, row, err = models.CheckAndRecordContent(ctx, &load)
	if err != nil || outcome != models.DedupOutcomeDuplicate {
		t.Fatalf("second sighting: outcome=%s err=%v", outcome, err)
	}
	if row.ReceiptCount != 2 {
		t.Fatalf("second sighting receipt_count %d, want 2", row.ReceiptCount)
	}

	// Cursor is monotonic: an older item id cannot move it backward.
	if err := models.AdvanceMatchCursor(ctx, tenantId, 15, time.Now().UTC()); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if err := models.AdvanceMatchCursor(ctx, tenantId, 7, time.Now().UTC()); err != nil {
		t.Fatalf("stale advance: %v", err)
	}
	cursor, err := models.GetMatchCursor(ctx, tenantId)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if cursor.LastProcessedItemId != 15 {
		t.Fatalf("cursor moved backward: %d", cursor.LastProcessedItemId)
	}

	// Archive terminal rows older than the cutoff; the hot table shrinks, the
	// cold table holds the same ids.
	aged := time.Now().UTC().Add(-30 * 24 * time.Hour)
	if err := db.WithContext(ctx).Model(&models.QueueItem{}).
		Where("status = ?", models.QueueStatusDone).
		Update("processed_at", &aged).Error; err != nil {
		t.Fatalf("age processed_at: %v", err)
	}
	moved, err := models.ArchiveQueueBatch(ctx, time.Now().UTC().Add(-7*24*time.Hour), 50)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if moved != 20 {
		t.Fatalf("archived %d items, want 20", moved)
	}
	var hot int64
	if err := db.WithContext(ctx).Model(&models.QueueItem{}).Count(&hot).Error; err != nil {
		t.Fatalf("count hot: %v", err)
	}
	if hot != 0 {
		t.Fatalf("%d items left in hot table after archive", hot)
	}
	var cold int64
	if err := db.WithContext(ctx).Model(&models.QueueItemArchive{}).Count(&cold).Error; err != nil {
		t.Fatalf("count cold: %v", err)
	}
	if cold != 20 {
		t.Fatalf("%d items in cold table, want 20", cold)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("dispatch-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=dispatch_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
