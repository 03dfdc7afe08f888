package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/geo"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/haulflow/dispatch_backend/workflow"
	"github.com/shopspring/decimal"
)

type stubExtractor struct{ load models.ParsedLoad }

func (s stubExtractor) ExtractLoad(_ context.Context, _ string, _ []byte) (*models.ParsedLoad, error) {
	l := s.load
	return &l, nil
}

// flakyExtractor fails its first call with a transient error, then behaves.
type flakyExtractor struct {
	calls int
	load  models.ParsedLoad
}

func (f *flakyExtractor) ExtractLoad(_ context.Context, _ string, _ []byte) (*models.ParsedLoad, error) {
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("extraction service unavailable")
	}
	l := f.load
	return &l, nil
}

type stubGeocoder struct{}

func (stubGeocoder) Geocode(_ context.Context, _ string) (*geo.Coordinates, error) {
	return &geo.Coordinates{Lat: 41.88, Lng: -87.63}, nil
}

func (stubGeocoder) DistanceMiles(_ context.Context, _, _ geo.Coordinates) (float64, error) {
	return 42, nil
}

// Covers the recovery paths of the intake pipeline: backfill re-running
// completed items, retries after a transient extraction failure, attempt
// refunds on in-flight collisions, the credit-leader election and takeover,
// match upsert idempotency and the backlog-cutoff tenant exemption — against a
// real MySQL.
func TestIntakeRecovery(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	bgCtx := context.Background()
	logger := config.GetLogger()

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

	db := config.GetDB()

	tenant, err := models.CreateTenant(bgCtx, &models.NewTenant{
		Name:  "Recovery Co",
		Email: "owner@recovery.test",
	})
	if err != nil {
		t.Fatalf("CreateTenant: %v", err)
	}
	tenantId := tenant.ID.String()
	ctx := utils.SetTenantIdInContext(bgCtx, tenantId)
	ctx = utils.SetActorNameInContext(ctx, "Test")
	ctx = utils.SetWorkerIdInContext(ctx, "worker-test")

	guardrails := models.ClaimGuardrails{
		BatchSize:    10,
		MaxAttempts:  6,
		LeaseTimeout: 30 * time.Second,
	}
	parsed := models.ParsedLoad{
		Origin:      "Chicago, IL",
		Destination: "Dallas, TX",
		OriginZip:   "60601",
		BrokerMC:    "555001",
		PickupDate:  datePtr(2026, 9, 10),
	}

	// A completed item must actually re-run the pipeline after the backfill
	// re-queues it: its processing marker goes away with the requeue, so the
	// content store sees a second receipt instead of a short-circuit.
	bfItem, _, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
		TenantId:        tenantId,
		SourceMessageId: "bf-1",
		RawPayload:      []byte("load email body"),
	})
	if err != nil {
		t.Fatalf("enqueue bf-1: %v", err)
	}
	claimed, err := models.ClaimQueueBatch(ctx, "worker-a", guardrails)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim bf-1: n=%d err=%v", len(claimed), err)
	}
	if err := workflow.ProcessClaimedItem(ctx, logger, stubExtractor{load: parsed}, stubGeocoder{}, nil, &claimed[0]); err != nil {
		t.Fatalf("first pipeline run: %v", err)
	}
	var row models.QueueItem
	if err := db.WithContext(ctx).First(&row, bfItem.ID).Error; err != nil {
		t.Fatalf("fetch bf-1: %v", err)
	}
	if row.Status != models.QueueStatusDone {
		t.Fatalf("bf-1 status %s after pipeline, want DONE", row.Status)
	}

	if err := workflow.RunInitialBackfill(ctx, logger, tenantId); err != nil {
		t.Fatalf("backfill: %v", err)
	}
	cursor, err := models.GetMatchCursor(ctx, tenantId)
	if err != nil {
		t.Fatalf("get cursor: %v", err)
	}
	if !cursor.BackfillDone || cursor.FloorItemId != bfItem.ID {
		t.Fatalf("cursor after backfill: done=%v floor=%d, want done floor=%d",
			cursor.BackfillDone, cursor.FloorItemId, bfItem.ID)
	}

	reclaimed, err := models.ClaimQueueBatch(ctx, "worker-a", guardrails)
	if err != nil || len(reclaimed) != 1 || reclaimed[0].ID != bfItem.ID {
		t.Fatalf("reclaim after backfill: %+v err=%v", reclaimed, err)
	}
	if reclaimed[0].Attempts != 1 {
		t.Fatalf("requeued item attempts %d, want fresh budget (1 after claim)", reclaimed[0].Attempts)
	}
	if err := workflow.ProcessClaimedItem(ctx, logger, stubExtractor{load: parsed}, stubGeocoder{}, nil, &reclaimed[0]); err != nil {
		t.Fatalf("pipeline rerun after backfill: %v", err)
	}
	var content models.CanonicalLoadContent
	if err := db.WithContext(ctx).Where("tenant_id = ?", tenantId).First(&content).Error; err != nil {
		t.Fatalf("fetch content row: %v", err)
	}
	if content.ReceiptCount != 2 {
		t.Fatalf("receipt_count %d after backfill rerun, want 2 (pipeline must not short-circuit)", content.ReceiptCount)
	}

	// A transient extraction failure must not poison the next attempt: the
	// in-flight marker is released with the error, so the retry runs the
	// pipeline instead of bouncing off it until the stale window passes.
	flaky := &flakyExtractor{load: models.ParsedLoad{
		Origin:      "Atlanta, GA",
		Destination: "Miami, FL",
		OriginZip:   "30303",
		BrokerMC:    "555002",
		PickupDate:  datePtr(2026, 9, 12),
	}}
	flakyItem, _, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
		TenantId:        tenantId,
		SourceMessageId: "flaky-1",
		RawPayload:      []byte("load email body"),
	})
	if err != nil {
		t.Fatalf("enqueue flaky-1: %v", err)
	}
	claimed, err = models.ClaimQueueBatch(ctx, "worker-a", guardrails)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim flaky-1: n=%d err=%v", len(claimed), err)
	}
	if err := workflow.ProcessClaimedItem(ctx, logger, flaky, stubGeocoder{}, nil, &claimed[0]); err == nil {
		t.Fatal("first flaky run should fail")
	}
	if err := models.ReleaseQueueItemForRetry(ctx, flakyItem.ID, "extraction service unavailable", time.Now().UTC()); err != nil {
		t.Fatalf("release for retry: %v", err)
	}
	claimed, err = models.ClaimQueueBatch(ctx, "worker-a", guardrails)
	if err != nil || len(claimed) != 1 || claimed[0].ID != flakyItem.ID {
		t.Fatalf("reclaim flaky-1: %+v err=%v", claimed, err)
	}
	if err := workflow.ProcessClaimedItem(ctx, logger, flaky, stubGeocoder{}, nil, &claimed[0]); err != nil {
		t.Fatalf("retry after transient failure must run clean, got: %v", err)
	}

	// A run refused by another worker's live in-flight marker surfaces
	// ErrIdempotencyInProgress; the requeue refunds the attempt so the wait
	// cannot exhaust the budget.
	busyItem, _, err := models.EnqueueInbound(ctx, &models.NewQueueItem{
		TenantId:        tenantId,
		SourceMessageId: "busy-1",
		RawPayload:      []byte("load email body"),
	})
	if err != nil {
		t.Fatalf("enqueue busy-1: %v", err)
	}
	claimed, err = models.ClaimQueueBatch(ctx, "worker-a", guardrails)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim busy-1: n=%d err=%v", len(claimed), err)
	}
	busyMarker := fmt.Sprintf("queue-item-%d", busyItem.ID)
	if _, err := workflow.BeginIdempotency(db.WithContext(ctx), tenantId, "load-intake", busyMarker); err != nil {
		t.Fatalf("plant in-flight marker: %v", err)
	}
	err = workflow.ProcessClaimedItem(ctx, logger, stubExtractor{load: parsed}, stubGeocoder{}, nil, &claimed[0])
	if !errors.Is(err, workflow.ErrIdempotencyInProgress) {
		t.Fatalf("expected in-progress refusal, got: %v", err)
	}
	if err := models.RequeueQueueItemUnattempted(ctx, busyItem.ID, "in progress", time.Now().UTC()); err != nil {
		t.Fatalf("requeue unattempted: %v", err)
	}
	if err := db.WithContext(ctx).First(&row, busyItem.ID).Error; err != nil {
		t.Fatalf("fetch busy-1: %v", err)
	}
	if row.Status != models.QueueStatusPending || row.Attempts != 0 {
		t.Fatalf("busy-1 status=%s attempts=%d after refund, want PENDING/0", row.Status, row.Attempts)
	}
	// Drain it so later cross-tenant claims see a clean table.
	if _, err := models.ClaimQueueBatch(ctx, "worker-a", guardrails); err != nil {
		t.Fatalf("drain claim: %v", err)
	}
	if err := models.CompleteQueueItem(ctx, busyItem.ID); err != nil {
		t.Fatalf("drain complete: %v", err)
	}

	// N concurrent contenders, one decision row, one leader.
	windowStart := models.CreditWindowStart(time.Now(), time.Hour)
	const contenders = 6
	var wg sync.WaitGroup
	leaders := make([]bool, contenders)
	electErrs := make([]error, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			leaders[i], _, electErrs[i] = models.TryBecomeCreditLeader(
				bgCtx, tenantId, "mc:777777", windowStart, fmt.Sprintf("worker-%d", i))
		}(i)
	}
	wg.Wait()
	leaderCount := 0
	for i := 0; i < contenders; i++ {
		if electErrs[i] != nil {
			t.Fatalf("contender %d: %v", i, electErrs[i])
		}
		if leaders[i] {
			leaderCount++
		}
	}
	if leaderCount != 1 {
		t.Fatalf("%d leaders elected, want exactly 1", leaderCount)
	}
	var decisionRows int64
	if err := db.Model(&models.BrokerCreditCheck{}).
		Where("tenant_id = ? AND broker_key = ? AND window_start = ?", tenantId, "mc:777777", windowStart).
		Count(&decisionRows).Error; err != nil {
		t.Fatalf("count decision rows: %v", err)
	}
	if decisionRows != 1 {
		t.Fatalf("%d decision rows for one window, want 1", decisionRows)
	}
	decision, err := models.GetCreditDecision(bgCtx, tenantId, "mc:777777", windowStart)
	if err != nil {
		t.Fatalf("get decision: %v", err)
	}
	if decision.ContenderCount != contenders-1 {
		t.Fatalf("contender_count %d, want %d", decision.ContenderCount, contenders-1)
	}

	// Takeover triggers off the leader's claim timestamp, not updated_at: the
	// contender bumps above refreshed updated_at without blocking the seize.
	aged := time.Now().UTC().Add(-10 * time.Minute)
	if err := db.Model(&models.BrokerCreditCheck{}).
		Where("id = ?", decision.ID).
		Update("leader_claimed_at", &aged).Error; err != nil {
		t.Fatalf("age leader claim: %v", err)
	}
	seized, err := models.SeizeCreditLeadership(bgCtx, decision.ID, "usurper", time.Now().Add(-5*time.Minute))
	if err != nil || !seized {
		t.Fatalf("stale takeover: seized=%v err=%v", seized, err)
	}
	seized, err = models.SeizeCreditLeadership(bgCtx, decision.ID, "usurper-2", time.Now().Add(-5*time.Minute))
	if err != nil || seized {
		t.Fatalf("second takeover against a fresh claim must lose: seized=%v err=%v", seized, err)
	}

	// Re-running the matcher for the same (item, plan) pair stays one row.
	vehicle, err := models.CreateVehicle(ctx, &models.NewVehicle{
		UnitName: "Unit 9",
		Size:     models.VehicleSizeSprinter,
		HomeZip:  "60601",
	})
	if err != nil {
		t.Fatalf("create vehicle: %v", err)
	}
	plan, err := models.CreateHuntPlan(ctx, &models.NewHuntPlan{
		Name:        "Chicago sprinter",
		VehicleId:   vehicle.ID,
		OriginZip:   "60601",
		RadiusMiles: 150,
		VehicleSize: models.VehicleSizeSprinter,
	})
	if err != nil {
		t.Fatalf("create hunt plan: %v", err)
	}
	matchInput := &models.NewLoadMatch{
		TenantId:      tenantId,
		QueueItemId:   bfItem.ID,
		HuntPlanId:    plan.ID,
		VehicleId:     vehicle.ID,
		DistanceMiles: 12,
		MatchScore:    decimal.NewFromInt(100),
		ReceivedAt:    time.Now().UTC(),
	}
	first, created, err := models.UpsertMatch(ctx, matchInput)
	if err != nil || !created {
		t.Fatalf("first upsert: created=%v err=%v", created, err)
	}
	second, created, err := models.UpsertMatch(ctx, matchInput)
	if err != nil || created {
		t.Fatalf("rerun upsert must not create: created=%v err=%v", created, err)
	}
	if second.ID != first.ID {
		t.Fatalf("rerun upsert returned a different row: %d vs %d", second.ID, first.ID)
	}
	var matchRows int64
	if err := db.WithContext(ctx).Model(&models.LoadMatch{}).
		Where("queue_item_id = ? AND hunt_plan_id = ?", bfItem.ID, plan.ID).
		Count(&matchRows).Error; err != nil {
		t.Fatalf("count match rows: %v", err)
	}
	if matchRows != 1 {
		t.Fatalf("%d match rows for one (item, plan) pair, want 1", matchRows)
	}

	// Exempt tenants keep old backlog claimable on the normal path, and the
	// old-backlog reconciliation path leaves them alone.
	exempt, err := models.CreateTenant(bgCtx, &models.NewTenant{Name: "Exempt Co", Email: "e@x.test"})
	if err != nil {
		t.Fatalf("create exempt tenant: %v", err)
	}
	other, err := models.CreateTenant(bgCtx, &models.NewTenant{Name: "Other Co", Email: "o@x.test"})
	if err != nil {
		t.Fatalf("create other tenant: %v", err)
	}
	for _, tid := range []string{exempt.ID.String(), other.ID.String()} {
		itemCtx := utils.SetTenantIdInContext(bgCtx, tid)
		old, _, err := models.EnqueueInbound(itemCtx, &models.NewQueueItem{
			TenantId:        tid,
			SourceMessageId: "old-1",
			RawPayload:      []byte("stale load email"),
		})
		if err != nil {
			t.Fatalf("enqueue old item for %s: %v", tid, err)
		}
		longAgo := time.Now().UTC().Add(-100 * time.Hour)
		if err := db.Model(&models.QueueItem{}).
			Where("id = ?", old.ID).
			Update("queued_at", &longAgo).Error; err != nil {
			t.Fatalf("age old item: %v", err)
		}
	}
	cutoffClaim := models.ClaimGuardrails{
		BatchSize:           10,
		MaxAttempts:         6,
		LeaseTimeout:        30 * time.Second,
		BacklogCutoff:       48 * time.Hour,
		CutoffExemptTenants: []string{exempt.ID.String()},
	}
	got, err := models.ClaimQueueBatch(bgCtx, "worker-normal", cutoffClaim)
	if err != nil {
		t.Fatalf("cutoff claim: %v", err)
	}
	if len(got) != 1 || got[0].TenantId != exempt.ID.String() {
		t.Fatalf("cutoff claim got %+v, want only the exempt tenant's old item", got)
	}
	cutoffClaim.TargetOldBacklog = true
	got, err = models.ClaimQueueBatch(bgCtx, "worker-reconcile", cutoffClaim)
	if err != nil {
		t.Fatalf("reconcile claim: %v", err)
	}
	if len(got) != 1 || got[0].TenantId != other.ID.String() {
		t.Fatalf("reconcile claim got %+v, want only the non-exempt tenant's old item", got)
	}

	// Flipping the backfill flag never lowers an already-raised floor.
	guardTenant, err := models.CreateTenant(bgCtx, &models.NewTenant{Name: "Floor Co", Email: "f@x.test"})
	if err != nil {
		t.Fatalf("create floor tenant: %v", err)
	}
	gid := guardTenant.ID.String()
	if err := models.RaiseMatchFloor(bgCtx, gid, 100); err != nil {
		t.Fatalf("raise floor: %v", err)
	}
	if err := models.MarkBackfillDone(bgCtx, gid, 50); err != nil {
		t.Fatalf("mark backfill done: %v", err)
	}
	gcursor, err := models.GetMatchCursor(bgCtx, gid)
	if err != nil {
		t.Fatalf("get floor cursor: %v", err)
	}
	if !gcursor.BackfillDone || gcursor.FloorItemId != 100 {
		t.Fatalf("cursor done=%v floor=%d, want done with floor 100", gcursor.BackfillDone, gcursor.FloorItemId)
	}
}
