package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/haulflow/dispatch_backend/config"
	"github.com/haulflow/dispatch_backend/models"
	"github.com/haulflow/dispatch_backend/utils"
	"github.com/sirupsen/logrus"
)

// CreditChecker performs the external broker credit verification. Exactly one
// worker per (tenant, broker, window) calls it; everyone else reads the recorded
// decision.
type CreditChecker interface {
	CheckCredit(ctx context.Context, tenantId, brokerKey string) (approved bool, note string, err error)
}

// ErrCreditDecisionPending means the leader has not recorded an outcome within
// the wait budget. Transient: the queue retry path will come back.
var ErrCreditDecisionPending = errors.New("credit decision pending")

func creditWindow() time.Duration {
	if v := strings.TrimSpace(os.Getenv("CREDIT_CHECK_WINDOW_MINUTES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	return time.Hour
}

// leaderStaleAfter is how long an undecided election may sit before a contender
// takes the leadership over (leader crashed mid-check).
const leaderStaleAfter = 5 * time.Minute

// leaderIsStale keys off leader_claimed_at, which only moves when leadership
// changes hands. updated_at is useless here: every losing contender's counter
// bump refreshes it, so under sustained contention a crashed leader's row would
// never look stale and the whole window would starve.
func leaderIsStale(row *models.BrokerCreditCheck, now time.Time) bool {
	return !row.Decided && now.Sub(row.LeaderClaimedAt) > leaderStaleAfter
}

// EnsureBrokerCredit returns the credit verdict for the broker in the current
// window, running the external check at most once per (tenant, broker, window).
//
// The redis lock in front is a best-effort optimization to keep simultaneous
// contenders from even reaching the DB insert. Reliability must not depend on
// Redis: the unique decision row in MySQL is authoritative.
func EnsureBrokerCredit(ctx context.Context, logger *logrus.Logger, checker CreditChecker, tenantId, brokerKey, workerId string) (bool, error) {
	window := creditWindow()
	windowStart := models.CreditWindowStart(time.Now(), window)

	if locker := config.GetRedisLock(); locker != nil {
		lockKey := fmt.Sprintf("creditcheck:%s:%s", tenantId, brokerKey)
		if lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil); err == nil {
			defer func() { _ = lock.Release(ctx) }()
		} else if err != redislock.ErrNotObtained {
			config.LogError(logger, "workflow", "EnsureBrokerCredit", "redis lock", brokerKey, err)
		}
	}

	leader, row, err := models.TryBecomeCreditLeader(ctx, tenantId, brokerKey, windowStart, workerId)
	if err != nil {
		return false, err
	}

	if leader {
		return runLeaderCheck(ctx, logger, checker, tenantId, brokerKey, row.ID)
	}

	if row.Decided && row.CreditApproved != nil {
		return *row.CreditApproved, nil
	}

	return awaitCreditDecision(ctx, logger, checker, tenantId, brokerKey, windowStart, workerId)
}

func runLeaderCheck(ctx context.Context, logger *logrus.Logger, checker CreditChecker, tenantId, brokerKey string, rowId int) (bool, error) {
	approved, note, err := checker.CheckCredit(ctx, tenantId, brokerKey)
	if err != nil {
		// Leave the row undecided; a contender takes over after leaderStaleAfter.
		config.LogError(logger, "workflow", "EnsureBrokerCredit", "external credit check", brokerKey, err)
		return false, err
	}
	if err := models.RecordCreditDecision(ctx, rowId, approved, note); err != nil {
		return false, err
	}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"field":      "CreditGate",
			"tenant_id":  tenantId,
			"broker_key": brokerKey,
			"approved":   approved,
		}).Info("broker credit decision recorded")
	}
	return approved, nil
}

// awaitCreditDecision polls for the winner's outcome. Losing the election is
// expected contention, not an error. If the leader goes stale the caller takes
// over the same decision row; the unique key still guarantees one row per window.
func awaitCreditDecision(ctx context.Context, logger *logrus.Logger, checker CreditChecker, tenantId, brokerKey string, windowStart time.Time, workerId string) (bool, error) {
	const pollInterval = 500 * time.Millisecond
	deadline := time.Now().Add(15 * time.Second)

	for {
		row, err := models.GetCreditDecision(ctx, tenantId, brokerKey, windowStart)
		if err != nil {
			return false, err
		}
		if row.Decided && row.CreditApproved != nil {
			return *row.CreditApproved, nil
		}
		if leaderIsStale(row, time.Now()) {
			// Leader crashed mid-check: conditionally seize the row and redo the call.
			seized, err := models.SeizeCreditLeadership(ctx, row.ID, workerId, time.Now().Add(-leaderStaleAfter))
			if err != nil {
				return false, err
			}
			if seized {
				return runLeaderCheck(ctx, logger, checker, tenantId, brokerKey, row.ID)
			}
		}
		if time.Now().After(deadline) {
			return false, ErrCreditDecisionPending
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

type httpCreditChecker struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPCreditChecker builds the production checker from env:
// - CREDIT_API_BASE_URL
// - CREDIT_API_KEY
func NewHTTPCreditChecker() (CreditChecker, error) {
	baseURL := strings.TrimSpace(os.Getenv("CREDIT_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("CREDIT_API_BASE_URL is required")
	}
	return &httpCreditChecker{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("CREDIT_API_KEY")),
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *httpCreditChecker) CheckCredit(ctx context.Context, tenantId, brokerKey string) (bool, string, error) {
	reqBody, err := utils.MarshalToJSON(map[string]string{
		"tenant_id":  tenantId,
		"broker_key": brokerKey,
	})
	if err != nil {
		return false, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/credit-check", strings.NewReader(reqBody))
	if err != nil {
		return false, "", err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return false, "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, "", fmt.Errorf("credit api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed struct {
		Approved bool   `json:"approved"`
		Note     string `json:"note"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return false, "", err
	}
	return parsed.Approved, parsed.Note, nil
}
