// Package extraction is the HTTP client for the field-extraction collaborator:
// it turns raw load-notification email bodies into structured load fields. The
// NLP itself lives in the external service; this core only transports bytes and
// interprets reason-coded failures.
package extraction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/models"
)

// Extractor is what the intake pipeline depends on; the HTTP client below is the
// production implementation, tests substitute fakes.
type Extractor interface {
	ExtractLoad(ctx context.Context, tenantId string, rawPayload []byte) (*models.ParsedLoad, error)
}

// FailureReason codes returned by the extraction service for payloads it cannot
// parse. Permanent reasons make the queue item terminal; anything else retries.
type FailureReason string

const (
	ReasonNotALoad        FailureReason = "NOT_A_LOAD"
	ReasonMalformedBody   FailureReason = "MALFORMED_BODY"
	ReasonUnsupportedLang FailureReason = "UNSUPPORTED_LANGUAGE"
)

// ExtractionError is a reason-coded permanent extraction failure.
type ExtractionError struct {
	Reason  FailureReason
	Message string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed (%s): %s", e.Reason, e.Message)
}

// IsPermanent reports whether err is a reason-coded extraction failure that
// retrying cannot fix.
func IsPermanent(err error) bool {
	var ee *ExtractionError
	return errors.As(err, &ee)
}

type httpExtractor struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPExtractor builds the production client from env:
// - EXTRACTION_API_BASE_URL
// - EXTRACTION_API_KEY
func NewHTTPExtractor() (Extractor, error) {
	baseURL := strings.TrimSpace(os.Getenv("EXTRACTION_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("EXTRACTION_API_BASE_URL is required")
	}
	apiKey := strings.TrimSpace(os.Getenv("EXTRACTION_API_KEY"))
	if apiKey == "" {
		return nil, errors.New("EXTRACTION_API_KEY is required")
	}
	return &httpExtractor{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

type extractRequest struct {
	TenantId   string `json:"tenant_id"`
	RawPayload []byte `json:"raw_payload"`
}

type extractResponse struct {
	Load   *models.ParsedLoad `json:"load"`
	Reason FailureReason      `json:"reason,omitempty"`
	Detail string             `json:"detail,omitempty"`
}

func (c *httpExtractor) ExtractLoad(ctx context.Context, tenantId string, rawPayload []byte) (*models.ParsedLoad, error) {
	reqBody, err := json.Marshal(extractRequest{TenantId: tenantId, RawPayload: rawPayload})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/extract", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-API-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	// 422 carries a reason code: permanent, do not retry.
	if resp.StatusCode == http.StatusUnprocessableEntity {
		var parsed extractResponse
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Reason == "" {
			return nil, &ExtractionError{Reason: ReasonMalformedBody, Message: strings.TrimSpace(string(body))}
		}
		return nil, &ExtractionError{Reason: parsed.Reason, Message: parsed.Detail}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// 5xx and everything else is transient: the reap/retry path handles it.
		return nil, fmt.Errorf("extraction api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var parsed extractResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if parsed.Load == nil {
		return nil, &ExtractionError{Reason: ReasonNotALoad, Message: "empty extraction result"}
	}
	return parsed.Load, nil
}
