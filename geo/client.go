// Package geo is the client for the geocoding/distance collaborator. Failures
// degrade to "no coordinates": the matcher then skips geographic plans instead of
// crashing.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/haulflow/dispatch_backend/config"
)

type Coordinates struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Geocoder resolves location strings and computes road-mile distances. The HTTP
// client below is the production implementation; tests substitute fakes.
type Geocoder interface {
	Geocode(ctx context.Context, location string) (*Coordinates, error)
	DistanceMiles(ctx context.Context, from, to Coordinates) (float64, error)
}

// ErrNotFound means the location could not be resolved. Not a crash: loads
// without coordinates are matched on non-geographic criteria or skipped.
var ErrNotFound = errors.New("location not found")

const (
	geocodeCacheTTL  = 30 * 24 * time.Hour
	distanceCacheTTL = 7 * 24 * time.Hour
)

type httpGeocoder struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPGeocoder builds the production client from env:
// - GEO_API_BASE_URL
// - GEO_API_KEY
func NewHTTPGeocoder() (Geocoder, error) {
	baseURL := strings.TrimSpace(os.Getenv("GEO_API_BASE_URL"))
	if baseURL == "" {
		return nil, errors.New("GEO_API_BASE_URL is required")
	}
	return &httpGeocoder{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  strings.TrimSpace(os.Getenv("GEO_API_KEY")),
		http:    &http.Client{Timeout: 15 * time.Second},
	}, nil
}

// Geocode resolves a location string, consulting the Redis cache first. Geocoding
// results are stable, so a long TTL is safe.
func (c *httpGeocoder) Geocode(ctx context.Context, location string) (*Coordinates, error) {
	location = strings.TrimSpace(location)
	if location == "" {
		return nil, ErrNotFound
	}

	cacheKey := "geocode:" + strings.ToLower(location)
	var cached Coordinates
	if found, err := config.GetRedisObject(cacheKey, &cached); err == nil && found {
		return &cached, nil
	}

	params := url.Values{}
	params.Set("q", location)
	body, err := c.get(ctx, "/v1/geocode", params)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Results []Coordinates `json:"results"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	if len(parsed.Results) == 0 {
		return nil, ErrNotFound
	}

	coords := parsed.Results[0]
	_ = config.SetRedisObject(cacheKey, coords, geocodeCacheTTL)
	return &coords, nil
}

func (c *httpGeocoder) DistanceMiles(ctx context.Context, from, to Coordinates) (float64, error) {
	cacheKey := fmt.Sprintf("distance:%.4f,%.4f:%.4f,%.4f", from.Lat, from.Lng, to.Lat, to.Lng)
	if cached, found, err := config.GetRedisValue(cacheKey); err == nil && found {
		if miles, perr := strconv.ParseFloat(cached, 64); perr == nil {
			return miles, nil
		}
	}

	params := url.Values{}
	params.Set("from", fmt.Sprintf("%f,%f", from.Lat, from.Lng))
	params.Set("to", fmt.Sprintf("%f,%f", to.Lat, to.Lng))
	body, err := c.get(ctx, "/v1/distance", params)
	if err != nil {
		return 0, err
	}

	var parsed struct {
		Miles float64 `json:"miles"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, err
	}
	_ = config.SetRedisValue(cacheKey, strconv.FormatFloat(parsed.Miles, 'f', -1, 64), distanceCacheTTL)
	return parsed.Miles, nil
}

func (c *httpGeocoder) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint = endpoint + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("geo api error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
