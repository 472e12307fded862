// Package geocode resolves free-text place queries into structured location
// candidates through a Nominatim-compatible search API. Lookups are cached
// and deduplicated; the service is best effort and empty results are not
// errors.
package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/gramkeep/gramkeep/internal/contact"
)

const (
	defaultBaseURLString         = "https://nominatim.openstreetmap.org"
	searchPath                   = "/search"
	queryParameterName           = "q"
	formatParameterName          = "format"
	formatParameterValue         = "jsonv2"
	limitParameterName           = "limit"
	limitParameterValue          = "5"
	addressDetailsParameterName  = "addressdetails"
	addressDetailsParameterValue = "1"
	userAgentHeader              = "User-Agent"
	userAgentValue               = "GramKeep-Geocoder/1.0"
	maxResponseBytes             = 256 * 1024
	defaultDialTimeout           = 5 * time.Second
	defaultTLSHandshakeTimeout   = 5 * time.Second
	defaultResponseHeaderTimeout = 10 * time.Second
	defaultHTTPTimeout           = 15 * time.Second
	defaultWarmupConcurrency     = 4
	errMessageEmptyQuery         = "geocode query cannot be empty"
	errMessageUnexpectedStatus   = "geocode request returned unexpected status code"
)

var errEmptyQuery = errors.New(errMessageEmptyQuery)

// Config customizes a Client instance.
type Config struct {
	BaseURL       string
	HTTPClient    *http.Client
	MaxConcurrent int
}

// Client looks up place candidates for free-text queries.
type Client struct {
	httpClient  *http.Client
	baseURL     *url.URL
	workerCount int
	cache       map[string][]contact.Place
	cacheMutex  sync.RWMutex
	flightGroup singleflight.Group
}

// NewClient constructs a Client from configuration values.
func NewClient(configuration Config) (*Client, error) {
	baseURLString := configuration.BaseURL
	if baseURLString == "" {
		baseURLString = defaultBaseURLString
	}
	baseURL, parseErr := url.Parse(baseURLString)
	if parseErr != nil {
		return nil, parseErr
	}

	httpClient := configuration.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
			Transport: &http.Transport{
				DialContext:           (&net.Dialer{Timeout: defaultDialTimeout}).DialContext,
				TLSHandshakeTimeout:   defaultTLSHandshakeTimeout,
				ResponseHeaderTimeout: defaultResponseHeaderTimeout,
			},
		}
	}

	workerCount := configuration.MaxConcurrent
	if workerCount <= 0 {
		workerCount = defaultWarmupConcurrency
	}

	return &Client{
		httpClient:  httpClient,
		baseURL:     baseURL,
		workerCount: workerCount,
		cache:       map[string][]contact.Place{},
	}, nil
}

type searchResponseRecord struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		City        string `json:"city"`
		Town        string `json:"town"`
		Village     string `json:"village"`
		Country     string `json:"country"`
		CountryCode string `json:"country_code"`
	} `json:"address"`
}

// Search returns place candidates for the query. Results are cached by the
// trimmed, lowercased query; concurrent lookups for the same query collapse
// into one request.
func (client *Client) Search(ctx context.Context, query string) ([]contact.Place, error) {
	cacheKey := strings.ToLower(strings.TrimSpace(query))
	if cacheKey == "" {
		return nil, errEmptyQuery
	}

	client.cacheMutex.RLock()
	cached, found := client.cache[cacheKey]
	client.cacheMutex.RUnlock()
	if found {
		return cached, nil
	}

	result, lookupErr, _ := client.flightGroup.Do(cacheKey, func() (any, error) {
		places, requestErr := client.search(ctx, query)
		if requestErr != nil {
			return nil, requestErr
		}
		client.cacheMutex.Lock()
		client.cache[cacheKey] = places
		client.cacheMutex.Unlock()
		return places, nil
	})
	if lookupErr != nil {
		return nil, lookupErr
	}
	places, _ := result.([]contact.Place)
	return places, nil
}

// WarmUp resolves the given queries ahead of time with bounded concurrency.
// Individual failures do not abort the remaining lookups.
func (client *Client) WarmUp(ctx context.Context, queries []string) {
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(client.workerCount)
	for _, query := range queries {
		query := query
		group.Go(func() error {
			_, _ = client.Search(groupCtx, query)
			return nil
		})
	}
	_ = group.Wait()
}

func (client *Client) search(ctx context.Context, query string) ([]contact.Place, error) {
	requestURL := *client.baseURL
	requestURL.Path = strings.TrimSuffix(requestURL.Path, "/") + searchPath
	parameters := url.Values{}
	parameters.Set(queryParameterName, strings.TrimSpace(query))
	parameters.Set(formatParameterName, formatParameterValue)
	parameters.Set(limitParameterName, limitParameterValue)
	parameters.Set(addressDetailsParameterName, addressDetailsParameterValue)
	requestURL.RawQuery = parameters.Encode()

	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, requestURL.String(), nil)
	if requestErr != nil {
		return nil, requestErr
	}
	request.Header.Set(userAgentHeader, userAgentValue)

	response, responseErr := client.httpClient.Do(request)
	if responseErr != nil {
		return nil, responseErr
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: %d", errMessageUnexpectedStatus, response.StatusCode)
	}

	body, readErr := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if readErr != nil {
		return nil, readErr
	}

	var records []searchResponseRecord
	if decodeErr := json.Unmarshal(body, &records); decodeErr != nil {
		return nil, decodeErr
	}

	places := make([]contact.Place, 0, len(records))
	for _, record := range records {
		place := contact.Place{
			City:        firstNonEmpty(record.Address.City, record.Address.Town, record.Address.Village),
			Country:     record.Address.Country,
			CountryCode: strings.ToUpper(record.Address.CountryCode),
			DisplayName: record.DisplayName,
		}
		places = append(places, place)
	}
	return places, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value != "" {
			return value
		}
	}
	return ""
}
