// Copyright 2026 The Offermesh Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/offermesh/offermesh/offer"
)

// maxResponseBytes caps how much of a response body is read. The
// index serves paginated lists; anything past this is a broken or
// hostile server.
const maxResponseBytes = 8 << 20

// Error is a structured error response from the index.
type Error struct {
	// StatusCode is the HTTP status. Not part of the JSON body.
	StatusCode int `json:"-"`
	// Message is the index's error_message field.
	Message string `json:"error_message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("index: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("index: HTTP %d: %s", e.StatusCode, e.Message)
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the base URL of the index service.
	BaseURL string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client talks to the external offer index.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates an index client.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("index: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("index: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("index: BaseURL %q must be http or https", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// OfferSnapshot is one raw offer as the index reports it: the signal
// tuple plus the index's own metadata.
type OfferSnapshot struct {
	offer.Signal

	ID        string        `json:"id"`
	Status    int           `json:"status"`
	Offered   []offer.Asset `json:"offered"`
	Requested []offer.Asset `json:"requested"`
	Price     float64       `json:"price"`
	Fees      uint64        `json:"fees"`
}

// SearchRequest is the optional-filter set for offer search. Zero
// values mean "no filter"; Status uses a pointer because code 0 is a
// real filter value.
type SearchRequest struct {
	RequestedAssetID string
	MakerAddress     string
	Status           *int
	Page             int
	PageSize         int
}

// SearchResponse is one page of search results.
type SearchResponse struct {
	Offers []OfferSnapshot `json:"offers"`
	Count  int             `json:"count"`
	Page   int             `json:"page"`
}

// SearchOffers returns one page of offers matching the filters.
func (c *Client) SearchOffers(ctx context.Context, request SearchRequest) (*SearchResponse, error) {
	query := url.Values{}
	if request.RequestedAssetID != "" {
		query.Set("requested", request.RequestedAssetID)
	}
	if request.MakerAddress != "" {
		query.Set("maker", request.MakerAddress)
	}
	if request.Status != nil {
		query.Set("status", strconv.Itoa(*request.Status))
	}
	if request.Page > 0 {
		query.Set("page", strconv.Itoa(request.Page))
	}
	if request.PageSize > 0 {
		query.Set("page_size", strconv.Itoa(request.PageSize))
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/v1/offers", nil, query)
	if err != nil {
		return nil, fmt.Errorf("index: offer search failed: %w", err)
	}

	var response SearchResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("index: failed to parse search response: %w", err)
	}
	return &response, nil
}

// GetOffer returns the current snapshot of one offer by its index id.
func (c *Client) GetOffer(ctx context.Context, id string) (*OfferSnapshot, error) {
	if id == "" {
		return nil, fmt.Errorf("index: offer id is required")
	}

	body, err := c.doRequest(ctx, http.MethodGet, "/v1/offers/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index: offer lookup failed: %w", err)
	}

	var response struct {
		Offer OfferSnapshot `json:"offer"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("index: failed to parse offer response: %w", err)
	}
	return &response.Offer, nil
}

// InspectOffer satisfies offer.Inspector.
func (c *Client) InspectOffer(ctx context.Context, indexID string) (offer.Signal, error) {
	snapshot, err := c.GetOffer(ctx, indexID)
	if err != nil {
		return offer.Signal{}, err
	}
	return snapshot.Signal, nil
}

// PostOfferResponse reports an offer upload. Known means the index
// had already seen this payload; the id is valid either way.
type PostOfferResponse struct {
	ID    string `json:"id"`
	Known bool   `json:"known"`
}

// PostOffer uploads a signed offer payload and returns the id the
// index assigned to it. Records acquire their IndexID this way.
func (c *Client) PostOffer(ctx context.Context, payload string) (*PostOfferResponse, error) {
	if payload == "" {
		return nil, fmt.Errorf("index: offer payload is required")
	}

	body, err := c.doRequest(ctx, http.MethodPost, "/v1/offers", map[string]string{"offer": payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("index: offer upload failed: %w", err)
	}

	var response PostOfferResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("index: failed to parse upload response: %w", err)
	}
	if response.ID == "" {
		return nil, fmt.Errorf("index: upload response missing offer id")
	}
	return &response, nil
}

// doRequest performs an HTTP request against the index and returns
// the response body. On 2xx, returns the body. On 4xx/5xx, returns a
// *Error parsed from the index's error envelope.
func (c *Client) doRequest(ctx context.Context, method, path string, requestBody any, query url.Values) ([]byte, error) {
	requestURL := c.baseURL + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return nil, fmt.Errorf("index: failed to encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	request, err := http.NewRequestWithContext(ctx, method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("index: failed to create request: %w", err)
	}
	if requestBody != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("index: request to %s %s failed: %w", method, path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("index: failed to read response body: %w", err)
	}

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	var indexErr Error
	if jsonErr := json.Unmarshal(responseBody, &indexErr); jsonErr != nil {
		// Non-JSON error body; fail loud with the raw text.
		return nil, fmt.Errorf("index: unexpected %d response from %s %s: %s",
			response.StatusCode, method, path, string(responseBody))
	}
	indexErr.StatusCode = response.StatusCode
	return nil, &indexErr
}
