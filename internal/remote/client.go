// Package remote implements the HTTP relay backing the sync coordinator, the
// progress merge engine and the leaderboard aggregator. The relay exposes a
// small JSON API; every other package talks to it through its own narrow
// interface, so the transport can be swapped without touching them.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/dailygrid/backend/internal/facts"
	"github.com/dailygrid/backend/internal/leaderboard"
	"github.com/dailygrid/backend/internal/progress"
	"github.com/dailygrid/backend/internal/syncer"
)

// ClientConfig describes how to reach the relay.
type ClientConfig struct {
	BaseURL    string
	UserID     string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client talks to the relay. It implements syncer.RemoteStore,
// progress.RemoteStore and leaderboard.RemoteScoreStore.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient validates the configuration and constructs the relay client.
func NewClient(cfg ClientConfig) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	if strings.TrimSpace(cfg.UserID) == "" {
		return nil, fmt.Errorf("remote: user id is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    base,
		userID:     cfg.UserID,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

type pushRequestBody struct {
	Records []syncer.RemoteRecord `json:"records"`
}

type pushOutcomeBody struct {
	FactID string `json:"fact_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type pushResponseBody struct {
	Outcomes []pushOutcomeBody `json:"outcomes"`
}

// Push delivers a batch of facts. A non-2xx response fails the whole call;
// per-record outcomes come back in the response body.
func (c *Client) Push(ctx context.Context, records []syncer.RemoteRecord) ([]syncer.PushOutcome, error) {
	var response pushResponseBody
	if err := c.doJSON(ctx, http.MethodPost, "/v1/sync/push", pushRequestBody{Records: records}, &response); err != nil {
		if err == errNotFound {
			return nil, syncer.ErrNotProvisioned
		}
		return nil, err
	}

	outcomes := make([]syncer.PushOutcome, 0, len(response.Outcomes))
	for _, outcome := range response.Outcomes {
		decoded := syncer.PushOutcome{FactID: outcome.FactID}
		switch outcome.Status {
		case "delivered":
			decoded.Class = syncer.OutcomeDelivered
		case "terminal":
			decoded.Class = syncer.OutcomeTerminal
			decoded.Err = fmt.Errorf("remote rejected fact: %s", outcome.Error)
		default:
			decoded.Class = syncer.OutcomeTransient
			decoded.Err = fmt.Errorf("remote deferred fact: %s", outcome.Error)
		}
		outcomes = append(outcomes, decoded)
	}
	return outcomes, nil
}

type pullResponseBody struct {
	Records []syncer.RemoteRecord `json:"records"`
	Cursor  string                `json:"cursor"`
}

// PullSince replays the change feed from an opaque cursor.
func (c *Client) PullSince(ctx context.Context, cursor string) ([]syncer.RemoteRecord, string, error) {
	path := "/v1/sync/changes"
	if cursor != "" {
		path += "?cursor=" + url.QueryEscape(cursor)
	}
	var response pullResponseBody
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &response); err != nil {
		if err == errNotFound {
			return nil, "", syncer.ErrNotProvisioned
		}
		return nil, "", err
	}
	return response.Records, response.Cursor, nil
}

// Provision creates the remote container for this user. Safe to repeat.
func (c *Client) Provision(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, "/v1/sync/provision", nil, nil)
}

// Fetch returns the remote progress record for a category. A 404 means the
// remote has no record yet, which is benign.
func (c *Client) Fetch(ctx context.Context, category string) (progress.Record, bool, error) {
	var record progress.Record
	err := c.doJSON(ctx, http.MethodGet, "/v1/progress/"+url.PathEscape(category), nil, &record)
	if err == errNotFound {
		return progress.Record{}, false, nil
	}
	if err != nil {
		return progress.Record{}, false, err
	}
	return record, true, nil
}

// Put replaces the remote progress record with the merged copy.
func (c *Client) Put(ctx context.Context, record progress.Record) error {
	return c.doJSON(ctx, http.MethodPut, "/v1/progress/"+url.PathEscape(record.Category), record, nil)
}

type leaderboardResponseBody struct {
	Scores []facts.Score `json:"scores"`
}

// Query returns the published score facts for every member of a group over an
// inclusive day window.
func (c *Client) Query(ctx context.Context, groupID string, startKey, endKey facts.DateKey) ([]facts.Score, error) {
	query := url.Values{}
	query.Set("group_id", groupID)
	query.Set("start_key", fmt.Sprintf("%d", startKey.Int()))
	query.Set("end_key", fmt.Sprintf("%d", endKey.Int()))

	var response leaderboardResponseBody
	err := c.doJSON(ctx, http.MethodGet, "/v1/leaderboard?"+query.Encode(), nil, &response)
	if err == errNotFound {
		return nil, leaderboard.ErrGroupNotFound
	}
	if err != nil {
		return nil, err
	}
	return response.Scores, nil
}

var errNotFound = fmt.Errorf("remote: not found")

func (c *Client) doJSON(ctx context.Context, method, path string, requestBody, responseBody any) error {
	var reader *bytes.Reader
	if requestBody != nil {
		encoded, err := json.Marshal(requestBody)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-User-ID", c.userID)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < 200 || response.StatusCode > 299 {
		return classifyStatus(response.StatusCode)
	}
	if responseBody == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(responseBody)
}

// classifyStatus maps relay status codes onto the sentinel errors the callers
// classify on. Unknown statuses stay plain errors, which the sync coordinator
// treats as transient; that includes 429, since rate limiting clears on its
// own and must not park entries.
func classifyStatus(code int) error {
	switch code {
	case http.StatusNotFound:
		return errNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return syncer.ErrPermissionDenied
	case http.StatusInsufficientStorage:
		return syncer.ErrQuotaExceeded
	default:
		return fmt.Errorf("remote returned status %d", code)
	}
}
