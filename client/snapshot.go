package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andrewpaige1/ideaflow-api/models"
	"github.com/pkg/errors"
)

// SnapshotClient reads and writes session snapshots over the REST API.
type SnapshotClient struct {
	baseURL string
	http    *http.Client
}

// NewSnapshotClient creates a client for the API rooted at baseURL. A nil hc uses a client with a 10s timeout.
func NewSnapshotClient(baseURL string, hc *http.Client) *SnapshotClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &SnapshotClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    hc,
	}
}

// Fetch returns the stored snapshot. An absent session comes back empty at version 0.
func (c *SnapshotClient) Fetch(ctx context.Context, sessionID string) (models.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.sessionURL(sessionID), nil)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "build snapshot request failed")
	}
	return c.do(req)
}

// Persist replaces the stored board and returns the new snapshot.
func (c *SnapshotClient) Persist(ctx context.Context, sessionID string, board models.Board) (models.Snapshot, error) {
	body, err := json.Marshal(board)
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "encode board failed")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.sessionURL(sessionID), bytes.NewReader(body))
	if err != nil {
		return models.Snapshot{}, errors.Wrap(err, "build persist request failed")
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *SnapshotClient) sessionURL(sessionID string) string {
	return c.baseURL + "/api/sessions/" + url.PathEscape(sessionID)
}

func (c *SnapshotClient) do(req *http.Request) (models.Snapshot, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return models.Snapshot{}, errors.Wrapf(err, "%s %s failed", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Snapshot{}, errors.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg)))
	}
	var snap models.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return models.Snapshot{}, errors.Wrap(err, "decode snapshot failed")
	}
	return snap, nil
}
