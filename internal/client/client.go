// Package client is a small Go SDK for litecored's admin API: document
// reads/writes, revision history, and replicator control, wrapped so
// callers never touch raw HTTP or JSON.
package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one litecored node.
type Client struct {
	baseURL    string
	collection string // "scope/name"
	httpClient *http.Client
}

// New creates a Client for the given base URL and collection path.
func New(baseURL, collection string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	if collection == "" {
		collection = "_default/_default"
	}
	return &Client{
		baseURL:    baseURL,
		collection: collection,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PutResponse is returned after a successful write.
type PutResponse struct {
	DocID    string `json:"docID"`
	RevID    string `json:"revID"`
	Sequence uint64 `json:"sequence"`
}

// GetResponse carries a document's current revision.
type GetResponse struct {
	DocID    string `json:"docID"`
	RevID    string `json:"revID"`
	Sequence uint64 `json:"sequence"`
	Deleted  bool   `json:"deleted"`
	Body     []byte `json:"-"`

	RawBody string `json:"body"` // base64 on the wire
}

// HistoryResponse carries a document's revision ancestry.
type HistoryResponse struct {
	DocID      string `json:"docID"`
	History    string `json:"history"`
	Conflicted bool   `json:"conflicted"`
	Leaves     int    `json:"leaves"`
}

// ReplicatorStatus mirrors the /replicators/:id response.
type ReplicatorStatus struct {
	Level          string `json:"level"`
	DocsCompleted  uint64 `json:"docsCompleted"`
	UnitsCompleted uint64 `json:"unitsCompleted"`
	HostReachable  bool   `json:"hostReachable"`
	Suspended      bool   `json:"suspended"`
	WillRetry      bool   `json:"willRetry"`
	Error          string `json:"error"`
}

func (c *Client) docURL(docID string) string {
	return fmt.Sprintf("%s/db/%s/docs/%s", c.baseURL, c.collection, docID)
}

// Put stores body under docID as a new revision.
func (c *Client) Put(ctx context.Context, docID string, body []byte) (*PutResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.docURL(docID), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PUT request failed: %w", err)
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result PutResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Get retrieves the current revision of docID. A server 404 becomes
// ErrNotFound.
func (c *Client) Get(ctx context.Context, docID string) (*GetResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.docURL(docID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result GetResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}
	result.Body, err = base64.StdEncoding.DecodeString(result.RawBody)
	return &result, err
}

// Delete writes a deletion revision (tombstone) for docID.
func (c *Client) Delete(ctx context.Context, docID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.docURL(docID), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// History fetches docID's revision ancestry string.
func (c *Client) History(ctx context.Context, docID string) (*HistoryResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.docURL(docID)+"/history", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result HistoryResponse
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// StartReplication asks the node to replicate against url; returns the
// replicator ID for status polling.
func (c *Client) StartReplication(ctx context.Context, url string, push, pull, continuous bool) (string, error) {
	body, _ := json.Marshal(map[string]any{
		"url": url, "collection": c.collection,
		"push": push, "pull": pull, "continuous": continuous,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/replicators", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	return result.ID, json.NewDecoder(resp.Body).Decode(&result)
}

// ReplicationStatus polls a replicator started by StartReplication.
func (c *Client) ReplicationStatus(ctx context.Context, id string) (*ReplicatorStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/replicators/"+id, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var result ReplicatorStatus
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// StopReplication stops a running replicator.
func (c *Client) StopReplication(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/replicators/"+id+"/stop", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ─── Errors ───────────────────────────────────────────────────────────────

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = fmt.Errorf("document not found")

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses into Go errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
