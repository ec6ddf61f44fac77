// Package trackerclient talks to the tracker HTTP API.
package trackerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/omnicloud/peerswarm/internal/tracker"
)

// AnnounceRequest carries the announce query parameters besides info_hash.
type AnnounceRequest struct {
	PeerID     string
	IP         string // empty lets the tracker use the observed address
	Port       int
	Downloaded int64
	Uploaded   int64
	Left       int64
	Event      string
	NumWant    int
	NoPeerID   bool
}

// TokenPair is the tracker's login reply.
type TokenPair struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	Scopes       []string `json:"scopes"`
}

// StatusError is a non-2xx tracker reply.
type StatusError struct {
	Code    int
	Reason  string
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("tracker returned %d: %s: %s", e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("tracker returned %d: %s", e.Code, e.Reason)
}

// Client is safe for concurrent use.
type Client struct {
	base string
	http *http.Client

	mu    sync.RWMutex
	token string
}

// New creates a client for the tracker at baseURL (e.g. http://127.0.0.1:5000).
// A nil httpClient gets a 15 second timeout.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Announce reports the peer to the tracker and returns the peer set of infoHash.
func (c *Client) Announce(ctx context.Context, infoHash string, req AnnounceRequest) ([]tracker.PeerRecord, error) {
	v := nurl.Values{}
	v.Set("info_hash", infoHash)
	v.Set("peer_id", req.PeerID)
	if req.IP != "" {
		v.Set("ip", req.IP)
	}
	v.Set("port", strconv.Itoa(req.Port))
	v.Set("downloaded", strconv.FormatInt(req.Downloaded, 10))
	v.Set("uploaded", strconv.FormatInt(req.Uploaded, 10))
	v.Set("left", strconv.FormatInt(req.Left, 10))
	if req.Event != "" {
		v.Set("event", req.Event)
	}
	if req.NumWant > 0 {
		v.Set("numwant", strconv.Itoa(req.NumWant))
	}
	if req.NoPeerID {
		v.Set("no_peer_id", "1")
	}

	var peers []tracker.PeerRecord
	if err := c.do(ctx, http.MethodGet, "/api/announce?"+v.Encode(), nil, "", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

// Scrape returns every torrent the tracker knows.
func (c *Client) Scrape(ctx context.Context) ([]tracker.TrackerFile, error) {
	var files []tracker.TrackerFile
	if err := c.do(ctx, http.MethodGet, "/api/scrape", nil, "", &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ScrapeOne returns the peer set of one torrent, empty when unknown.
func (c *Client) ScrapeOne(ctx context.Context, infoHash string) (tracker.TrackerFile, error) {
	var f tracker.TrackerFile
	q := nurl.Values{"info_hash": {infoHash}}
	err := c.do(ctx, http.MethodGet, "/api/scrape?"+q.Encode(), nil, "", &f)
	return f, err
}

// Update reports parts a peer now holds. A nil error means the tracker acknowledged.
func (c *Client) Update(ctx context.Context, req tracker.UpdateRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var ack struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/update", bytes.NewReader(body), "application/json", &ack); err != nil {
		return err
	}
	if ack.Status != "ok" {
		return fmt.Errorf("tracker did not acknowledge update: status %q", ack.Status)
	}
	return nil
}

// Login exchanges credentials for a token pair and keeps the access token.
func (c *Client) Login(ctx context.Context, username, password string) (*TokenPair, error) {
	form := nurl.Values{"username": {username}, "password": {password}}
	var pair TokenPair
	err := c.do(ctx, http.MethodPost, "/api/login", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", &pair)
	if err != nil {
		return nil, err
	}
	c.SetToken(pair.AccessToken)
	return &pair, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return &StatusError{Code: resp.StatusCode, Reason: e.Error, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode tracker reply for %s: %w", path, err)
	}
	return nil
}
