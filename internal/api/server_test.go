package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/omnicloud/peerswarm/internal/auth"
	"github.com/omnicloud/peerswarm/internal/events"
	"github.com/omnicloud/peerswarm/internal/tracker"
	"github.com/omnicloud/peerswarm/internal/trackerclient"
)

type testTracker struct {
	*httptest.Server
	registry *tracker.Registry
	auth     *auth.Service
	hub      *events.Hub
}

func newTestTracker(t *testing.T) *testTracker {
	t.Helper()
	reg := tracker.NewRegistry(tracker.NewMemoryStore())
	svc := auth.NewService("test-secret", time.Minute, time.Hour, auth.NewMemoryCredentials())
	ctx := context.Background()
	if err := svc.CreateUser(ctx, "root", "toor", []string{auth.ScopeAdmin, "user"}); err != nil {
		t.Fatal(err)
	}
	if err := svc.CreateUser(ctx, "alice", "secret", []string{"user"}); err != nil {
		t.Fatal(err)
	}

	hub := events.NewHub()
	hubCtx, cancel := context.WithCancel(ctx)
	go hub.Run(hubCtx)
	reg.OnEvent(hub.Publish)

	ts := httptest.NewServer(NewServer(reg, svc, hub, "tracker-test", 0).Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return &testTracker{Server: ts, registry: reg, auth: svc, hub: hub}
}

func (tt *testTracker) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, tt.URL+path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (tt *testTracker) login(t *testing.T, user, pass string) *auth.TokenPair {
	t.Helper()
	resp, err := http.PostForm(tt.URL+"/api/token", url.Values{"username": {user}, "password": {pass}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("token for %s: status %d", user, resp.StatusCode)
	}
	var pair auth.TokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		t.Fatal(err)
	}
	return &pair
}

func decodeError(t *testing.T, resp *http.Response) ErrorResponse {
	t.Helper()
	var e ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return e
}

func TestTrackerFlowThroughClient(t *testing.T) {
	tt := newTestTracker(t)
	c := trackerclient.New(tt.URL, nil)
	ctx := context.Background()

	peers, err := c.Announce(ctx, "abc123", trackerclient.AnnounceRequest{PeerID: "A", Port: 7001, Left: 10, Event: tracker.EventStarted})
	if err != nil {
		t.Fatalf("announce A: %v", err)
	}
	if len(peers) != 1 || peers[0].IP != "127.0.0.1" || peers[0].Port != 7001 {
		t.Fatalf("peers after A = %+v", peers)
	}

	peers, err = c.Announce(ctx, "abc123", trackerclient.AnnounceRequest{PeerID: "B", IP: "10.1.1.2", Port: 7002})
	if err != nil {
		t.Fatalf("announce B: %v", err)
	}
	if len(peers) != 2 || peers[0].PeerID != "A" || peers[1].PeerID != "B" || peers[1].IP != "10.1.1.2" {
		t.Fatalf("peers after B = %+v", peers)
	}

	// Repeating an announce changes nothing
	peers, _ = c.Announce(ctx, "abc123", trackerclient.AnnounceRequest{PeerID: "B", IP: "10.1.1.2", Port: 7002})
	if len(peers) != 2 {
		t.Fatalf("repeat announce gave %d peers", len(peers))
	}

	if err := c.Update(ctx, tracker.UpdateRequest{InfoHash: "abc123", PeerID: "B", Parts: []string{"p1", "p2"}}); err != nil {
		t.Fatalf("update: %v", err)
	}

	files, err := c.Scrape(ctx)
	if err != nil || len(files) != 1 {
		t.Fatalf("scrape = %+v, %v", files, err)
	}
	b, _ := files[0].Peer("B")
	if !reflect.DeepEqual(b.Parts, []string{"p1", "p2"}) {
		t.Fatalf("B parts = %v", b.Parts)
	}

	one, err := c.ScrapeOne(ctx, "ffff")
	if err != nil || one.Peers == nil || len(one.Peers) != 0 {
		t.Fatalf("scrape of unknown hash = %+v, %v", one, err)
	}
}

func TestAnnounceRejectsBadRequests(t *testing.T) {
	tt := newTestTracker(t)
	c := trackerclient.New(tt.URL, nil)

	_, err := c.Announce(context.Background(), "abc", trackerclient.AnnounceRequest{Port: 7000})
	var se *trackerclient.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Reason != "Invalid announce" {
		t.Fatalf("missing peer_id err = %v", err)
	}

	resp := tt.get(t, "/announce?info_hash=abc&peer_id=A&port=x", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad port status = %d", resp.StatusCode)
	}
	resp = tt.get(t, "/announce?info_hash=abc&peer_id=A&port=7000&event=paused", "")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad event status = %d", resp.StatusCode)
	}
}

func TestCompactAnnounceAtRootAlias(t *testing.T) {
	tt := newTestTracker(t)
	tt.get(t, "/announce/?info_hash=abc&peer_id=A&ip=10.0.0.5&port=6881", "")
	tt.get(t, "/announce/?info_hash=abc&peer_id=B&ip=fe80::1&port=6882", "")

	resp := tt.get(t, "/announce/?info_hash=abc&peer_id=C&ip=192.168.1.9&port=80&compact_mode=1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body CompactResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(body.Peers)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{10, 0, 0, 5, 0x1a, 0xe1, 192, 168, 1, 9, 0, 80}
	if !reflect.DeepEqual(raw, want) {
		t.Fatalf("compact = %v, want %v", raw, want)
	}
}

func TestNumWantAndNoPeerID(t *testing.T) {
	tt := newTestTracker(t)
	for _, id := range []string{"A", "B", "C"} {
		tt.get(t, "/api/announce?info_hash=abc&port=7000&peer_id="+id, "")
	}
	resp := tt.get(t, "/api/announce?info_hash=abc&port=7000&peer_id=C&numwant=2&no_peer_id=1", "")
	var peers []tracker.PeerRecord
	if err := json.NewDecoder(resp.Body).Decode(&peers); err != nil {
		t.Fatal(err)
	}
	if len(peers) != 2 {
		t.Fatalf("numwant=2 gave %d peers", len(peers))
	}
	for _, p := range peers {
		if p.PeerID != "" {
			t.Fatalf("no_peer_id left %q", p.PeerID)
		}
	}
}

func TestLoginSetsCookiesAndTokenAuthenticates(t *testing.T) {
	tt := newTestTracker(t)

	resp, err := http.PostForm(tt.URL+"/api/login", url.Values{"username": {"root"}, "password": {"wrong"}})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad login status = %d", resp.StatusCode)
	}

	resp, err = http.PostForm(tt.URL+"/api/login", url.Values{"username": {"root"}, "password": {"toor"}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	cookies := map[string]*http.Cookie{}
	for _, c := range resp.Cookies() {
		cookies[c.Name] = c
	}
	for _, name := range []string{"Authorization", "refresh_token", "logged_in"} {
		c, ok := cookies[name]
		if !ok || !c.HttpOnly {
			t.Fatalf("cookie %s = %+v", name, c)
		}
	}
	if !strings.HasPrefix(cookies["Authorization"].Value, "Bearer ") {
		t.Fatalf("Authorization cookie = %q", cookies["Authorization"].Value)
	}

	// The cookie alone authenticates
	req, _ := http.NewRequest(http.MethodGet, tt.URL+"/api/admin/users", nil)
	req.AddCookie(cookies["Authorization"])
	r2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	r2.Body.Close()
	if r2.StatusCode != http.StatusOK {
		t.Fatalf("cookie auth status = %d", r2.StatusCode)
	}
}

func TestAdminRoutesNeedAdminScope(t *testing.T) {
	tt := newTestTracker(t)
	tt.get(t, "/api/announce?info_hash=abc&port=7000&peer_id=A", "")

	if resp := tt.get(t, "/api/admin/users", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", resp.StatusCode)
	}
	alice := tt.login(t, "alice", "secret")
	if resp := tt.get(t, "/api/admin/users", alice.AccessToken); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("non-admin status = %d", resp.StatusCode)
	}
	resp := tt.get(t, "/api/admin/users", "not-a-jwt")
	if resp.StatusCode != http.StatusUnauthorized || decodeError(t, resp).Error != auth.BadToken {
		t.Fatalf("garbage token status = %d", resp.StatusCode)
	}

	root := tt.login(t, "root", "toor")
	resp = tt.get(t, "/api/admin/users", root.AccessToken)
	var users []tracker.ActiveUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].PeerID != "A" || users[0].IP != "127.0.0.1" {
		t.Fatalf("active users = %+v", users)
	}
}

func TestCreateUserAndRefresh(t *testing.T) {
	tt := newTestTracker(t)
	root := tt.login(t, "root", "toor")

	form := url.Values{"username": {"bob"}, "password": {"pw"}, "scope": {"user uploader"}}
	req, _ := http.NewRequest(http.MethodPost, tt.URL+"/api/admin/users", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", "Bearer "+root.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	bob := tt.login(t, "bob", "pw")
	if !reflect.DeepEqual(bob.Scopes, []string{"user", "uploader"}) {
		t.Fatalf("bob scopes = %v", bob.Scopes)
	}

	resp, err = http.PostForm(tt.URL+"/api/refresh", url.Values{"refresh_token": {bob.RefreshToken}})
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var pair auth.TokenPair
	json.NewDecoder(resp.Body).Decode(&pair)
	if resp.StatusCode != http.StatusOK || pair.AccessToken == "" {
		t.Fatalf("refresh status = %d", resp.StatusCode)
	}

	// An access token is not a refresh token
	resp2, _ := http.PostForm(tt.URL+"/api/refresh", url.Values{"refresh_token": {bob.AccessToken}})
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusUnauthorized {
		t.Fatalf("refresh with access token status = %d", resp2.StatusCode)
	}
}

func TestBlacklistRefusesBeforeTokens(t *testing.T) {
	tt := newTestTracker(t)
	root := tt.login(t, "root", "toor")

	body := strings.NewReader(`["10.9.9.9", "not-an-ip", "127.0.0.1"]`)
	req, _ := http.NewRequest(http.MethodPost, tt.URL+"/api/admin/blacklist", body)
	req.Header.Set("Authorization", "Bearer "+root.AccessToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	var list map[string][]string
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if !reflect.DeepEqual(list["blacklisted"], []string{"10.9.9.9", "127.0.0.1"}) {
		t.Fatalf("blacklist = %v", list)
	}

	// Even a valid admin token is refused now
	if resp := tt.get(t, "/api/admin/blacklist", root.AccessToken); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("banned admin status = %d", resp.StatusCode)
	}
	if resp := tt.get(t, "/api/scrape", ""); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("banned scrape status = %d", resp.StatusCode)
	}
}

func TestPreflightGetsCORSHeaders(t *testing.T) {
	tt := newTestTracker(t)
	req, _ := http.NewRequest(http.MethodOptions, tt.URL+"/api/update", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("preflight = %d %v", resp.StatusCode, resp.Header)
	}
}

func TestEventsFeed(t *testing.T) {
	tt := newTestTracker(t)
	root := tt.login(t, "root", "toor")

	wsURL := "ws" + strings.TrimPrefix(tt.URL, "http") + "/api/admin/events"
	if _, resp, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous subscribe should be refused, err = %v", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Authorization": {"Bearer " + root.AccessToken}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for tt.hub.ClientCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	tt.get(t, "/api/announce?info_hash=feed&port=7000&peer_id=Z&event=started", "")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg events.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "announce" || msg.InfoHash != "feed" || msg.PeerID != "Z" || msg.Event != "started" {
		t.Fatalf("event = %+v", msg)
	}
}
