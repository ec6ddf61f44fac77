package trackerclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/omnicloud/peerswarm/internal/tracker"
)

func TestAnnounceEncodesQuery(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/announce" {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("info_hash") != "abcd" || q.Get("peer_id") != "A" || q.Get("port") != "6881" ||
			q.Get("event") != "started" || q.Get("numwant") != "3" || q.Get("ip") != "" {
			t.Errorf("query = %v", q)
		}
		got = r.Header
		json.NewEncoder(w).Encode([]tracker.PeerRecord{{PeerID: "A", IP: "10.0.0.1", Port: 6881}})
	}))
	defer srv.Close()

	c := New(srv.URL+"/", nil)
	c.SetToken("tok")
	peers, err := c.Announce(context.Background(), "abcd", AnnounceRequest{PeerID: "A", Port: 6881, Event: "started", NumWant: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(peers) != 1 || peers[0].Addr() != "10.0.0.1:6881" {
		t.Fatalf("peers = %+v", peers)
	}
	if got.Get("Authorization") != "Bearer tok" {
		t.Fatalf("authorization = %q", got.Get("Authorization"))
	}
}

func TestUpdateNeedsAck(t *testing.T) {
	status := "ok"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req tracker.UpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.InfoHash != "abcd" || len(req.Parts) != 2 {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "bad request", "message": "decode"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	req := tracker.UpdateRequest{InfoHash: "abcd", PeerID: "B", Parts: []string{"p0", "p1"}}
	if err := c.Update(context.Background(), req); err != nil {
		t.Fatalf("Update: %v", err)
	}

	status = "pending"
	if err := c.Update(context.Background(), req); err == nil {
		t.Fatalf("expected unacknowledged update to fail")
	}

	req.Parts = nil
	var se *StatusError
	if err := c.Update(context.Background(), req); !errors.As(err, &se) || se.Code != http.StatusBadRequest || se.Reason != "bad request" {
		t.Fatalf("err = %v", err)
	}
}

func TestLoginKeepsToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/login":
			if r.FormValue("username") != "admin" || r.FormValue("password") != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode(TokenPair{AccessToken: "acc", RefreshToken: "ref", TokenType: "bearer"})
		case "/api/scrape":
			if r.Header.Get("Authorization") != "Bearer acc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			json.NewEncoder(w).Encode([]tracker.TrackerFile{{InfoHash: "aa"}})
		}
	}))
	defer srv.Close()

	c := New(srv.URL, nil)
	if _, err := c.Login(context.Background(), "admin", "nope"); err == nil {
		t.Fatalf("expected bad login to fail")
	}
	pair, err := c.Login(context.Background(), "admin", "pw")
	if err != nil || pair.RefreshToken != "ref" {
		t.Fatalf("Login = %+v, %v", pair, err)
	}
	files, err := c.Scrape(context.Background())
	if err != nil || len(files) != 1 {
		t.Fatalf("Scrape = %+v, %v", files, err)
	}
}
