package terminal_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dockyard/internal/domain"
	"dockyard/internal/terminal"
)

func TestNormalizeActionName(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Track Shipment", "Track_Shipment"},
		{"already_safe-name", "already_safe-name"},
		{"weird/chars?here!", "weird_chars_here_"},
		{"accents éà", "accents___"},
	}
	for _, tc := range cases {
		if got := terminal.NormalizeActionName(tc.in); got != tc.want {
			t.Errorf("NormalizeActionName(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestDispatchStructuredResult(t *testing.T) {
	var gotPath, gotAuth string
	var gotReq terminal.ActionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(terminal.ActionResult{
			Response: domain.ResponseRequestSuspend,
			Payload:  json.RawMessage(`{"tracking":"on"}`),
		})
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	term := domain.Terminal{Endpoint: srv.URL + "/", Secret: "s3cret"}
	res, err := c.Dispatch(context.Background(), term, "Track Shipment", terminal.ActionRequest{
		ActivityID:  "act-1",
		ContainerID: "cont-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/actions/Track_Shipment" {
		t.Fatalf("dispatched to %s", gotPath)
	}
	if gotAuth != "Bearer s3cret" {
		t.Fatalf("auth header %q", gotAuth)
	}
	if gotReq.ActivityID != "act-1" || gotReq.ContainerID != "cont-1" {
		t.Fatalf("request body %+v", gotReq)
	}
	if res.Response != domain.ResponseRequestSuspend {
		t.Fatalf("verdict %s", res.Response)
	}
	if string(res.Payload) != `{"tracking":"on"}` {
		t.Fatalf("payload %s", res.Payload)
	}
}

func TestDispatchLegacyStringResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`"shipment registered"`))
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	res, err := c.Dispatch(context.Background(), domain.Terminal{Endpoint: srv.URL}, "register", terminal.ActionRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Response != domain.ResponseSuccess {
		t.Fatalf("expected legacy string mapped to success, got %s", res.Response)
	}
	var s string
	if err := json.Unmarshal(res.Payload, &s); err != nil || s != "shipment registered" {
		t.Fatalf("payload %s (%v)", res.Payload, err)
	}
}

func TestDispatchEmptyBodyIsNull(t *testing.T) {
	for _, body := range []string{"", "null", "  \n"} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(body))
		}))
		c := terminal.NewClient(0)
		res, err := c.Dispatch(context.Background(), domain.Terminal{Endpoint: srv.URL}, "noop", terminal.ActionRequest{})
		srv.Close()
		if err != nil {
			t.Fatalf("body %q: %v", body, err)
		}
		if res.Response != domain.ResponseNull {
			t.Fatalf("body %q: expected null verdict, got %s", body, res.Response)
		}
	}
}

func TestDispatchNon2xxIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	_, err := c.Dispatch(context.Background(), domain.Terminal{Endpoint: srv.URL}, "x", terminal.ActionRequest{})
	var unreachable *terminal.UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected unreachable error on 500, got %T: %v", err, err)
	}
	if unreachable.Timeout {
		t.Fatal("a rejection is not a timeout")
	}
	if !strings.Contains(err.Error(), "status 500") {
		t.Fatalf("error should carry the status: %v", err)
	}
}

func TestDispatchTimeoutIsUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := terminal.NewClient(20 * time.Millisecond)
	_, err := c.Dispatch(context.Background(), domain.Terminal{Endpoint: srv.URL}, "slow", terminal.ActionRequest{})
	var unreachable *terminal.UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("expected unreachable error, got %v", err)
	}
	if !unreachable.Timeout {
		t.Fatal("expected timeout flagged")
	}
}

func TestPollRoundTrip(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		var in domain.PollingData
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode polling data: %v", err)
		}
		in.Result = true
		in.PollingIntervalInMinutes = 10
		json.NewEncoder(w).Encode(in)
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	term := domain.Terminal{Name: "shipping", Endpoint: srv.URL, Secret: "tok"}
	out, err := c.Poll(context.Background(), term, domain.PollingData{ExternalAccountID: "acct-1"})
	if err != nil {
		t.Fatal(err)
	}
	if gotPath != "/terminals/shipping/polling_notifications" {
		t.Fatalf("polled %s", gotPath)
	}
	if !out.Result || out.PollingIntervalInMinutes != 10 || out.ExternalAccountID != "acct-1" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestDiscover(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/discover" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{
			"definition": {"name": "shipping", "version": "2.1"},
			"activities": [
				{"name": "Track Shipment", "version": "1.0", "category": "logistics", "needs_authentication": true},
				{"name": "Print Label", "version": "1.0"}
			]
		}`))
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	d, err := c.Discover(context.Background(), srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if d.Definition.Name != "shipping" || d.Definition.Version != "2.1" {
		t.Fatalf("definition %+v", d.Definition)
	}
	if len(d.Activities) != 2 {
		t.Fatalf("expected 2 activities, got %d", len(d.Activities))
	}
	if !d.Activities[0].NeedsAuthentication || d.Activities[1].NeedsAuthentication {
		t.Fatal("needs_authentication decoded wrong")
	}
}

func TestDiscoverRejectsNamelessTerminal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"definition":{"version":"1.0"},"activities":[]}`))
	}))
	defer srv.Close()

	c := terminal.NewClient(0)
	if _, err := c.Discover(context.Background(), srv.URL); err == nil {
		t.Fatal("expected error for discovery without a name")
	}
}
