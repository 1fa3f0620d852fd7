package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"dockyard/internal/crate"
	"dockyard/internal/db"
	"dockyard/internal/engine"
	"dockyard/internal/events"
	"dockyard/internal/migrate"
	"dockyard/internal/poller"
	"dockyard/internal/repo"
	"dockyard/internal/terminal"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	dispatch := terminal.NewClient(5 * time.Second)
	e := &engine.Engine{
		DB:         conn,
		Repo:       repo.Repo{DB: conn},
		Events:     events.Writer{DB: conn},
		Dispatcher: dispatch,
	}
	handler, err := New(Config{
		Engine:   e,
		Poller:   &poller.Scheduler{Repo: e.Repo, Client: dispatch},
		Alarms: &poller.Alarms{Fire: func(ctx context.Context, containerID string) error {
			_, err := e.Continue(ctx, containerID, "system:alarm")
			return err
		}},
		Registry: terminal.Registry{Repo: e.Repo, Client: dispatch},
		BasePath: "/v0",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode error envelope from %s: %v", data, err)
	}
	return env.Error
}

// fakeTerminal is an httptest backend answering /discover and a single
// Track_Shipment action.
func fakeTerminal(t *testing.T, verdict string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var dispatched atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/discover":
			w.Write([]byte(`{
				"definition": {"name": "shipping", "version": "1.0"},
				"activities": [{"name": "Track Shipment", "version": "1.0", "needs_authentication": false}]
			}`))
		case "/actions/Track_Shipment":
			dispatched.Add(1)
			w.Write([]byte(`{"response": "` + verdict + `"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &dispatched
}

type registerTerminalResponse struct {
	Terminal  TerminalResponse   `json:"terminal"`
	Templates []TemplateResponse `json:"templates"`
}

func registerFakeTerminal(t *testing.T, srv *testServer, endpoint, secret string) registerTerminalResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/terminals", map[string]any{
		"endpoint": endpoint,
		"secret":   secret,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register terminal status %d: %s", res.StatusCode, data)
	}
	var out registerTerminalResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal terminal: %v", err)
	}
	if len(out.Templates) == 0 {
		t.Fatal("terminal registered without templates")
	}
	return out
}

func createPlan(t *testing.T, srv *testServer, name string) PlanResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans", map[string]any{"name": name}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create plan status %d: %s", res.StatusCode, data)
	}
	var p PlanResponse
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal plan: %v", err)
	}
	return p
}

func TestRunPlanEndToEnd(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	backend, dispatched := fakeTerminal(t, "Success")
	registered := registerFakeTerminal(t, srv, backend.URL, "term-secret")

	plan := createPlan(t, srv, "Shipments")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/nodes", map[string]any{
		"label":                "track",
		"activity_template_id": registered.Templates[0].ID,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add node status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/activate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/run", nil, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("run status %d: %s", res.StatusCode, data)
	}
	var container ContainerResponse
	if err := json.Unmarshal(data, &container); err != nil {
		t.Fatalf("unmarshal container: %v", err)
	}
	if container.State != "completed" {
		t.Fatalf("expected completed container, got %s", container.State)
	}
	if got := dispatched.Load(); got != 1 {
		t.Fatalf("terminal dispatched %d times", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/containers/"+container.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get container status %d: %s", res.StatusCode, data)
	}
}

func TestAuthenticationGuards(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	// health is open
	res, err := http.Get(srv.URL + "/v0/health")
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}

	// everything else wants a principal
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v0/plans", nil)
	res, err = srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, data)
	}
	if code := decodeError(t, data).Code; code != "unauthorized" {
		t.Fatalf("error code %q", code)
	}

	// the legacy actor header passes when enabled
	res2, data2 := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/plans", nil, nil)
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("legacy header status %d: %s", res2.StatusCode, data2)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, data)
	}
	if code := decodeError(t, data).Code; code != "not_found" {
		t.Fatalf("error code %q", code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans", map[string]any{"name": ""}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, data)
	}
	if code := decodeError(t, data).Code; code != "bad_request" {
		t.Fatalf("error code %q", code)
	}

	// removing the plan root is refused
	plan := createPlan(t, srv, "Guarded")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/plans/"+plan.ID+"/nodes", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list nodes status %d: %s", res.StatusCode, data)
	}
	var nodes []NodeResponse
	if err := json.Unmarshal(data, &nodes); err != nil {
		t.Fatalf("unmarshal nodes: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("expected the root only, got %d nodes", len(nodes))
	}
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/plans/"+plan.ID+"/nodes/"+nodes[0].ID, nil, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 removing root, got %d: %s", res.StatusCode, data)
	}
}

func TestEventReportEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	plan := createPlan(t, srv, "Order Watch")

	var storage crate.Storage
	storage.Add(crate.New("listen", crate.EventSubscription{EventNames: []string{"order.created"}}))
	serialized, err := crate.Serialize(storage)
	if err != nil {
		t.Fatal(err)
	}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/nodes", map[string]any{
		"label":         "listener",
		"crate_storage": json.RawMessage(serialized),
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add node status %d: %s", res.StatusCode, data)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/plans/"+plan.ID+"/activate", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("activate status %d: %s", res.StatusCode, data)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/events", map[string]any{
		"event_names": []string{"Order.Created"},
		"payload":     []map[string]string{{"key": "order_id", "value": "42"}},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("post event status %d: %s", res.StatusCode, data)
	}
	var out struct {
		Matched    int                 `json:"matched"`
		Containers []ContainerResponse `json:"containers"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal report result: %v", err)
	}
	if out.Matched != 1 || len(out.Containers) != 1 {
		t.Fatalf("expected one match, got %+v", out)
	}
	if out.Containers[0].PlanID != plan.ID {
		t.Fatalf("matched plan %s, want %s", out.Containers[0].PlanID, plan.ID)
	}
}

func TestRegisterPollingEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	backend, _ := fakeTerminal(t, "Success")
	registerFakeTerminal(t, srv, backend.URL, "poll-secret")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/alarms/polling?terminalToken=poll-secret", map[string]any{
		"external_account_id":         "acct-1",
		"polling_interval_in_minutes": 5,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register polling status %d: %s", res.StatusCode, data)
	}
	var job PollingJobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v", err)
	}
	if job.JobID != "poll-secret|acct-1" {
		t.Fatalf("job id %q", job.JobID)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/alarms/polling", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list polling status %d: %s", res.StatusCode, data)
	}
	var jobs []PollingJobResponse
	if err := json.Unmarshal(data, &jobs); err != nil {
		t.Fatalf("unmarshal jobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("expected 1 job, got %d", len(jobs))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/alarms", map[string]any{
		"container_id": "ghost",
	}, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown container, got %d: %s", res.StatusCode, data)
	}
}
