package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/engine"
	"escrowline/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default()
	cfg.Arbitrators = []string{"arb"}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
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

func loginToken(t *testing.T, srv *testServer, actorID string, roles ...string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
		"roles":    roles,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var body DevLoginResponse
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	if body.Token == "" {
		t.Fatal("empty token")
	}
	return body.Token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeJob(t *testing.T, data []byte) JobResponse {
	t.Helper()
	var job JobResponse
	if err := json.Unmarshal(data, &job); err != nil {
		t.Fatalf("unmarshal job: %v\n%s", err, string(data))
	}
	return job
}

type errorEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func decodeError(t *testing.T, data []byte) apiErrorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v\n%s", err, string(data))
	}
	return env.Error
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	clientToken := loginToken(t, srv, "client-1")
	talentToken := loginToken(t, srv, "talent-1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"title": "Landing page",
		"milestones": []map[string]any{
			{"description": "design", "amount": 500},
			{"description": "build", "amount": 1500},
		},
	}, authHeader(clientToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create job status %d: %s", res.StatusCode, string(data))
	}
	job := decodeJob(t, data)
	if job.Client != "client-1" {
		t.Fatalf("client = %q", job.Client)
	}
	if job.Status != "created" || job.TotalAmount != 2000 || job.AmountPaid != 0 {
		t.Fatalf("unexpected job after create: %+v", job)
	}
	jobURL := srv.URL + "/v0/jobs/1"

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/talent", map[string]any{
		"talent": "talent-1",
	}, authHeader(clientToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("select talent status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Status != "in_progress" || job.Talent != "talent-1" {
		t.Fatalf("unexpected job after select: %+v", job)
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/milestones/0/submit", map[string]any{
		"submission_data": "design draft v1",
	}, authHeader(talentToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Milestones[0].Status != "submitted" {
		t.Fatalf("milestone 0 status = %q", job.Milestones[0].Status)
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/milestones/0/approve", nil, authHeader(clientToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Milestones[0].Status != "approved" || job.AmountPaid != 500 {
		t.Fatalf("unexpected job after approve: %+v", job)
	}
	if job.Status != "in_progress" {
		t.Fatalf("job status = %q, want in_progress", job.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, jobURL+"/transfers", nil, authHeader(clientToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("transfers status %d: %s", res.StatusCode, string(data))
	}
	var transfers []TransferResponse
	if err := json.Unmarshal(data, &transfers); err != nil {
		t.Fatalf("unmarshal transfers: %v", err)
	}
	if len(transfers) != 2 {
		t.Fatalf("transfers = %d, want lock + release", len(transfers))
	}
	if transfers[0].Kind != "lock" || transfers[0].Amount != 2000 {
		t.Fatalf("unexpected lock transfer: %+v", transfers[0])
	}
	if transfers[1].Kind != "release" || transfers[1].Amount != 500 || transfers[1].Counterparty != "talent-1" {
		t.Fatalf("unexpected release transfer: %+v", transfers[1])
	}
}

func TestDisputeOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	clientToken := loginToken(t, srv, "client-1")
	talentToken := loginToken(t, srv, "talent-1")
	arbToken := loginToken(t, srv, "judge", "arbitrator")

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"title": "Audit",
		"milestones": []map[string]any{
			{"description": "report", "amount": 1000},
		},
	}, authHeader(clientToken))
	job := decodeJob(t, data)
	jobURL := srv.URL + "/v0/jobs/1"
	if job.ID != 1 {
		t.Fatalf("job id = %d", job.ID)
	}

	doJSON(t, client, http.MethodPost, jobURL+"/talent", map[string]any{"talent": "talent-1"}, authHeader(clientToken))
	doJSON(t, client, http.MethodPost, jobURL+"/milestones/0/submit", map[string]any{"submission_data": "report v1"}, authHeader(talentToken))

	res, data := doJSON(t, client, http.MethodPost, jobURL+"/disputes", map[string]any{"index": 0}, authHeader(clientToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("raise dispute status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Status != "disputed" {
		t.Fatalf("job status = %q", job.Status)
	}

	// Non-arbitrators may not resolve.
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/disputes/resolve", map[string]any{"decision": true}, authHeader(clientToken))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("resolve by client status %d: %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "unauthorized" {
		t.Fatalf("error code = %q", apiErr.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, jobURL+"/disputes/resolve", map[string]any{"decision": true}, authHeader(arbToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	job = decodeJob(t, data)
	if job.Status != "completed" || job.AmountPaid != 1000 {
		t.Fatalf("unexpected job after resolve: %+v", job)
	}
	if job.DisputeRaised != "" {
		t.Fatalf("dispute_raised should be cleared, got %q", job.DisputeRaised)
	}
}

func TestErrorEnvelopes(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	clientToken := loginToken(t, srv, "client-1")

	// Missing auth.
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status %d: %s", res.StatusCode, string(data))
	}
	apiErr := decodeError(t, data)
	if apiErr.Code != "unauthorized" {
		t.Fatalf("error code = %q", apiErr.Code)
	}

	// Unknown job.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs/42", nil, authHeader(clientToken))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status %d: %s", res.StatusCode, string(data))
	}
	if decodeError(t, data).Code != "not_found" {
		t.Fatalf("error code = %q", decodeError(t, data).Code)
	}

	// Zero milestone amount.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"title":      "Bad",
		"milestones": []map[string]any{{"description": "x", "amount": 0}},
	}, authHeader(clientToken))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid input status %d: %s", res.StatusCode, string(data))
	}

	// Approve before submit.
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"title":      "Ok",
		"milestones": []map[string]any{{"description": "x", "amount": 100}},
	}, authHeader(clientToken))
	job := decodeJob(t, data)
	jobURL := srv.URL + "/v0/jobs/1"
	if job.ID != 1 {
		t.Fatalf("job id = %d", job.ID)
	}
	doJSON(t, client, http.MethodPost, jobURL+"/talent", map[string]any{"talent": "talent-1"}, authHeader(clientToken))
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/milestones/0/approve", nil, authHeader(clientToken))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("approve pending status %d: %s", res.StatusCode, string(data))
	}
	if decodeError(t, data).Code != "invalid_state" {
		t.Fatalf("error code = %q", decodeError(t, data).Code)
	}

	// Out-of-range milestone index.
	res, data = doJSON(t, client, http.MethodPost, jobURL+"/milestones/5/approve", nil, authHeader(clientToken))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("out of range status %d: %s", res.StatusCode, string(data))
	}
	if decodeError(t, data).Code != "index_out_of_range" {
		t.Fatalf("error code = %q", decodeError(t, data).Code)
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	adminToken := loginToken(t, srv, "admin")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/keys", map[string]any{
		"actor_id": "client-1",
		"name":     "ci",
	}, authHeader(adminToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("plaintext key not returned")
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/jobs", map[string]any{
		"title":      "Via key",
		"milestones": []map[string]any{{"description": "x", "amount": 100}},
	}, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create via api key status %d: %s", res.StatusCode, string(data))
	}
	job := decodeJob(t, data)
	if job.Client != "client-1" {
		t.Fatalf("client = %q, want actor bound to the key", job.Client)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/jobs", nil, map[string]string{"X-Api-Key": "bogus"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus key status %d: %s", res.StatusCode, string(data))
	}
}

func TestHealthRequiresNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("health body = %v", body)
	}
}
