package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"fieldwork/internal/db"
	"fieldwork/internal/domain"
	"fieldwork/internal/engine"
	"fieldwork/internal/migrate"
	"fieldwork/internal/notify"
	"fieldwork/internal/oracle"
	"fieldwork/internal/scoring"
)

type stubOracle struct {
	result oracle.Result
	err    error
}

func (s *stubOracle) Verify(ctx context.Context, taskID, before, after string, lat, lon float64) (oracle.Result, error) {
	return s.result, s.err
}

type nopPublisher struct{}

func (nopPublisher) Publish(ctx context.Context, key string, msg notify.Message) error { return nil }
func (nopPublisher) Close() error                                                      { return nil }

type testServer struct {
	URL    string
	Engine engine.Engine
	Oracle *stubOracle
	client *http.Client
	close  func()
}

func (s *testServer) Close() { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	so := &stubOracle{result: oracle.Result{Resolved: true, Confidence: 0.9, Analysis: "resolved"}}
	e := engine.New(conn, so, nopPublisher{})
	e.Now = func() time.Time { return time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC) }
	s := scoring.New(conn)
	s.Now = e.Now

	ctx := context.Background()
	if err := e.Repo.InsertIssue(ctx, domain.Issue{
		ID: "issue-1", Type: domain.IssuePothole, Severity: domain.SeverityHigh,
		Latitude: 12.9, Longitude: 77.59, Status: domain.IssueReported,
		CreatedAt: "2025-04-20T00:00:00Z",
	}); err != nil {
		t.Fatalf("seed issue: %v", err)
	}
	if err := e.Repo.InsertUser(ctx, domain.User{ID: "worker-1", Role: domain.RoleWorker, CreatedAt: "2025-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	lat, lon := 12.9, 77.59
	if err := e.Repo.InsertUser(ctx, domain.User{ID: "citizen-1", Role: domain.RoleCitizen, Latitude: &lat, Longitude: &lon, CreatedAt: "2025-01-01T00:00:00Z"}); err != nil {
		t.Fatalf("seed citizen: %v", err)
	}

	handler, err := New(Config{Engine: e, Scoring: s, BasePath: "/v0"})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Oracle: so,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, data)
	}
	return envelope.Error.Code
}

func createTask(t *testing.T, ts *testServer) TaskResponse {
	t.Helper()
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		CreateTaskRequest{IssueID: "issue-1", WorkerID: "worker-1"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create task: %d %s", resp.StatusCode, data)
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/health", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
}

func TestCreateTaskEndpoint(t *testing.T) {
	ts := newTestServer(t)
	task := createTask(t, ts)
	if task.Status != "ASSIGNED" || task.IssueID != "issue-1" {
		t.Fatalf("task: %+v", task)
	}

	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		CreateTaskRequest{IssueID: "issue-1", WorkerID: "worker-1"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second create: %d %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "conflict" {
		t.Fatalf("code = %s", code)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks",
		CreateTaskRequest{IssueID: "ghost", WorkerID: "worker-1"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown issue: %d %s", resp.StatusCode, data)
	}
}

func TestLifecycleEndpoints(t *testing.T) {
	ts := newTestServer(t)
	task := createTask(t, ts)

	resp, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/start",
		LocationRequest{Latitude: 12.9, Longitude: 77.59})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}
	var gf GeofenceResponse
	if err := json.Unmarshal(data, &gf); err != nil {
		t.Fatalf("decode geofence: %v", err)
	}
	if !gf.Check.IsWithinGeofence || gf.Task.Status != "STARTED" {
		t.Fatalf("geofence response: %+v", gf)
	}

	resp, data = doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/submit",
		SubmissionRequest{BeforePhotoURL: "https://cdn.example/b.jpg", AfterPhotoURL: "https://cdn.example/a.jpg", Latitude: 12.9, Longitude: 77.59})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit: %d %s", resp.StatusCode, data)
	}
	var verified TaskResponse
	if err := json.Unmarshal(data, &verified); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if verified.Status != "VERIFIED" || verified.VerificationScore == nil {
		t.Fatalf("submit response: %+v", verified)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/tasks/"+task.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: %d %s", resp.StatusCode, data)
	}
	var detail TaskDetailResponse
	if err := json.Unmarshal(data, &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if detail.Issue.Status != domain.IssueResolved {
		t.Fatalf("issue not resolved: %+v", detail.Issue)
	}
}

func TestSubmitOutsideGeofenceEndpoint(t *testing.T) {
	ts := newTestServer(t)
	task := createTask(t, ts)
	if resp, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/start",
		LocationRequest{Latitude: 12.9, Longitude: 77.59}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}

	resp, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/submit",
		SubmissionRequest{BeforePhotoURL: "https://cdn.example/b.jpg", AfterPhotoURL: "https://cdn.example/a.jpg", Latitude: 12.905, Longitude: 77.59})
	if resp.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("submit far away: %d %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "precondition_failed" {
		t.Fatalf("code = %s", code)
	}
}

func TestOracleUnavailableEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.Oracle.err = &oracle.UnavailableError{Err: context.DeadlineExceeded}
	task := createTask(t, ts)
	if resp, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/start",
		LocationRequest{Latitude: 12.9, Longitude: 77.59}); resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, data)
	}

	resp, data := doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/submit",
		SubmissionRequest{BeforePhotoURL: "https://cdn.example/b.jpg", AfterPhotoURL: "https://cdn.example/a.jpg", Latitude: 12.9, Longitude: 77.59})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit with oracle down: %d %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "verification_unavailable" {
		t.Fatalf("code = %s", code)
	}
}

func TestVotingEndpoints(t *testing.T) {
	ts := newTestServer(t)
	task := createTask(t, ts)
	doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/start",
		LocationRequest{Latitude: 12.9, Longitude: 77.59})
	doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/submit",
		SubmissionRequest{BeforePhotoURL: "https://cdn.example/b.jpg", AfterPhotoURL: "https://cdn.example/a.jpg", Latitude: 12.9, Longitude: 77.59})

	// voting was already initiated by the verified submission
	resp, data := doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks/"+task.ID+"/voting", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("re-initiate: %d %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "voting_already_initiated" {
		t.Fatalf("code = %s", code)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks/"+task.ID+"/vote",
		VoteRequest{CitizenID: "citizen-1", Vote: "UPVOTE"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("vote: %d %s", resp.StatusCode, data)
	}
	var voted TaskResponse
	if err := json.Unmarshal(data, &voted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if voted.Upvotes != 1 {
		t.Fatalf("upvotes = %d", voted.Upvotes)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/tasks/"+task.ID+"/vote",
		VoteRequest{CitizenID: "citizen-1", Vote: "DOWNVOTE"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate vote: %d %s", resp.StatusCode, data)
	}
	if code := errorCode(t, data); code != "duplicate_vote" {
		t.Fatalf("code = %s", code)
	}
}

func TestWorkerEndpoints(t *testing.T) {
	ts := newTestServer(t)
	task := createTask(t, ts)
	doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/start",
		LocationRequest{Latitude: 12.9, Longitude: 77.59})
	doJSON(t, ts.client, http.MethodPatch, ts.URL+"/v0/tasks/"+task.ID+"/submit",
		SubmissionRequest{BeforePhotoURL: "https://cdn.example/b.jpg", AfterPhotoURL: "https://cdn.example/a.jpg", Latitude: 12.9, Longitude: 77.59})

	resp, data := doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/workers/worker-1/tasks?status=VERIFIED", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list tasks: %d %s", resp.StatusCode, data)
	}
	var list WorkerTaskListResponse
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Tasks) != 1 || list.Tasks[0].IssueType != "pothole" {
		t.Fatalf("list: %+v", list)
	}

	resp, data = doJSON(t, ts.client, http.MethodPost, ts.URL+"/v0/workers/worker-1/score",
		ScoreRequest{MonthYear: "2025-05"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("score: %d %s", resp.StatusCode, data)
	}
	var score ScoreResponse
	if err := json.Unmarshal(data, &score); err != nil {
		t.Fatalf("decode score: %v", err)
	}
	if score.TasksCompleted != 1 || score.VerifiedTasks != 1 {
		t.Fatalf("score: %+v", score)
	}

	resp, data = doJSON(t, ts.client, http.MethodGet, ts.URL+"/v0/workers/worker-1/score?month=2025-05", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get score: %d %s", resp.StatusCode, data)
	}
	var wp domain.WorkerPerformance
	if err := json.Unmarshal(data, &wp); err != nil {
		t.Fatalf("decode performance: %v", err)
	}
	if wp.TotalScore != score.TotalScore {
		t.Fatalf("stored score %v != computed %v", wp.TotalScore, score.TotalScore)
	}
}
