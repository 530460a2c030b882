// Package fieldworksdk is a minimal client for the Fieldwork HTTP API.
package fieldworksdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Fieldwork HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	timeout := 10 * time.Second
	return &Client{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: timeout},
		Timeout:    timeout,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID                 string   `json:"id"`
	IssueID            string   `json:"issue_id"`
	WorkerID           string   `json:"worker_id"`
	Status             string   `json:"status"`
	VerificationStatus *string  `json:"verification_status,omitempty"`
	VerificationScore  *float64 `json:"verification_score,omitempty"`
	Upvotes            int      `json:"upvotes"`
	Downvotes          int      `json:"downvotes"`
}

// GeofenceCheck is the result of a presence verification.
type GeofenceCheck struct {
	IsWithinGeofence bool    `json:"is_within_geofence"`
	DistanceMeters   float64 `json:"distance_meters"`
	Timestamp        string  `json:"timestamp"`
}

// GeofenceResult pairs the check with the task it may have started.
type GeofenceResult struct {
	Check GeofenceCheck `json:"check"`
	Task  Task          `json:"task"`
}

// WorkerTask is a task with its issue context.
type WorkerTask struct {
	Task
	IssueType     string  `json:"issue_type"`
	IssueSeverity string  `json:"issue_severity"`
	Latitude      float64 `json:"latitude"`
	Longitude     float64 `json:"longitude"`
	Address       string  `json:"address,omitempty"`
}

// Score is the result of a scoring run.
type Score struct {
	WorkerID       string  `json:"worker_id"`
	MonthYear      string  `json:"month_year"`
	TasksCompleted int     `json:"tasks_completed"`
	VerifiedTasks  int     `json:"verified_tasks"`
	RejectedTasks  int     `json:"rejected_tasks"`
	TotalScore     float64 `json:"total_score"`
	DisplayScore   int     `json:"display_score"`
}

// Voting reports a community voting fan-out.
type Voting struct {
	TaskID           string `json:"task_id"`
	CitizensNotified int    `json:"citizens_notified"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTask assigns an issue to a worker.
func (c *Client) CreateTask(ctx context.Context, issueID, workerID string) (Task, error) {
	body := map[string]any{
		"issue_id":  issueID,
		"worker_id": workerID,
	}
	var out Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &out)
	return out, err
}

// StartTask verifies presence at the issue location.
func (c *Client) StartTask(ctx context.Context, taskID string, lat, lon float64) (GeofenceResult, error) {
	body := map[string]any{"latitude": lat, "longitude": lon}
	var out GeofenceResult
	err := c.do(ctx, http.MethodPatch, taskPath(taskID, "start"), body, &out)
	return out, err
}

// SubmitTask submits completion evidence for verification.
func (c *Client) SubmitTask(ctx context.Context, taskID, beforeURL, afterURL string, lat, lon float64) (Task, error) {
	body := map[string]any{
		"before_photo_url": beforeURL,
		"after_photo_url":  afterURL,
		"latitude":         lat,
		"longitude":        lon,
	}
	var out Task
	err := c.do(ctx, http.MethodPatch, taskPath(taskID, "submit"), body, &out)
	return out, err
}

// InitiateVoting asks nearby citizens to confirm a verified fix.
func (c *Client) InitiateVoting(ctx context.Context, taskID string) (Voting, error) {
	var out Voting
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "voting"), nil, &out)
	return out, err
}

// Vote records a citizen's judgement on a verified task.
func (c *Client) Vote(ctx context.Context, taskID, citizenID, vote string) (Task, error) {
	body := map[string]any{"citizen_id": citizenID, "vote": vote}
	var out Task
	err := c.do(ctx, http.MethodPost, taskPath(taskID, "vote"), body, &out)
	return out, err
}

// WorkerTasks lists a worker's tasks, optionally filtered by status.
func (c *Client) WorkerTasks(ctx context.Context, workerID, status string) ([]WorkerTask, error) {
	endpoint := fmt.Sprintf("v0/workers/%s/tasks", url.PathEscape(workerID))
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var out struct {
		Tasks []WorkerTask `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &out)
	return out.Tasks, err
}

// ComputeScore computes a worker's score for the month ("" means current).
func (c *Client) ComputeScore(ctx context.Context, workerID, monthYear string) (Score, error) {
	body := map[string]any{}
	if monthYear != "" {
		body["month_year"] = monthYear
	}
	var out Score
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/workers/%s/score", url.PathEscape(workerID)), body, &out)
	return out, err
}

func taskPath(taskID, action string) string {
	return fmt.Sprintf("v0/tasks/%s/%s", url.PathEscape(taskID), action)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
