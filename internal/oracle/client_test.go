package oracle_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"fieldwork/internal/oracle"
)

func TestVerifyOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/verify-completion" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"issue_resolved":true,"verification_confidence":0.92,"analysis":"pothole filled"}`))
	}))
	defer srv.Close()

	c := oracle.New(srv.URL)
	res, err := c.Verify(context.Background(), "task-1", "http://x/before.jpg", "http://x/after.jpg", 12.9, 77.59)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Resolved || res.Confidence != 0.92 || res.Analysis != "pothole filled" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestVerifyMissingFieldIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"analysis":"no verdict"}`))
	}))
	defer srv.Close()

	c := oracle.New(srv.URL)
	_, err := c.Verify(context.Background(), "task-1", "b", "a", 0, 0)
	var pe *oracle.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestVerifyConfidenceOutOfRangeIsProtocolError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issue_resolved":true,"verification_confidence":1.7}`))
	}))
	defer srv.Close()

	c := oracle.New(srv.URL)
	_, err := c.Verify(context.Background(), "task-1", "b", "a", 0, 0)
	var pe *oracle.ProtocolError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestVerifyServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := oracle.New(srv.URL)
	_, err := c.Verify(context.Background(), "task-1", "b", "a", 0, 0)
	var ue *oracle.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}

func TestVerifyConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issue_resolved":true,"verification_confidence":0.8,"analysis":"ok"}`))
	}))
	defer srv.Close()

	// One shared client, parallel submissions; Verify must not mutate it.
	c := oracle.New(srv.URL)
	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Verify(context.Background(), "task-1", "b", "a", 12.9, 77.59)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent verify: %v", err)
		}
	}
}

func TestVerifyNilHTTPClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"issue_resolved":false,"verification_confidence":0.2,"analysis":"not fixed"}`))
	}))
	defer srv.Close()

	c := &oracle.Client{BaseURL: srv.URL}
	res, err := c.Verify(context.Background(), "task-1", "b", "a", 0, 0)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Resolved || res.Confidence != 0.2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if c.HTTPClient != nil {
		t.Fatalf("verify wrote to the shared client")
	}
}

func TestVerifyTimeoutIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := oracle.New(srv.URL)
	c.Timeout = 20 * time.Millisecond
	_, err := c.Verify(context.Background(), "task-1", "b", "a", 0, 0)
	var ue *oracle.UnavailableError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UnavailableError, got %v", err)
	}
}
