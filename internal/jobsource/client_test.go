package jobsource

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/bardlex/prefixminer/internal/job"
	minerErrors "github.com/bardlex/prefixminer/pkg/errors"
	"github.com/bardlex/prefixminer/pkg/log"
)

const validJobBody = `{
	"job_id": "job-7",
	"prev_hash": "abc",
	"coinb1": "01000000",
	"coinb2": "ffffffff",
	"merkle_branch": ["aa", "bb"],
	"version": "20000000",
	"nbits": "1d00ffff",
	"ntime": "5f5e1000",
	"clean_jobs": true
}`

func newTestClient(t *testing.T, url string, attempts int) *Client {
	t.Helper()
	c, err := NewClient(&Config{URL: url, RetryAttempts: attempts}, log.Discard())
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClient_InvalidURL(t *testing.T) {
	for _, url := range []string{"", "ftp://pool.example", "://bad"} {
		if _, err := NewClient(&Config{URL: url}, log.Discard()); !minerErrors.IsType(err, minerErrors.ErrorTypeValidation) {
			t.Errorf("NewClient(%q) error = %v, want validation error", url, err)
		}
	}
}

func TestFetchJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, validJobBody)
	}))
	defer server.Close()

	j, err := newTestClient(t, server.URL, 1).FetchJob(context.Background())
	if err != nil {
		t.Fatalf("FetchJob failed: %v", err)
	}

	want := job.Job{
		JobID:        "job-7",
		PrevHash:     "abc",
		Coinb1:       "01000000",
		Coinb2:       "ffffffff",
		MerkleBranch: []string{"aa", "bb"},
		Version:      "20000000",
		NBits:        "1d00ffff",
		NTime:        "5f5e1000",
		CleanJobs:    true,
	}

	if j.JobID != want.JobID || j.PrevHash != want.PrevHash || j.Coinb1 != want.Coinb1 ||
		j.Coinb2 != want.Coinb2 || j.Version != want.Version || j.NBits != want.NBits ||
		j.NTime != want.NTime || j.CleanJobs != want.CleanJobs || len(j.MerkleBranch) != 2 {
		t.Errorf("FetchJob() = %+v, want %+v", j, want)
	}
}

func TestFetchJob_DecodeFailures(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{"not json", "<html>busy</html>", ""},
		{"truncated", `{"job_id": "1"`, ""},
		{"wrong type", `{"job_id": 7}`, ""},
		{"missing prev_hash", `{"job_id":"1","coinb1":"","coinb2":"","merkle_branch":[],"version":"","nbits":"","ntime":"","clean_jobs":false}`, "prev_hash"},
		{"null merkle branch", `{"job_id":"1","prev_hash":"a","coinb1":"","coinb2":"","merkle_branch":null,"version":"","nbits":"","ntime":"","clean_jobs":false}`, "merkle_branch"},
		{"missing clean_jobs", `{"job_id":"1","prev_hash":"a","coinb1":"","coinb2":"","merkle_branch":[],"version":"","nbits":"","ntime":""}`, "clean_jobs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				_, _ = io.WriteString(w, tt.body)
			}))
			defer server.Close()

			// Decode errors are never retried, even with attempts to spare
			_, err := newTestClient(t, server.URL, 3).FetchJob(context.Background())

			if !errors.Is(err, ErrJobDecode) {
				t.Fatalf("expected ErrJobDecode, got %v", err)
			}

			if !minerErrors.IsType(err, minerErrors.ErrorTypeDecode) {
				t.Errorf("expected decode error type, got %v", err)
			}

			var decodeErr *JobDecodeError
			if !errors.As(err, &decodeErr) {
				t.Fatalf("expected *JobDecodeError in chain")
			}
			if decodeErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", decodeErr.Field, tt.wantField)
			}

			if got := calls.Load(); got != 1 {
				t.Errorf("job source called %d times, want 1", got)
			}
		})
	}
}

func TestFetchJob_HTTPStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		attempts  int
		wantCalls int32
	}{
		{"client error not retried", http.StatusNotFound, 3, 1},
		{"server error retried", http.StatusServiceUnavailable, 2, 2},
		{"single attempt", http.StatusServiceUnavailable, 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := newTestClient(t, server.URL, tt.attempts).FetchJob(context.Background())
			if !minerErrors.IsType(err, minerErrors.ErrorTypeNetwork) {
				t.Fatalf("expected network error, got %v", err)
			}

			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestFetchJob_JobWithErrorStatus(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, validJobBody)
	}))
	defer server.Close()

	j, err := newTestClient(t, server.URL, 3).FetchJob(context.Background())
	if err != nil {
		t.Fatalf("FetchJob() error: %v", err)
	}
	if j.JobID != "job-7" {
		t.Errorf("JobID = %q, want job-7", j.JobID)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestFetchJob_Unreachable(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := newTestClient(t, url, 1).FetchJob(context.Background())
	if !minerErrors.IsType(err, minerErrors.ErrorTypeNetwork) {
		t.Errorf("expected network error, got %v", err)
	}
}

func TestSubmitSolution(t *testing.T) {
	var gotBody []byte
	var gotContentType string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"status":"accepted"}`)
	}))
	defer server.Close()

	solution := job.Solution{JobID: "job-7", Nonce: 26, Address: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"}
	resp, err := newTestClient(t, server.URL, 1).SubmitSolution(context.Background(), solution)
	if err != nil {
		t.Fatalf("SubmitSolution failed: %v", err)
	}

	if gotContentType != "application/json" {
		t.Errorf("Content-Type = %q", gotContentType)
	}

	// The body is a JSON string, not an object
	if want := `"job-7:26:1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"`; string(gotBody) != want {
		t.Errorf("body = %s, want %s", gotBody, want)
	}

	var payload string
	if err := json.Unmarshal(gotBody, &payload); err != nil || payload != solution.String() {
		t.Errorf("payload = %q (%v), want %q", payload, err, solution.String())
	}

	if resp.StatusCode != http.StatusAccepted || resp.Status != "202 Accepted" {
		t.Errorf("status = %d %q", resp.StatusCode, resp.Status)
	}

	if got := resp.String(); got != `202 Accepted {"status":"accepted"}` {
		t.Errorf("String() = %q", got)
	}
}

func TestSubmitSolution_RejectionIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "stale job", http.StatusConflict)
	}))
	defer server.Close()

	resp, err := newTestClient(t, server.URL, 1).SubmitSolution(context.Background(), job.Solution{JobID: "1"})
	if err != nil {
		t.Fatalf("SubmitSolution failed: %v", err)
	}

	if resp.StatusCode != http.StatusConflict || resp.Body != "stale job\n" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestSubmitSolution_CancelledContext(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestClient(t, server.URL, 3).SubmitSolution(ctx, job.Solution{JobID: "1"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestSubmitResponse_String(t *testing.T) {
	tests := []struct {
		resp SubmitResponse
		want string
	}{
		{SubmitResponse{Status: "200 OK", Body: "ok\n"}, "200 OK ok"},
		{SubmitResponse{Status: "204 No Content"}, "204 No Content"},
	}

	for _, tt := range tests {
		if got := tt.resp.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
