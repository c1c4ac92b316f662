//go:build e2e

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/natcap/invest-compute/internal/api"
	"github.com/natcap/invest-compute/internal/config"
	"github.com/natcap/invest-compute/internal/dispatcher"
	"github.com/natcap/invest-compute/internal/health"
	"github.com/natcap/invest-compute/internal/job"
	"github.com/natcap/invest-compute/internal/scheduler/docker"
	"github.com/natcap/invest-compute/internal/testutil"
)

// getTestURL returns the base URL for e2e tests.
// If E2E_API_URL is set, tests run against that instance.
// Otherwise, a test server backed by the local Docker daemon is created.
func getTestURL(t *testing.T) (string, func()) {
	if url := os.Getenv("E2E_API_URL"); url != "" {
		t.Logf("Using external API: %s", url)
		return url, func() {}
	}

	server, cleanup := createTestServer(t)
	return server.URL, cleanup
}

func createTestServer(t *testing.T) (*httptest.Server, func()) {
	eventDispatcher := dispatcher.NewMemory(dispatcher.MemoryConfig{
		BufferSize: 100,
		Workers:    2,
	}, nil)

	image := os.Getenv("E2E_JOB_IMAGE")
	if image == "" {
		image = "alpine:latest"
	}
	sched, err := docker.New(docker.Config{Image: image})
	if err != nil {
		t.Fatalf("Failed to create Docker scheduler: %v", err)
	}

	// The workspace root must be reachable by the Docker daemon, so the
	// plain temp dir instead of t.TempDir keeps paths host-visible.
	workspaceRoot, err := os.MkdirTemp("", "e2e-workspaces-")
	if err != nil {
		t.Fatalf("Failed to create workspace root: %v", err)
	}

	submitter := job.NewSubmitter(sched, workspaceRoot)
	monitor := job.NewMonitor(sched, nil, nil, nil, config.MonitorConfig{
		PollInterval:      500 * time.Millisecond,
		Deadline:          2 * time.Minute,
		VisibilityRetries: 10,
	})
	events := job.NewEventNotifier("compute-gateway-e2e", eventDispatcher)
	svc := job.NewService(sched, submitter, monitor, events, nil)
	healthChecker := health.NewChecker(sched)

	router := api.NewRouter(api.RouterConfig{
		JobService:    svc,
		HealthChecker: healthChecker,
	})

	server := httptest.NewServer(router)

	cleanup := func() {
		monitor.Wait()
		sched.Close()
		// Drain the dispatcher before closing the server so pending
		// callbacks can still be delivered.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eventDispatcher.Close(ctx)
		server.Close()
		os.RemoveAll(workspaceRoot)
	}

	return server, cleanup
}

func executeBody(script string) []byte {
	body, _ := json.Marshal(map[string]any{
		"processId": "carbon",
		"script":    script,
	})
	return body
}

func TestAPI_Readyz(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/readyz")
	if err != nil {
		t.Fatalf("Health check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var result health.Response
	json.NewDecoder(resp.Body).Decode(&result)

	if result.Status != health.StatusHealthy {
		t.Errorf("Expected healthy status, got %s", result.Status)
	}
}

func TestAPI_Livez(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	resp, err := http.Get(baseURL + "/livez")
	if err != nil {
		t.Fatalf("Liveness check failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
}

func TestAPI_SyncExecution(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	script := "#!/bin/sh\necho '{\"model\": \"carbon\"}' > results.json\n"
	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(executeBody(script)))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", resp.StatusCode)
	}

	var result map[string]any
	json.NewDecoder(resp.Body).Decode(&result)

	if result["status"] != "successful" {
		t.Errorf("Expected successful, got %v", result["status"])
	}
	results, ok := result["results"].(map[string]any)
	if !ok || results["model"] != "carbon" {
		t.Errorf("Expected results with model=carbon, got %v", result["results"])
	}
}

func TestAPI_AsyncExecution(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	script := "#!/bin/sh\nsleep 1\necho '{\"model\": \"carbon\"}' > results.json\n"
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/jobs", bytes.NewReader(executeBody(script)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", resp.StatusCode)
	}
	location := resp.Header.Get("Location")
	if location == "" {
		t.Fatal("Expected Location header for async execution")
	}

	var createResp map[string]any
	json.NewDecoder(resp.Body).Decode(&createResp)
	if createResp["status"] != "accepted" {
		t.Errorf("Expected accepted, got %v", createResp["status"])
	}

	var status string
	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(baseURL + location)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return false
		}
		var statusResp map[string]any
		json.NewDecoder(resp.Body).Decode(&statusResp)
		if s, ok := statusResp["status"].(string); ok {
			status = s
			return s == "successful" || s == "failed" || s == "dismissed"
		}
		return false
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))

	if status != "successful" {
		t.Fatalf("Expected the job to succeed, got status %s", status)
	}

	resp, err = http.Get(baseURL + location + "/results")
	if err != nil {
		t.Fatalf("Get results failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected status 200 for results, got %d", resp.StatusCode)
	}

	var results map[string]any
	json.NewDecoder(resp.Body).Decode(&results)
	if results["model"] != "carbon" {
		t.Errorf("Expected model=carbon in results, got %v", results)
	}
}

func TestAPI_CancelJob(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	script := "#!/bin/sh\nsleep 300\n"
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/jobs", bytes.NewReader(executeBody(script)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	var createResp map[string]any
	json.NewDecoder(resp.Body).Decode(&createResp)
	resp.Body.Close()

	jobID, _ := createResp["jobId"].(string)
	if jobID == "" {
		t.Fatalf("No job ID in response: %v", createResp)
	}

	// Wait for the job to be running before cancelling.
	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(baseURL + "/v1/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status map[string]any
		json.NewDecoder(resp.Body).Decode(&status)
		return status["status"] == "running"
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))

	delReq, _ := http.NewRequest(http.MethodDelete, baseURL+"/v1/jobs/"+jobID, nil)
	resp, err = http.DefaultClient.Do(delReq)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("Expected status 204, got %d", resp.StatusCode)
	}

	testutil.MustWaitFor(t, func() bool {
		resp, err := http.Get(baseURL + "/v1/jobs/" + jobID)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var status map[string]any
		json.NewDecoder(resp.Body).Decode(&status)
		return status["status"] == "dismissed"
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))
}

func TestAPI_JobWithCallbacks(t *testing.T) {
	var eventCount atomic.Int64
	var mu sync.Mutex
	receivedEvents := make([]string, 0)

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var event map[string]any
		json.NewDecoder(r.Body).Decode(&event)

		if eventType, ok := event["type"].(string); ok {
			mu.Lock()
			receivedEvents = append(receivedEvents, eventType)
			t.Logf("Received callback event: %s", eventType)
			mu.Unlock()
			eventCount.Add(1)
		}

		w.WriteHeader(http.StatusOK)
	})

	// When running against an external API the callback server must be
	// reachable from it, e.g. via host.docker.internal.
	var callbackURL string
	var cleanup func()

	if callbackHost := os.Getenv("E2E_CALLBACK_HOST"); callbackHost != "" {
		port := "19876"
		if p := os.Getenv("E2E_CALLBACK_PORT"); p != "" {
			port = p
		}

		server := &http.Server{Addr: ":" + port, Handler: handler}
		go func() {
			if err := server.ListenAndServe(); err != http.ErrServerClosed {
				t.Logf("Callback server error: %v", err)
			}
		}()

		callbackURL = fmt.Sprintf("http://%s:%s", callbackHost, port)
		cleanup = func() { server.Close() }
	} else {
		callbackServer := httptest.NewServer(handler)
		callbackURL = callbackServer.URL
		cleanup = callbackServer.Close
	}
	defer cleanup()

	baseURL, apiCleanup := getTestURL(t)
	defer apiCleanup()

	body, _ := json.Marshal(map[string]any{
		"processId": "carbon",
		"script":    "#!/bin/sh\necho '{\"model\": \"carbon\"}' > results.json\n",
		"callback":  map[string]any{"url": callbackURL},
	})

	req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/jobs", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "respond-async")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	resp.Body.Close()

	// Accepted and finished events should both arrive.
	testutil.MustWaitFor(t, func() bool {
		return eventCount.Load() >= 2
	}, testutil.WithTimeout(60*time.Second), testutil.WithInterval(time.Second))

	mu.Lock()
	events := make([]string, len(receivedEvents))
	copy(events, receivedEvents)
	mu.Unlock()

	t.Logf("Received %d callback events: %v", len(events), events)
	if len(events) < 2 {
		t.Errorf("Expected at least 2 callback events (accepted, finished), got %d", len(events))
	}
}

func TestAPI_InvalidJobRequest(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	body, _ := json.Marshal(map[string]any{
		"script": "#!/bin/sh\necho hello\n",
	})

	resp, err := http.Post(baseURL+"/v1/jobs", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected status 400 for invalid request, got %d", resp.StatusCode)
	}
}

func TestAPI_ConcurrentJobs(t *testing.T) {
	baseURL, cleanup := getTestURL(t)
	defer cleanup()

	numJobs := 3
	var wg sync.WaitGroup
	errors := make(chan error, numJobs)

	for i := range numJobs {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			script := fmt.Sprintf("#!/bin/sh\necho 'job %d'\nsleep 2\n", idx)
			req, _ := http.NewRequest(http.MethodPost, baseURL+"/v1/jobs", bytes.NewReader(executeBody(script)))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("Prefer", "respond-async")

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errors <- fmt.Errorf("job %d: execute failed: %w", idx, err)
				return
			}
			resp.Body.Close()

			if resp.StatusCode != http.StatusAccepted {
				errors <- fmt.Errorf("job %d: expected 202, got %d", idx, resp.StatusCode)
				return
			}
		}(i)
	}

	wg.Wait()
	close(errors)

	for err := range errors {
		t.Error(err)
	}
}
