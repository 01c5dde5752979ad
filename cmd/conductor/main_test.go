package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aristath/conductor/internal/config"
)

func writeRequest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.json")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// TestReadRequestPolicyMerge verifies request policy fields override the
// configured defaults field by field.
func TestReadRequestPolicyMerge(t *testing.T) {
	path := writeRequest(t, `{
		"tasks": [{"id": "A"}],
		"policy": {"parallelism": 2, "backoff": {"strategy": "linear", "baseMs": 50}}
	}`)

	req, err := readRequest(path, config.DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if req.Policy.Parallelism != 2 {
		t.Errorf("expected parallelism 2 from request, got %d", req.Policy.Parallelism)
	}
	if req.Policy.Backoff.Strategy != config.BackoffLinear {
		t.Errorf("expected linear backoff from request, got %s", req.Policy.Backoff.Strategy)
	}
	// Fields absent from the request keep their defaults
	if req.Policy.MaxRetries != config.DefaultPolicy().MaxRetries {
		t.Errorf("expected default maxRetries, got %d", req.Policy.MaxRetries)
	}
	if !req.Policy.DeadLetter.Enabled {
		t.Error("expected dead letter sink enabled by default")
	}
}

func TestReadRequestNoTasks(t *testing.T) {
	path := writeRequest(t, `{"tasks": []}`)

	if _, err := readRequest(path, config.DefaultPolicy()); err == nil {
		t.Fatal("expected error for empty task list")
	}
}

func TestReadRequestMalformed(t *testing.T) {
	path := writeRequest(t, `{not json`)

	if _, err := readRequest(path, config.DefaultPolicy()); err == nil {
		t.Fatal("expected error for malformed request")
	}
}

func TestReadRequestMissingFile(t *testing.T) {
	if _, err := readRequest("/nonexistent/request.json", config.DefaultPolicy()); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestReadRequestTaskFields(t *testing.T) {
	path := writeRequest(t, `{
		"tasks": [
			{"id": "build", "title": "Build", "effort": 2.5, "skills": ["go"], "command": "make build"},
			{"id": "test", "deps": ["build"], "qualityGate": "coverage"}
		]
	}`)

	req, err := readRequest(path, config.DefaultPolicy())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(req.Tasks) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(req.Tasks))
	}
	build := req.Tasks[0]
	if build.Effort != 2.5 || build.Command != "make build" {
		t.Errorf("build task fields not parsed: %+v", build)
	}
	test := req.Tasks[1]
	if len(test.Deps) != 1 || test.Deps[0] != "build" {
		t.Errorf("deps not parsed: %+v", test)
	}
	if test.QualityGate != "coverage" {
		t.Errorf("quality gate not parsed: %+v", test)
	}
}
