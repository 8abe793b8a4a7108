package command_test

import (
	"encoding/json"
	"strings"
	"testing"

	"warden/internal/cli/command"
)

func mustUnmarshal(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var payload map[string]interface{}
	if err := json.Unmarshal(data, &payload); err != nil {
		t.Fatalf("unmarshal body failed: %v", err)
	}
	return payload
}

func TestBuildCreateRequest(t *testing.T) {
	cmd := command.Registry()["create"]
	params := command.Params{}
	params.Set("owner_id", "7")
	params.Set("code_ref", "s3://bundles/bot.tar.zst")
	params.Set("entrypoint", "python, main.py, --verbose")
	params.Set("plan", "pro")

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Method != "POST" || req.Path != "/api/v1/workloads" {
		t.Fatalf("unexpected request target: %s %s", req.Method, req.Path)
	}
	payload := mustUnmarshal(t, req.Body)
	if payload["owner_id"].(float64) != 7 {
		t.Fatalf("owner_id = %v, want 7", payload["owner_id"])
	}
	entrypoint, ok := payload["entrypoint"].([]interface{})
	if !ok || len(entrypoint) != 3 {
		t.Fatalf("entrypoint = %v, want 3 argv items", payload["entrypoint"])
	}
	if entrypoint[2] != "--verbose" {
		t.Fatalf("entrypoint[2] = %v, want --verbose", entrypoint[2])
	}
	if payload["plan"] != "pro" {
		t.Fatalf("plan = %v, want pro", payload["plan"])
	}
	if _, ok := payload["secret_ref"]; ok {
		t.Fatal("empty secret_ref should be omitted from payload")
	}
}

func TestBuildCreateRequiresEntrypoint(t *testing.T) {
	cmd := command.Registry()["create"]
	params := command.Params{}
	params.Set("owner_id", "7")
	params.Set("code_ref", "s3://bundles/bot.tar.zst")
	params.Set("entrypoint", " , ")

	if _, err := command.BuildRequest(cmd, params); err == nil {
		t.Fatal("expected error for blank entrypoint")
	}
}

func TestBuildStopRequest(t *testing.T) {
	cmd := command.Registry()["stop"]
	params := command.Params{}
	params.Set("id", "w-1")

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/workloads/w-1/stop" {
		t.Fatalf("path = %s", req.Path)
	}
	if len(req.Body) != 0 {
		t.Fatalf("bare stop should send no body, got %s", req.Body)
	}

	params.Set("graceful", "false")
	req, err = command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	payload := mustUnmarshal(t, req.Body)
	if payload["graceful"] != false {
		t.Fatalf("graceful = %v, want false", payload["graceful"])
	}
}

func TestBuildGrantRequest(t *testing.T) {
	cmd := command.Registry()["grant"]
	params := command.Params{}
	params.Set("workload_id", "w-9")
	params.Set("seconds", "3600")
	params.Set("power", "5.5")
	params.Set("reason", "plan upgrade")

	req, err := command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/workloads/w-9/ledger" {
		t.Fatalf("workload_id alias should fill the path, got %s", req.Path)
	}
	payload := mustUnmarshal(t, req.Body)
	if payload["delta_seconds"].(float64) != 3600 {
		t.Fatalf("delta_seconds = %v, want 3600", payload["delta_seconds"])
	}
	if payload["delta_power"].(float64) != 5.5 {
		t.Fatalf("delta_power = %v, want 5.5", payload["delta_power"])
	}
	if payload["reason"] != "plan upgrade" {
		t.Fatalf("reason = %v", payload["reason"])
	}
}

func TestBuildGrantRequiresDelta(t *testing.T) {
	cmd := command.Registry()["grant"]
	params := command.Params{}
	params.Set("id", "w-9")
	params.Set("reason", "noop")

	_, err := command.BuildRequest(cmd, params)
	if err == nil {
		t.Fatal("expected error when neither seconds nor power is given")
	}
	if !strings.Contains(err.Error(), "seconds or power") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBuildListWithOwnerFilter(t *testing.T) {
	cmd := command.Registry()["list"]

	req, err := command.BuildRequest(cmd, command.Params{})
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/workloads" {
		t.Fatalf("path = %s", req.Path)
	}

	params := command.Params{}
	params.Set("owner", "9")
	req, err = command.BuildRequest(cmd, params)
	if err != nil {
		t.Fatalf("build request failed: %v", err)
	}
	if req.Path != "/api/v1/workloads?owner_id=9" {
		t.Fatalf("path = %s, want owner_id query", req.Path)
	}
}

func TestBuildPathRequiresID(t *testing.T) {
	for _, name := range []string{"get", "status", "start", "stop", "delete", "grant"} {
		cmd := command.Registry()[name]
		params := command.Params{}
		params.Set("reason", "x")
		params.Set("seconds", "1")
		if _, err := command.BuildRequest(cmd, params); err == nil {
			t.Fatalf("%s without id should fail", name)
		}
	}
}
