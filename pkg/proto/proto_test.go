package proto

import (
	"encoding/json"
	"testing"
)

func TestParseRole(t *testing.T) {
	role, err := ParseRole("Executor")
	if err != nil {
		t.Fatalf("ParseRole failed: %v", err)
	}
	if role != RoleExecutor {
		t.Errorf("Expected executor, got %s", role)
	}

	if _, err := ParseRole("reviewer"); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestAgentIDWorkerRole(t *testing.T) {
	role, ok := AgentTester.WorkerRole()
	if !ok {
		t.Fatal("Expected tester agent to map to a role")
	}
	if role != RoleTester {
		t.Errorf("Expected tester role, got %s", role)
	}

	if _, ok := AgentCoordinator.WorkerRole(); ok {
		t.Error("Coordinator must not map to a worker role")
	}
	if _, ok := AgentStructurer.WorkerRole(); ok {
		t.Error("Structurer must not map to a worker role")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, status := range AllStatuses() {
		terminal := status == StatusAccepted || status == StatusFailed
		if status.Terminal() != terminal {
			t.Errorf("Terminal(%s) = %v, want %v", status, status.Terminal(), terminal)
		}
	}
}

func TestParseStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseStatus("tested"); err == nil {
		t.Error("Expected error for status outside the five defined values")
	}
	status, err := ParseStatus("code_received")
	if err != nil {
		t.Fatalf("ParseStatus failed: %v", err)
	}
	if status != StatusCodeReceived {
		t.Errorf("Expected code_received, got %s", status)
	}
}

func TestParseActionRejectsUnknown(t *testing.T) {
	if _, err := ParseAction("subscribe"); err == nil {
		t.Error("Expected error for unknown action")
	}
	action, err := ParseAction("get_chart_updates")
	if err != nil {
		t.Fatalf("ParseAction failed: %v", err)
	}
	if action != ActionGetChartUpdates {
		t.Errorf("Expected get_chart_updates, got %s", action)
	}
}

func TestTreeMarshalShape(t *testing.T) {
	tree := Tree{
		"src": Tree{
			"add.py": nil,
		},
		"README.md": nil,
	}

	data, err := json.Marshal(tree)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var restored Tree
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if restored["README.md"] != nil {
		t.Error("Expected file leaf to decode as nil")
	}
	src, ok := restored["src"]
	if !ok || src == nil {
		t.Fatal("Expected src directory to decode as a map")
	}
	if _, ok := src["add.py"]; !ok {
		t.Error("Expected add.py under src")
	}
}

func TestPushMessageOmitsEmptyFields(t *testing.T) {
	msg := PushMessage{Type: MsgLog, LogLine: "\x1b[32mok\x1b[0m line"}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["type"] != "log_update" {
		t.Errorf("Expected type log_update, got %v", decoded["type"])
	}
	if decoded["log_line"] != "\x1b[32mok\x1b[0m line" {
		t.Error("Log line must pass through byte-for-byte, escapes included")
	}
	if _, ok := decoded["queues"]; ok {
		t.Error("Empty queues must be omitted from delta frames")
	}
	if _, ok := decoded["structure"]; ok {
		t.Error("Empty structure must be omitted from delta frames")
	}
}
