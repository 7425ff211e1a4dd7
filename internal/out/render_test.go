package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/ggonzalez94/txflow/internal/config"
	"github.com/ggonzalez94/txflow/internal/execution"
	"github.com/ggonzalez94/txflow/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    model.FlowResult{SessionID: "s1", Status: execution.SessionStatusCompleted, FinalHash: "0xE"},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"status", "final_hash"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if out["status"] != "completed" || out["final_hash"] != "0xE" {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out["session_id"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"hash": "0xabc", "chain_id": 8453}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "chain_id=8453 hash=0xabc") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestRenderEvent(t *testing.T) {
	evt := execution.SessionEvent{
		Type:      execution.EventStepSubmitted,
		SessionID: "s1",
		StepIndex: 0,
		StepKind:  execution.StepKindApproveToken,
		Hash:      "0xA",
		Session:   execution.Session{ID: "s1", Metadata: map[string]string{"secret": "x"}},
		At:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	var buf bytes.Buffer
	if err := RenderEvent(&buf, evt, "json"); err != nil {
		t.Fatalf("RenderEvent failed: %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode event line: %v", err)
	}
	if line["type"] != "step_submitted" || line["hash"] != "0xA" || line["step_kind"] != "approve_token" {
		t.Fatalf("unexpected event line %v", line)
	}
	if _, ok := line["session"]; ok {
		t.Fatal("event line must not carry the session snapshot")
	}

	buf.Reset()
	if err := RenderEvent(&buf, evt, "plain"); err != nil {
		t.Fatalf("RenderEvent plain failed: %v", err)
	}
	if !strings.Contains(buf.String(), "type=step_submitted") || strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("unexpected plain event %q", buf.String())
	}
}
