package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/aristath/selfheal/internal/scheduler"
)

const ingestYAML = `
id: ingest
description: fetch, parse and store a feed
nodes:
  - id: fetch
    agent: http
    priority: 80
    timeout: 30s
    estimated_duration: 5s
    params:
      url: https://example.com/feed
      retries: 2
    fallback:
      agent: http-mirror
  - id: parse
    name: Parse feed
    agent: parser
    depends_on: [fetch]
    degraded:
      params:
        strict: false
  - id: store
    agent: db
    depends_on: [parse]
    timeout: "0"
    resources: [primary-db]
`

func TestParseAndBuild(t *testing.T) {
	def, err := Parse([]byte(ingestYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := def.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if !g.Validated() {
		t.Error("built graph should be validated")
	}

	fetch, _ := g.Get("fetch")
	if fetch.Name != "fetch" || fetch.AgentRef != "http" || fetch.Priority != 80 {
		t.Errorf("fetch = %+v", fetch)
	}
	if fetch.Timeout != 30*time.Second || fetch.EstimatedDuration != 5*time.Second {
		t.Errorf("fetch durations = %v / %v", fetch.Timeout, fetch.EstimatedDuration)
	}
	wantParams := map[string]any{"url": "https://example.com/feed", "retries": 2}
	if diff := cmp.Diff(wantParams, fetch.Params); diff != "" {
		t.Errorf("fetch params (-want +got):\n%s", diff)
	}
	if fetch.Fallback == nil || fetch.Fallback.AgentRef != "http-mirror" {
		t.Errorf("fetch fallback = %+v", fetch.Fallback)
	}

	parse, _ := g.Get("parse")
	if parse.Name != "Parse feed" || parse.Timeout != DefaultTimeout {
		t.Errorf("parse = %q, timeout %v", parse.Name, parse.Timeout)
	}
	if parse.Degraded == nil || parse.Degraded.AgentRef != "" || parse.Degraded.Params["strict"] != false {
		t.Errorf("parse degraded = %+v", parse.Degraded)
	}

	store, _ := g.Get("store")
	if store.Timeout != 0 {
		t.Errorf("store timeout = %v, want none", store.Timeout)
	}
	if diff := cmp.Diff([]string{"primary-db"}, store.Resources); diff != "" {
		t.Errorf("store resources (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]string{"http", "http-mirror", "parser", "db"}, def.Agents()); diff != "" {
		t.Errorf("Agents (-want +got):\n%s", diff)
	}
}

func TestParseJSON(t *testing.T) {
	data := `{"id": "j", "nodes": [{"id": "a", "agent": "x"}, {"id": "b", "agent": "y", "depends_on": ["a"]}]}`
	def, err := Parse([]byte(data))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	g, err := def.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if g.Len() != 2 {
		t.Errorf("Len = %d", g.Len())
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantMsg string
	}{
		{"empty", "", "empty workflow definition"},
		{"unknown field", "id: w\nnodes:\n  - id: a\n    agent: x\n    retries: 3\n", "retries"},
		{"missing workflow id", "nodes:\n  - id: a\n    agent: x\n", "workflow id is required"},
		{"no nodes", "id: w\n", "has no nodes"},
		{"missing node id", "id: w\nnodes:\n  - agent: x\n", "node 0: id is required"},
		{"missing agent", "id: w\nnodes:\n  - id: a\n", `node "a": agent is required`},
		{"bad timeout", "id: w\nnodes:\n  - id: a\n    agent: x\n    timeout: soon\n", `node "a": timeout`},
		{"negative estimate", "id: w\nnodes:\n  - id: a\n    agent: x\n    estimated_duration: -1s\n", "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantMsg)
			}
		})
	}
}

func TestBuildGraphErrors(t *testing.T) {
	tests := []struct {
		name  string
		nodes []NodeSpec
		check func(error) bool
	}{
		{
			name:  "duplicate node",
			nodes: []NodeSpec{{ID: "a", Agent: "x"}, {ID: "a", Agent: "x"}},
			check: func(err error) bool {
				var dup *scheduler.DuplicateNodeError
				return errors.As(err, &dup)
			},
		},
		{
			name:  "unknown dependency",
			nodes: []NodeSpec{{ID: "a", Agent: "x", DependsOn: []string{"ghost"}}},
			check: func(err error) bool {
				var unk *scheduler.UnknownDependencyError
				return errors.As(err, &unk) && unk.DependencyID == "ghost"
			},
		},
		{
			name: "cycle",
			nodes: []NodeSpec{
				{ID: "a", Agent: "x", DependsOn: []string{"b"}},
				{ID: "b", Agent: "x", DependsOn: []string{"a"}},
			},
			check: func(err error) bool {
				var cyc *scheduler.DependencyCycleError
				return errors.As(err, &cyc)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := &Definition{ID: "w", Nodes: tt.nodes}
			_, err := def.Build()
			if err == nil || !tt.check(err) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	if err := os.WriteFile(path, []byte(ingestYAML), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	def, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if def.ID != "ingest" || len(def.Nodes) != 3 {
		t.Errorf("def = %s with %d nodes", def.ID, len(def.Nodes))
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected ErrNotExist, got %v", err)
	}
}
