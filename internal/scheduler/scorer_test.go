package scheduler

import (
	"math"
	"testing"
)

type fixedRates map[string]float64

func (f fixedRates) SuccessRate(agentRef string) (float64, bool) {
	r, ok := f[agentRef]
	return r, ok
}

func TestPriorityScorerScore(t *testing.T) {
	tests := []struct {
		name         string
		node         TaskNode
		rates        SuccessRater
		availability float64
		want         float64
	}{
		{
			name:         "unknown agent gets neutral rate",
			node:         TaskNode{AgentRef: "new", Priority: 50},
			rates:        fixedRates{},
			availability: 1,
			want:         0.4*0.5 + 0.4*0.5 + 0.2,
		},
		{
			name:         "nil history",
			node:         TaskNode{AgentRef: "x", Priority: 0},
			availability: 0,
			want:         0.2,
		},
		{
			name:         "perfect agent, top priority, idle pool",
			node:         TaskNode{AgentRef: "a", Priority: 100},
			rates:        fixedRates{"a": 1},
			availability: 1,
			want:         1,
		},
		{
			name:         "worst case",
			node:         TaskNode{AgentRef: "a", Priority: 0},
			rates:        fixedRates{"a": 0},
			availability: 0,
			want:         0,
		},
		{
			name:         "out of range inputs are clamped",
			node:         TaskNode{AgentRef: "a", Priority: 400},
			rates:        fixedRates{"a": 3},
			availability: -2,
			want:         0.8,
		},
		{
			name:         "NaN availability",
			node:         TaskNode{AgentRef: "a", Priority: 100},
			rates:        fixedRates{"a": 1},
			availability: math.NaN(),
			want:         0.8,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PriorityScorer{}.Score(tt.node, tt.rates, tt.availability)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Score() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestPriorityScorerMonotone checks each input never lowers the score when raised.
func TestPriorityScorerMonotone(t *testing.T) {
	var s PriorityScorer
	base := TaskNode{AgentRef: "a", Priority: 40}
	rates := fixedRates{"a": 0.5}

	prev := -1.0
	for p := 0; p <= 100; p += 10 {
		n := base
		n.Priority = p
		got := s.Score(n, rates, 0.5)
		if got < prev {
			t.Fatalf("score dropped from %v to %v when priority rose to %d", prev, got, p)
		}
		prev = got
	}

	prev = -1.0
	for r := 0.0; r <= 1.0; r += 0.1 {
		got := s.Score(base, fixedRates{"a": r}, 0.5)
		if got < prev {
			t.Fatalf("score dropped from %v to %v when success rate rose to %v", prev, got, r)
		}
		prev = got
	}

	if s.Score(base, rates, 0.9) < s.Score(base, rates, 0.1) {
		t.Error("score dropped when availability rose")
	}
}

func TestPriorityScorerUsesExecutionContext(t *testing.T) {
	ec := NewExecutionContext("wf")
	ec.SeedStats("flaky", []bool{true, false, false, false})

	n := TaskNode{AgentRef: "flaky", Priority: 0}
	got := PriorityScorer{}.Score(n, ec, 0)
	if math.Abs(got-0.4*0.25) > 1e-9 {
		t.Errorf("Score() = %v, want %v", got, 0.4*0.25)
	}
}
