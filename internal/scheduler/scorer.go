package scheduler

// Score weights. They sum to 1 so the unclamped score already lies in [0,1].
const (
	WeightSuccessRate  = 0.4
	WeightUrgency      = 0.4
	WeightAvailability = 0.2

	// AtRiskPenalty scales the score of nodes the predictor flagged as likely to fail.
	AtRiskPenalty = 0.5

	neutralSuccessRate = 0.5
)

// SuccessRater supplies the historical success rate of an agent ref.
type SuccessRater interface {
	SuccessRate(agentRef string) (rate float64, ok bool)
}

// PriorityScorer ranks ready nodes. It is stateless and deterministic.
type PriorityScorer struct{}

// Score combines the agent's historical success rate, the node's normalized
// priority and the fraction of free capacity. Agents without history get a
// neutral success rate. The result is clamped to [0,1].
func (PriorityScorer) Score(node TaskNode, history SuccessRater, availability float64) float64 {
	rate := neutralSuccessRate
	if history != nil {
		if r, ok := history.SuccessRate(node.AgentRef); ok {
			rate = r
		}
	}

	urgency := float64(min(max(node.Priority, 0), 100)) / 100

	score := WeightSuccessRate*clamp01(rate) +
		WeightUrgency*urgency +
		WeightAvailability*clamp01(availability)
	return clamp01(score)
}

func clamp01(v float64) float64 {
	if v != v { // NaN
		return 0
	}
	return min(max(v, 0), 1)
}
