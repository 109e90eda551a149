package domain

// ActivationContext carries the heterogeneous signals for one activation
// decision event: anything the caller knows about what just happened.
type ActivationContext struct {
	FilePath     string
	FileContent  string
	UserRequest  string
	ProjectPhase string
	RecentErrors []string
	Task         *TaskContext
	ProjectState map[string]any
	ActiveAgents map[string]bool
}

// ActivationCandidate is one scorer's vote for one agent. Ephemeral —
// produced by a scorer for a single decision event and consumed immediately
// by the aggregator.
type ActivationCandidate struct {
	Agent  string
	Score  float64 // raw score in [0,1] x rule weight
	Reason string
}

// Activation is one entry of an ActivationDecision.
type Activation struct {
	Agent   string   `json:"agent"`
	Score   float64  `json:"score"`
	Reasons []string `json:"reasons"`
}

// ActivationDecision is the aggregator's ranked output. Invariants: scores
// strictly descending (ties broken by first-seen order), no duplicate agents,
// every score >= the configured threshold, length <= the concurrency cap.
type ActivationDecision struct {
	Activations []Activation `json:"activations"`
}

// Lead returns the highest-scored agent, or "" when nothing activated.
func (d ActivationDecision) Lead() string {
	if len(d.Activations) == 0 {
		return ""
	}
	return d.Activations[0].Agent
}

// Agents returns the activated agent names in rank order.
func (d ActivationDecision) Agents() []string {
	names := make([]string, len(d.Activations))
	for i, a := range d.Activations {
		names[i] = a.Agent
	}
	return names
}
