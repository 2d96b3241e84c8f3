package registry

import "sync"

// DefaultTrust is assigned to peers with no configured score.
const DefaultTrust = 0.5

// TrustPolicy scores how much a peer's messages are believed. The effective
// trust of an advertisement or fact is the trust of its direct relaying
// sender. The scoring formula is deliberately pluggable; the shipped default
// is a static table.
type TrustPolicy interface {
	TrustOf(agentID string) float64
}

// StaticTrustPolicy serves trust scores from a fixed table, typically seeded
// from configuration.
type StaticTrustPolicy struct {
	mu           sync.RWMutex
	scores       map[string]float64
	defaultScore float64
}

// NewStaticTrustPolicy creates a policy from a score table. Unknown peers
// get defaultScore.
func NewStaticTrustPolicy(scores map[string]float64, defaultScore float64) *StaticTrustPolicy {
	cp := make(map[string]float64, len(scores))
	for k, v := range scores {
		cp[k] = v
	}
	return &StaticTrustPolicy{scores: cp, defaultScore: defaultScore}
}

// TrustOf returns the configured score for an agent, or the default.
func (p *StaticTrustPolicy) TrustOf(agentID string) float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.scores[agentID]; ok {
		return s
	}
	return p.defaultScore
}

// SetTrust updates a peer's score at runtime.
func (p *StaticTrustPolicy) SetTrust(agentID string, score float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scores[agentID] = score
}
