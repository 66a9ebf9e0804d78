package deflector

import "time"

// RetentionState is a snapshot of the managed indices for retention
// decisions. Indices are sorted oldest first; Target is the current write
// index and is never deleted.
type RetentionState struct {
	Indices []IndexInfo
	Target  string
	Now     time.Time
}

// RetentionPolicy decides which indices should be deleted.
// Policies are pure functions: no IO, no locks, no mutation.
type RetentionPolicy interface {
	Apply(state RetentionState) []string
}

// RetentionPolicyFunc is an adapter to allow ordinary functions to be used as RetentionPolicy.
type RetentionPolicyFunc func(state RetentionState) []string

func (f RetentionPolicyFunc) Apply(state RetentionState) []string {
	return f(state)
}

// CompositeRetentionPolicy combines multiple policies with union semantics.
// An index is deleted if any sub-policy says it should be deleted.
type CompositeRetentionPolicy struct {
	policies []RetentionPolicy
}

// NewCompositeRetentionPolicy creates a policy that deletes an index if any sub-policy returns it.
func NewCompositeRetentionPolicy(policies ...RetentionPolicy) *CompositeRetentionPolicy {
	return &CompositeRetentionPolicy{policies: policies}
}

func (c *CompositeRetentionPolicy) Apply(state RetentionState) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, p := range c.policies {
		for _, name := range p.Apply(state) {
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				result = append(result, name)
			}
		}
	}
	return result
}

// CountRetentionPolicy keeps at most maxIndices newest indices, deleting
// the rest. The write index always counts as kept.
type CountRetentionPolicy struct {
	maxIndices int
}

// NewCountRetentionPolicy creates a policy that keeps at most maxIndices indices.
func NewCountRetentionPolicy(maxIndices int) *CountRetentionPolicy {
	return &CountRetentionPolicy{maxIndices: maxIndices}
}

func (p *CountRetentionPolicy) Apply(state RetentionState) []string {
	if p.maxIndices <= 0 || len(state.Indices) <= p.maxIndices {
		return nil
	}
	excess := len(state.Indices) - p.maxIndices
	var result []string
	for _, idx := range state.Indices {
		if excess == 0 {
			break
		}
		if idx.Name == state.Target {
			continue
		}
		result = append(result, idx.Name)
		excess--
	}
	return result
}

// TTLRetentionPolicy deletes indices created more than maxAge ago.
type TTLRetentionPolicy struct {
	maxAge time.Duration
}

// NewTTLRetentionPolicy creates a policy that deletes indices older than maxAge.
func NewTTLRetentionPolicy(maxAge time.Duration) *TTLRetentionPolicy {
	return &TTLRetentionPolicy{maxAge: maxAge}
}

func (p *TTLRetentionPolicy) Apply(state RetentionState) []string {
	if p.maxAge <= 0 {
		return nil
	}
	cutoff := state.Now.Add(-p.maxAge)
	var result []string
	for _, idx := range state.Indices {
		if idx.Name != state.Target && idx.CreatedAt.Before(cutoff) {
			result = append(result, idx.Name)
		}
	}
	return result
}

// NeverRetainPolicy is a retention policy that never deletes anything.
type NeverRetainPolicy struct{}

func (NeverRetainPolicy) Apply(RetentionState) []string { return nil }
