package deflector

import "time"

// IndexState is an immutable snapshot of the write index, taken at
// evaluation time. It contains everything a rotation decision needs.
type IndexState struct {
	Name string
	Docs int64
	Age  time.Duration
}

// RotationPolicy decides when the write index is rotated.
// Policies are pure functions: no IO, no locks, no mutation, no global state.
type RotationPolicy interface {
	ShouldRotate(state IndexState) bool
}

// RotationPolicyFunc is an adapter to allow ordinary functions to be used as RotationPolicy.
type RotationPolicyFunc func(state IndexState) bool

func (f RotationPolicyFunc) ShouldRotate(state IndexState) bool {
	return f(state)
}

// CompositePolicy combines multiple policies with OR semantics.
// The index is rotated if any policy returns true.
type CompositePolicy struct {
	policies []RotationPolicy
}

// NewCompositePolicy creates a policy that triggers rotation if any sub-policy returns true.
func NewCompositePolicy(policies ...RotationPolicy) *CompositePolicy {
	return &CompositePolicy{policies: policies}
}

func (c *CompositePolicy) ShouldRotate(state IndexState) bool {
	for _, p := range c.policies {
		if p.ShouldRotate(state) {
			return true
		}
	}
	return false
}

// DocCountPolicy rotates once the index holds at least maxDocs documents.
type DocCountPolicy struct {
	maxDocs int64
}

// NewDocCountPolicy creates a document count policy. Zero disables it.
func NewDocCountPolicy(maxDocs int64) *DocCountPolicy {
	return &DocCountPolicy{maxDocs: maxDocs}
}

func (p *DocCountPolicy) ShouldRotate(state IndexState) bool {
	if p.maxDocs <= 0 {
		return false
	}
	return state.Docs >= p.maxDocs
}

// AgePolicy rotates once the index is older than maxAge.
type AgePolicy struct {
	maxAge time.Duration
}

// NewAgePolicy creates an age policy. Zero disables it.
func NewAgePolicy(maxAge time.Duration) *AgePolicy {
	return &AgePolicy{maxAge: maxAge}
}

func (p *AgePolicy) ShouldRotate(state IndexState) bool {
	if p.maxAge <= 0 {
		return false
	}
	return state.Age > p.maxAge
}

// NeverRotatePolicy is a policy that never triggers rotation.
type NeverRotatePolicy struct{}

func (NeverRotatePolicy) ShouldRotate(IndexState) bool { return false }
