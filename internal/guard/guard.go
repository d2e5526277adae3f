// Package guard implements the generation-token pattern that keeps repeated
// flow initiation and reconnect storms safe. A flow captures a token before
// its first asynchronous step; every continuation checks the token before
// touching shared state and bails out silently when a newer generation has
// started.
package guard

import "sync/atomic"

// Guard is a per-logical-flow monotonically increasing generation counter.
// The zero value is ready to use.
type Guard struct {
	gen atomic.Uint64
}

// Token is a captured generation. It stays valid until the owning Guard is
// bumped again.
type Token struct {
	guard *Guard
	gen   uint64
}

// Begin starts a new generation, invalidating every token captured before,
// and returns a token for the new flow.
func (g *Guard) Begin() Token {
	return Token{guard: g, gen: g.gen.Add(1)}
}

// Bump invalidates all outstanding tokens without starting a flow of its own.
// Used on teardown so no in-flight continuation lands afterwards.
func (g *Guard) Bump() {
	g.gen.Add(1)
}

// Still reports whether the token belongs to this guard's live generation.
// Equivalent to token.Valid plus an ownership check.
func (g *Guard) Still(t Token) bool {
	return t.guard == g && t.Valid()
}

// Valid reports whether the token's generation is still the live one.
func (t Token) Valid() bool {
	return t.guard != nil && t.guard.gen.Load() == t.gen
}
