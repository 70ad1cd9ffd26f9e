// Package llm defines the reasoning-provider abstraction used by the
// decision engine. Providers receive the permission constraints, a market
// snapshot and the candidate action, and return a structured verdict.
// Subpackages implement concrete providers.
package llm
