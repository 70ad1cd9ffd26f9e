// Package executor owns the execution pipeline and its history: every
// attempt to act on an intent flows through one orchestrated sequence of
// permission validation, market context, decision and external execution,
// and settles in exactly one terminal state.
package executor
