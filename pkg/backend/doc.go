// Package backend dispatches one user question to the reasoning engine's
// agent-run endpoint and returns the raw event records of its reply.
package backend
