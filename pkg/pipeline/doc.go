// Package pipeline runs safeguarded conversation turns.
//
// An Orchestrator takes one user utterance through the inbound access check,
// dispatches it to the reasoning engine, decodes the reply and re-checks every
// derived artifact (answer, generated query, citation transcripts and the
// bulk result table) before anything reaches the user. Guard and backend
// failures degrade the turn instead of failing it.
package pipeline
