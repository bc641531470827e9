// Package stream decodes the reasoning engine's event stream into the
// artifacts the safeguard pipeline has to check: answer text, the generated
// SQL query and search-result citations.
//
// Records arrive either as a JSON array or as a text/event-stream body (see
// ReadSSE). Only message.delta events contribute; every other event kind is
// ignored.
package stream
