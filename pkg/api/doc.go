// Package api exposes safeguarded turns over HTTP, alongside health and
// Prometheus endpoints.
package api
