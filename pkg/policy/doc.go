// Package policy integrates the Open Policy Agent (OPA) engine with the
// safeguard pipeline, evaluating Rego decisions for every text unit that
// crosses the guard.
//
// The package owns compilation of Rego modules, a bounded decision cache, and
// the conversion of raw Rego results into domain-friendly decisions. It is
// intentionally decoupled from transport concerns so policies can be tested and
// hot-reloaded independently of the pipeline.
package policy
