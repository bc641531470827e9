// Package guard implements the access-control checkpoint of the safeguard
// pipeline.
//
// An AccessGuard evaluates one text unit for one identity within a conversation
// thread. It delegates the decision to a Service, either the remote
// policy-decision server (RemoteService) or an embedded OPA policy with DLP
// scanning (PolicyService), and folds every failure into a user-safe denial.
package guard
