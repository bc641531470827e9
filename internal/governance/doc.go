// Package governance provides the resilience primitives shared by the outbound
// clients of the safeguard pipeline: a retry policy with exponential backoff
// and a consecutive-failure circuit breaker.
//
// Both the guard service client and the backend gateway wrap their network
// calls with these primitives so a failing dependency degrades a turn instead
// of stalling it.
package governance
