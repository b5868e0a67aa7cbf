// Package health holds the health observation model shared by the local
// check, the peer probe, the registry cache and the cluster aggregator.
package health

import "time"

// Status is the classification of a single health observation.
type Status string

const (
	StatusHealthy     Status = "healthy"
	StatusUnhealthy   Status = "unhealthy"
	StatusUnreachable Status = "unreachable"
	StatusError       Status = "error"
)

// LocalSource identifies the observation made against the local daemon.
const LocalSource = "local"

// SwarmActive is the local node state reported by an active swarm member.
const SwarmActive = "active"

// SwarmInactive is reported when the daemon could not be queried.
const SwarmInactive = "inactive"

// Result is one health observation. It is a value: a new probe produces a
// new Result instead of mutating an old one.
type Result struct {
	// Source is the peer address (host:port) or LocalSource.
	Source string `json:"node"`
	Status Status `json:"status"`
	// Swarm is the swarm state reported by the source, when known.
	Swarm string `json:"swarm,omitempty"`
	// Error is a short description of why the source is not healthy.
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy reports whether the observation counts towards the healthy total.
func (r Result) Healthy() bool { return r.Status == StatusHealthy }

// Age returns how old the observation is at now.
func (r Result) Age(now time.Time) time.Duration { return now.Sub(r.Timestamp) }

// FromSwarmState classifies a local swarm state string.
func FromSwarmState(source, state string, at time.Time) Result {
	r := Result{Source: source, Swarm: state, Timestamp: at}
	if state == SwarmActive {
		r.Status = StatusHealthy
	} else {
		r.Status = StatusUnhealthy
	}
	return r
}

// Failed builds a Result carrying a failure description.
func Failed(source string, status Status, msg string, at time.Time) Result {
	return Result{Source: source, Status: status, Error: msg, Timestamp: at}
}
