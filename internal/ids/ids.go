// Package ids mints opaque UUID-shaped identifiers for every entity the
// core tracks (jobs, campaigns, phases, topics, experts, beliefs, gaps).
package ids

import "github.com/google/uuid"

// Kind prefixes make ids grep-able in logs without needing a lookup,
// the way the teacher's session/connection ids are plain UUIDs scoped
// by the field they're stored in.
type Kind string

const (
	Job      Kind = "job"
	Campaign Kind = "camp"
	Phase    Kind = "phase"
	Topic    Kind = "topic"
	Expert   Kind = "expert"
	Belief   Kind = "belief"
	Gap      Kind = "gap"
)

// New mints a new opaque id of the given kind, e.g. "job_3fa9c1..".
func New(kind Kind) string {
	return string(kind) + "_" + uuid.NewString()
}
