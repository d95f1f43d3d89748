package models

import "time"

// Citation attributes a belief statement to a source span, mirroring
// the provider.Citation shape returned by FetchResult (spec §3).
type Citation struct {
	Start int
	End   int
	URL   string
	Title string
}

// Belief is an atomic statement held by an expert (spec §3). Beliefs
// are append-only: contradiction is represented by SupersededBy
// chaining, never by mutating Statement.
type Belief struct {
	ID            string
	Statement     string
	Confidence    float64 // [0,1], provider-supplied, never algorithmically boosted (DESIGN.md)
	Sources       []Citation
	SupersededBy  string // belief id, empty if this is the current head
	CreatedAt     time.Time
	DerivedFromJob string // job whose result produced this belief
}

// Gap is a known-unknown for an expert (spec §3).
type Gap struct {
	ID          string
	Topic       string
	Priority    int
	DiscoveredAt time.Time
	FilledByJob string // set once a campaign's result has been synthesised in
}

// Closed reports whether this gap has been filled (spec §3: "closed
// when filled_by_job points to a completed job and synthesis has
// folded its result into one or more beliefs").
func (g *Gap) Closed() bool {
	return g.FilledByJob != ""
}

// Expert is a persistent knowledge agent (spec §3).
type Expert struct {
	ID                string
	Name              string // human-readable, unique
	DomainDescription string
	DocumentStoreRef  string
	Beliefs           []*Belief
	Gaps              []*Gap
	TotalSpend        float64
	LastSynthesisedAt *time.Time
	CreatedAt         time.Time
}

// HeadBeliefs returns the non-superseded (current) belief for each
// supersession chain, i.e. every connected component's single head
// (spec §8 invariant).
func (e *Expert) HeadBeliefs() []*Belief {
	superseded := make(map[string]bool, len(e.Beliefs))
	for _, b := range e.Beliefs {
		if b.SupersededBy != "" {
			superseded[b.ID] = true
		}
	}
	var heads []*Belief
	for _, b := range e.Beliefs {
		if !superseded[b.ID] {
			heads = append(heads, b)
		}
	}
	return heads
}
