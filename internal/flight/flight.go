// Package flight deduplicates concurrent expensive operations by key.
//
// The pipeline has four independent lock domains so that, for example,
// extracting one month's consensus archive and parsing the same month's
// descriptors can proceed concurrently, while two callers asking for the
// same archive within one domain collapse into a single execution.
package flight

import "golang.org/x/sync/singleflight"

// Domain names an independent lock namespace. Keys never contend across
// domains.
type Domain string

const (
	DomainDownload    Domain = "download"
	DomainExtract     Domain = "extract"
	DomainDescriptors Domain = "descriptors"
	DomainCountries   Domain = "countries"
)

// Group serializes in-flight operations per (domain, key). A second caller
// for an in-flight key waits for and receives the first caller's result
// instead of starting a duplicate. Completed keys are forgotten, so a
// later call retries from scratch.
type Group struct {
	groups map[Domain]*singleflight.Group
}

// New creates a Group covering all four lock domains.
func New() *Group {
	return &Group{
		groups: map[Domain]*singleflight.Group{
			DomainDownload:    {},
			DomainExtract:     {},
			DomainDescriptors: {},
			DomainCountries:   {},
		},
	}
}

// Do runs fn for key within domain, deduplicating concurrent callers.
// Returns fn's result; all concurrent callers for the same key observe the
// same result and error.
func (g *Group) Do(domain Domain, key string, fn func() (any, error)) (any, error) {
	sf, ok := g.groups[domain]
	if !ok {
		// Unknown domain means a programming error; run undeduplicated
		// rather than panic mid-pipeline.
		return fn()
	}
	v, err, _ := sf.Do(key, fn)
	return v, err
}
