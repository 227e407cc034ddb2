// upstream.go declares the small surface advcache consumes from its
// out-of-scope collaborator: the HTTP upstream client. Per spec.md §1/§6,
// the wire protocol, connection pool, health probe, rate limiter and
// forwarded-host handling all live outside this package — advcache only
// needs enough of an interface to drive the background refresh worker and
// to let tests exercise it without a real network client.
package advcache

import "context"

// Response is the minimal shape the core needs from an upstream round trip:
// enough to build or refresh an Entry's payload and weight.
type Response struct {
	Body    []byte
	Headers map[string]string
	Status  int
}

// Upstream is implemented by the collaborator that actually talks to the
// origin server. advcache calls Refresh from its background refresh worker
// and treats Request/IsHealthy as available for callers that build Entries
// from scratch on a cache miss (outside advcache's own Get/Set surface).
type Upstream interface {
	// Request performs a fresh upstream call for the given cache rule and
	// selected query/header values, used to populate a brand-new Entry.
	Request(ctx context.Context, rule string, queries, headers map[string]string) (*Response, error)

	// Refresh revalidates an existing entry in place: the returned Response
	// becomes the entry's new payload via Storage.Set. An error leaves the
	// stale entry untouched; it will be rediscovered on the next scan.
	Refresh(ctx context.Context, e *Entry) (*Response, error)

	// IsHealthy reports whether the upstream is currently reachable. The
	// refresh worker consults this before each refresh it dispatches so a
	// down upstream does not spin fruitlessly.
	IsHealthy(ctx context.Context) error
}
