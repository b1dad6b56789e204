// Package extractor implements per-host pluggable resolvers that turn a
// client-supplied URL into a resolved stream descriptor, per spec.md §4.3.
//
// Grounded on original_source/extractors/generic.py for the generic
// extractor's header and redirector-handshake behavior, and on spec.md §3's
// StreamDescriptor/ExtractorInstance data model.
package extractor

import "context"

// EndpointKind is the closed enumeration spec.md §9 calls for in place of
// the original's runtime-typed return map.
type EndpointKind string

const (
	EndpointHLSProxy    EndpointKind = "hls_proxy"
	EndpointMPD         EndpointKind = "mpd"
	EndpointStreamProxy EndpointKind = "stream_proxy"
)

// StreamDescriptor is an extractor's resolved output. Request-scoped.
type StreamDescriptor struct {
	DestinationURL string
	RequestHeaders map[string]string
	EndpointKind   EndpointKind
}

// Extractor resolves a client-supplied URL into a StreamDescriptor. An
// Extractor instance is shared across requests for its host family and must
// not retain client-identifying state between calls.
type Extractor interface {
	// Extract resolves url into a StreamDescriptor. When forceRefresh is
	// true the extractor must bypass any internal cache and re-derive a
	// fresh descriptor.
	Extract(ctx context.Context, url string, forceRefresh bool) (StreamDescriptor, error)
	// Close releases any resources (sessions, caches) held by the extractor.
	Close() error
}
