// Package fetch executes the per-request caching policy chosen by the route
// classifier: pass-through, network-only with an offline fallback,
// network-first and cache-first. Responses that are both returned and stored
// are read once and duplicated, so the caller's body and the persisted
// snapshot never share a stream.
package fetch
