// Package cache defines the versioned response store. Every cache generation
// is an isolated key space named by a release version string; entries are
// immutable snapshots of GET responses keyed by method + absolute URL.
// Two persistent backends are provided (one directory per generation on disk,
// or a single SQLite database) and both can be fronted by an in-memory read
// layer. Higher layers (fetch, lifecycle) only ever talk to the Store and
// Generation interfaces.
package cache
