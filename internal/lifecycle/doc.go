// Package lifecycle owns the install → activate cycle of the shell cache.
//
// Install preloads the app shell manifest into a fresh generation and only
// commits it when every path was fetched successfully. Activate deletes every
// other generation, records the new one as current and starts intercepting.
// The Host runner drives both at startup and on demand, retrying install with
// exponential backoff.
package lifecycle
