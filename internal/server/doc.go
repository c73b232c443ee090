// Package server hosts the Fiber HTTP service that fronts the shell cache:
// the request-ID middleware, the catch-all route that hands every request to
// the shell handler, and the shared upstream client used for origin fetches.
// Paths under "/-/" are reserved for diagnostics and never intercepted; the
// routes subpackage registers them.
package server
