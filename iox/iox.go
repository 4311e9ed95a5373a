// Package iox provides I/O helpers for resource cleanup.
package iox

import "io"

// DiscardClose closes c and discards the error.
// Use in defer statements where close errors are unactionable:
//
//	defer iox.DiscardClose(store)
func DiscardClose(c io.Closer) { _ = c.Close() }

// DrainClose reads rc to EOF and closes it so HTTP connections can be
// reused. Errors are discarded:
//
//	defer iox.DrainClose(resp.Body)
func DrainClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

// CloseFunc returns a cleanup function that closes c.
// Designed for t.Cleanup registration:
//
//	t.Cleanup(iox.CloseFunc(store))
func CloseFunc(c io.Closer) func() {
	return func() { _ = c.Close() }
}
