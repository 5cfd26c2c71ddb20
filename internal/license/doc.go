// Package license tracks the simulator license lease on the connector side.
//
// The simulator checks a license out on first use. Returning it immediately
// after every run would thrash the license server, so the controller keeps
// the lease alive while runs are active and for a grace window after the
// last one ends. Only when the lease stays idle past the window is the
// release callback invoked.
package license
