//go:build !unix

package main

import "context"

// watchResize is a no-op without SIGWINCH; the initial size still applies.
func watchResize(context.Context, int, func(cols, rows int)) (stop func()) {
	return func() {}
}
