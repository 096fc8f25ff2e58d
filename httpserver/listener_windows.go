//go:build windows

package httpserver

import "net"

// listen binds addr using the platform default (Windows does not carry the
// TIME_WAIT-avoidance implications SO_REUSEADDR has on unix, and reusing it
// there would instead permit silently stealing a bound port).
func listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}
