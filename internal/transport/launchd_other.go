//go:build !darwin

package transport

import "net"

// LaunchdListener is a no-op off of macOS: launchd socket activation
// does not exist on this platform.
func LaunchdListener() (net.Listener, error) {
	return nil, nil
}
