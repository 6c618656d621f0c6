//go:build darwin

package transport

import "net"

// LaunchdSocketName is the name codexd registers under in its
// launchd.plist Sockets dictionary.
const LaunchdSocketName = "codexd"

// LaunchdListener returns a socket-activated listener handed to the
// process by launchd, or nil if the process was not launched via
// launchd socket activation. This is a narrow seam only: actually
// talking to launchd's activation protocol is out of scope here, so
// this always reports "not launchd-activated" rather than attempting
// it.
func LaunchdListener() (net.Listener, error) {
	return nil, nil
}
