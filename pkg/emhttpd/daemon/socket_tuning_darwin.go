//go:build darwin

package daemon

import "golang.org/x/sys/unix"

// applyPlatformConnTuning applies Darwin-specific per-connection options,
// grounded on the teacher's socket/tuning_darwin.go. Darwin has no
// TCP_QUICKACK and spells its keepalive-idle knob differently than Linux.
func applyPlatformConnTuning(fd int, t *SocketTuning) {
	if t.KeepAlive {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPALIVE, 60)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	}
}

// applyPlatformListenerTuning is a no-op on Darwin: TCP_DEFER_ACCEPT has
// no equivalent, so t.DeferAccept is silently ignored.
func applyPlatformListenerTuning(fd int, t *SocketTuning) error {
	return nil
}
