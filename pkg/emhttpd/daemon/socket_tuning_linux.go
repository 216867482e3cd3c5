//go:build linux

package daemon

import "golang.org/x/sys/unix"

// applyPlatformConnTuning applies Linux-specific per-connection options,
// grounded on the teacher's socket/tuning_linux.go.
func applyPlatformConnTuning(fd int, t *SocketTuning) {
	if t.QuickAck {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
	}
	if t.KeepAlive {
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPIDLE, 60)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPINTVL, 10)
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_KEEPCNT, 3)
	}
}

// applyPlatformListenerTuning applies TCP_DEFER_ACCEPT: the kernel holds
// the accepted connection back until data has actually arrived, which
// matches this daemon's read-driven FSM better than waking a worker for
// an empty socket.
func applyPlatformListenerTuning(fd int, t *SocketTuning) error {
	if !t.DeferAccept {
		return nil
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_DEFER_ACCEPT, 5)
}
