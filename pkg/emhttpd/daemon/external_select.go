package daemon

import (
	"errors"
	"time"
)

// ReadinessSets is what FillReadinessSets reports to a host driving
// ExternalSelect (§4.F): the fds the host's own poll/select/epoll call
// should watch for readability. WakeupFD is -1 on platforms whose
// poller backend has no exposable descriptor (the portable fallback);
// a host on such a platform should simply poll with GetTimeout instead.
type ReadinessSets struct {
	ListenFD int
	WakeupFD int
	ConnFDs  []int
}

var errExternalSelectOnly = errors.New("daemon: this operation requires Options.Mode == ExternalSelect")

// FillReadinessSets reports every fd the host should add to its own
// readiness primitive for this tick.
func (d *Daemon) FillReadinessSets() (ReadinessSets, error) {
	if d.opts.Mode != ExternalSelect {
		return ReadinessSets{}, errExternalSelectOnly
	}
	d.mu.Lock()
	fds := make([]int, 0, len(d.conns))
	for tc := range d.conns {
		if tc.fd >= 0 {
			fds = append(fds, tc.fd)
		}
	}
	d.mu.Unlock()
	return ReadinessSets{
		ListenFD: d.listenerFD,
		WakeupFD: d.poll.wakeupFD(),
		ConnFDs:  fds,
	}, nil
}

// GetTimeout returns how long the host's poll call should block when
// nothing is indicated readable, balancing prompt idle-timeout
// enforcement against needless wakeups.
func (d *Daemon) GetTimeout() time.Duration {
	return pollIdleInterval
}

// Run advances every FSM whose fd appears in readyFDs, accepts new
// connections if the listener is among them, and drains the wakeup
// pipe if it is — the host-driven counterpart to runInternalSelect's
// own loop body, reused verbatim for the accept and per-connection
// tick logic.
func (d *Daemon) Run(readyFDs []int) error {
	if d.opts.Mode != ExternalSelect {
		return errExternalSelectOnly
	}

	ready := make(map[int]struct{}, len(readyFDs))
	for _, fd := range readyFDs {
		ready[fd] = struct{}{}
	}

	if _, ok := ready[d.listenerFD]; ok {
		d.acceptAvailable()
	}
	if wfd := d.poll.wakeupFD(); wfd >= 0 {
		if _, ok := ready[wfd]; ok {
			d.poll.drainWakeup()
		}
	}

	d.mu.Lock()
	tcs := make([]*trackedConn, 0, len(d.conns))
	for tc := range d.conns {
		if _, ok := ready[tc.fd]; ok {
			tcs = append(tcs, tc)
		}
	}
	d.mu.Unlock()

	for _, tc := range tcs {
		d.tickConn(tc)
	}
	d.sweepIdle()
	return nil
}
