//go:build darwin

package daemon

import (
	"time"

	"golang.org/x/sys/unix"
)

// kqueueBackend implements pollerBackend on Darwin/BSD using kqueue,
// with the same self-pipe wakeup strategy as the Linux epoll backend.
type kqueueBackend struct {
	kq    int
	pipeR int
	pipeW int
}

func newPollerBackend() (pollerBackend, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(kq)
		return nil, err
	}
	b := &kqueueBackend{kq: kq, pipeR: fds[0], pipeW: fds[1]}
	ev := unix.Kevent_t{
		Ident:  uint64(b.pipeR),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	if _, err := unix.Kevent(kq, []unix.Kevent_t{ev}, nil, nil); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *kqueueBackend) add(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_ADD | unix.EV_ENABLE,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (b *kqueueBackend) remove(fd int) error {
	ev := unix.Kevent_t{
		Ident:  uint64(fd),
		Filter: unix.EVFILT_READ,
		Flags:  unix.EV_DELETE,
	}
	_, err := unix.Kevent(b.kq, []unix.Kevent_t{ev}, nil, nil)
	return err
}

func (b *kqueueBackend) wait(timeout time.Duration) ([]int, error) {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	events := make([]unix.Kevent_t, 128)
	for {
		n, err := unix.Kevent(b.kq, nil, events, ts)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]int, 0, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Ident)
			if fd == b.pipeR {
				drainWakeupPipe(b.pipeR)
				continue
			}
			out = append(out, fd)
		}
		return out, nil
	}
}

func (b *kqueueBackend) wakeFD() int { return b.pipeR }

func (b *kqueueBackend) drainWake() { drainWakeupPipe(b.pipeR) }

func (b *kqueueBackend) wake() error {
	var buf [1]byte
	_, err := unix.Write(b.pipeW, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (b *kqueueBackend) close() error {
	unix.Close(b.pipeR)
	unix.Close(b.pipeW)
	return unix.Close(b.kq)
}

func drainWakeupPipe(fd int) {
	var buf [64]byte
	for {
		n, err := unix.Read(fd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func dupFD(fd int) (int, error) {
	nfd, err := unix.Dup(fd)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(nfd)
	return nfd, nil
}

func closeDupFD(fd int) { unix.Close(fd) }
