//go:build linux

package daemon

import (
	"time"

	"golang.org/x/sys/unix"
)

// epollBackend implements pollerBackend with epoll level-triggered
// readability events plus a self-pipe registered alongside every other
// fd, the standard way to give an epoll_wait call an interruptible
// deadline shorter than its own timeout argument.
type epollBackend struct {
	epfd     int
	pipeR    int
	pipeW    int
}

func newPollerBackend() (pollerBackend, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		unix.Close(epfd)
		return nil, err
	}
	b := &epollBackend{epfd: epfd, pipeR: fds[0], pipeW: fds[1]}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, b.pipeR, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(b.pipeR),
	}); err != nil {
		b.close()
		return nil, err
	}
	return b, nil
}

func (b *epollBackend) add(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(fd),
	})
}

func (b *epollBackend) remove(fd int) error {
	return unix.EpollCtl(b.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (b *epollBackend) wait(timeout time.Duration) ([]int, error) {
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	events := make([]unix.EpollEvent, 128)
	for {
		n, err := unix.EpollWait(b.epfd, events, ms)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, err
		}
		out := make([]int, 0, n)
		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == b.pipeR {
				drainWakeupPipe(b.pipeR)
				continue
			}
			out = append(out, fd)
		}
		return out, nil
	}
}

func (b *epollBackend) wakeFD() int { return b.pipeR }

func (b *epollBackend) drainWake() { drainWakeupPipe(b.pipeR) }

func (b *epollBackend) wake() error {
	var buf [1]byte
	_, err := unix.Write(b.pipeW, buf[:])
	if err == unix.EAGAIN {
		return nil // already has a pending wakeup byte queued
	}
	return err
}

func (b *epollBackend) close() error {
	unix.Close(b.pipeR)
	unix.Close(b.pipeW)
	return unix.Close(b.epfd)
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
