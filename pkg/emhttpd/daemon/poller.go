package daemon

import (
	"sync"
	"time"
)

// poller is the readiness-polling engine behind InternalSelect and
// ExternalSelect (§4.F). Concrete backends are epoll (Linux), kqueue
// (Darwin/BSD), and a ticker-based fallback everywhere else, grounded
// on the other_examples epoll/kqueue Engine's Add/Remove/Wait/Close
// shape. A self-pipe (or, on the fallback backend, a plain channel)
// lets Stop interrupt an in-progress wait promptly, per
// SPEC_FULL.md's "(new) Wakeup pipe".
type poller struct {
	backend pollerBackend

	mu   sync.Mutex
	tags map[int]any
}

// pollerBackend is implemented once per platform.
type pollerBackend interface {
	add(fd int) error
	remove(fd int) error
	wait(timeout time.Duration) (readable []int, err error)
	wake() error
	wakeFD() int // -1 if the backend has no exposable wakeup fd
	drainWake()
	close() error
}

func newPoller() (*poller, error) {
	b, err := newPollerBackend()
	if err != nil {
		return nil, err
	}
	return &poller{backend: b, tags: make(map[int]any)}, nil
}

// add registers fd for readability events, associating it with an
// arbitrary tag (normally a *trackedConn, or the sentinel listenerTag)
// that wait returns once the fd becomes readable.
func (p *poller) add(fd int, tag any) error {
	p.mu.Lock()
	p.tags[fd] = tag
	p.mu.Unlock()
	if err := p.backend.add(fd); err != nil {
		p.mu.Lock()
		delete(p.tags, fd)
		p.mu.Unlock()
		return err
	}
	return nil
}

func (p *poller) remove(fd int) {
	p.mu.Lock()
	delete(p.tags, fd)
	p.mu.Unlock()
	_ = p.backend.remove(fd)
}

// wait blocks until at least one registered fd is readable, the wakeup
// pipe fires, or timeout elapses, whichever comes first, returning the
// tags of whatever became ready (the wakeup pipe itself never appears
// in the result: it exists purely to unblock this call).
func (p *poller) wait(timeout time.Duration) ([]any, error) {
	fds, err := p.backend.wait(timeout)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	out := make([]any, 0, len(fds))
	for _, fd := range fds {
		if tag, ok := p.tags[fd]; ok {
			out = append(out, tag)
		}
	}
	p.mu.Unlock()
	return out, nil
}

func (p *poller) wakeup() { _ = p.backend.wake() }

// wakeupFD exposes the self-pipe's read end so a host driving
// ExternalSelect can include it in its own readiness set; Stop's wakeup
// then unblocks the host's poll exactly as it unblocks the
// InternalSelect goroutine's own wait call.
func (p *poller) wakeupFD() int { return p.backend.wakeFD() }

func (p *poller) drainWakeup() { p.backend.drainWake() }

func (p *poller) Close() error { return p.backend.close() }
