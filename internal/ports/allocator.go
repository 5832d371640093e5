// Package ports hands out host ports for environment containers.
package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// ErrNoPortAvailable is returned when every port in the range is taken.
var ErrNoPortAvailable = errors.New("ports: no port available")

// BindTest reports whether a port can currently be bound on the host.
type BindTest func(port int) bool

// Allocator serializes port reservations across all services. A reserved
// port stays in flight until its Reservation is released, so concurrent
// callers never receive the same port even before it is persisted.
type Allocator struct {
	mu       sync.Mutex
	start    int
	end      int
	inflight map[int]struct{}
	bindTest BindTest
}

// New returns an allocator over the inclusive range [start, end].
func New(start, end int) (*Allocator, error) {
	if start < 1 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &Allocator{
		start:    start,
		end:      end,
		inflight: make(map[int]struct{}),
		bindTest: CanBind,
	}, nil
}

// WithBindTest replaces the host bind probe.
func (a *Allocator) WithBindTest(fn BindTest) *Allocator {
	a.mu.Lock()
	defer a.mu.Unlock()
	if fn != nil {
		a.bindTest = fn
	}
	return a
}

// Range returns the configured bounds.
func (a *Allocator) Range() (int, int) {
	return a.start, a.end
}

// Reservation holds a port until Release is called.
type Reservation struct {
	Port  int
	owner *Allocator
	once  *sync.Once
}

// Release returns the port to the pool of candidates. Safe to call more than once.
func (r Reservation) Release() {
	if r.owner == nil {
		return
	}
	r.once.Do(func() {
		r.owner.mu.Lock()
		delete(r.owner.inflight, r.Port)
		r.owner.mu.Unlock()
	})
}

// Reserve picks a port. preferred is reused when it is not excluded, not in
// flight and still bindable. Otherwise the range is scanned in ascending
// order. excluding holds ports recorded by other environments.
func (a *Allocator) Reserve(preferred int, excluding map[int]struct{}) (Reservation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred > 0 && a.availableLocked(preferred, excluding) {
		return a.holdLocked(preferred), nil
	}
	for port := a.start; port <= a.end; port++ {
		if port == preferred {
			continue
		}
		if a.availableLocked(port, excluding) {
			return a.holdLocked(port), nil
		}
	}
	return Reservation{}, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, a.start, a.end)
}

func (a *Allocator) availableLocked(port int, excluding map[int]struct{}) bool {
	if port < 1 || port > 65535 {
		return false
	}
	if _, used := excluding[port]; used {
		return false
	}
	if _, held := a.inflight[port]; held {
		return false
	}
	return a.bindTest(port)
}

func (a *Allocator) holdLocked(port int) Reservation {
	a.inflight[port] = struct{}{}
	return Reservation{Port: port, owner: a, once: &sync.Once{}}
}

// CanBind opens and immediately closes a TCP listener on every interface.
func CanBind(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("0.0.0.0", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
