package sandbox

import (
	"fmt"
	"net"
	"sync"
)

// portPool hands out distinct loopback ports from [min, max].
type portPool struct {
	mu     sync.Mutex
	min    int
	max    int
	next   int
	inUse  map[int]bool
	isFree func(port int) bool
}

func newPortPool(min, max int) (*portPool, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &portPool{
		min:    min,
		max:    max,
		next:   min,
		inUse:  make(map[int]bool),
		isFree: portBindable,
	}, nil
}

// acquire scans round-robin from the last handed-out port, skipping ports
// some other process already holds.
func (p *portPool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := p.max - p.min + 1
	for i := 0; i < size; i++ {
		port := p.min + (p.next-p.min+i)%size
		if p.inUse[port] || !p.isFree(port) {
			continue
		}
		p.inUse[port] = true
		p.next = port + 1
		if p.next > p.max {
			p.next = p.min
		}
		return port, nil
	}
	return 0, ErrPortExhausted
}

func (p *portPool) release(port int) {
	if port == 0 {
		return
	}
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}

func (p *portPool) inUseCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inUse)
}

func portBindable(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}
