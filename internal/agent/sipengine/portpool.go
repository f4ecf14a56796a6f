package sipengine

import (
	"fmt"
	"sync"
)

// portPool hands out even RTP ports from a fixed range. Odd ports are
// left free for RTCP by convention even though the agent does not send
// RTCP.
type portPool struct {
	mu        sync.Mutex
	min, max  int
	available map[int]bool
}

func newPortPool(min, max int) *portPool {
	if min%2 != 0 {
		min++
	}
	available := make(map[int]bool)
	for port := min; port < max; port += 2 {
		available[port] = true
	}
	return &portPool{min: min, max: max, available: available}
}

// allocate removes and returns a free port.
func (p *portPool) allocate() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for port := range p.available {
		delete(p.available, port)
		return port, nil
	}
	return 0, fmt.Errorf("no RTP ports available in range %d-%d", p.min, p.max)
}

// release returns a port to the pool.
func (p *portPool) release(port int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if port >= p.min && port < p.max {
		p.available[port] = true
	}
}
