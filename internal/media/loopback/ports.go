package loopback

import (
	"errors"
	"sync"
)

var errNoFreePorts = errors.New("no free ports")

// PortsAllocator hands out rtc ports from [rangeStart, rangeEnd), lowest first
type PortsAllocator struct {
	sync.Mutex
	start uint16
	used  []bool
}

func NewPortsAllocator(rangeStart, rangeEnd uint16) *PortsAllocator {
	return &PortsAllocator{
		start: rangeStart,
		used:  make([]bool, int(rangeEnd)-int(rangeStart)),
	}
}

func (p *PortsAllocator) Allocate() (uint16, error) {
	p.Lock()
	defer p.Unlock()

	for i, allocated := range p.used {
		if !allocated {
			p.used[i] = true
			return p.start + uint16(i), nil
		}
	}

	return 0, errNoFreePorts
}

func (p *PortsAllocator) Deallocate(port uint16) {
	p.Lock()
	defer p.Unlock()

	i := int(port) - int(p.start)
	if i >= 0 && i < len(p.used) {
		p.used[i] = false
	}
}

func (p *PortsAllocator) InUse() int {
	p.Lock()
	defer p.Unlock()

	n := 0
	for _, allocated := range p.used {
		if allocated {
			n++
		}
	}
	return n
}
