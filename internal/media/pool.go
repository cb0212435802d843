package media

import (
	"sync"
)

// Selector picks the router for a room that has none assigned yet
type Selector func(roomID string, routers []Router) Router

// RoundRobin assigns rooms to routers in turn
func RoundRobin() Selector {
	var (
		lock sync.Mutex
		next int
	)
	return func(_ string, routers []Router) Router {
		lock.Lock()
		defer lock.Unlock()

		r := routers[next%len(routers)]
		next++
		return r
	}
}

// Pool pins every room to one router of the engine. A room keeps its router
// until it is released, so every transport of the room lives on one router.
type Pool struct {
	routers  []Router
	selector Selector

	lock     sync.Mutex
	assigned map[string]Router
}

func NewPool(engine Engine, selector Selector) (*Pool, error) {
	routers := engine.Routers()
	if len(routers) == 0 {
		return nil, ErrNoRouters
	}
	if selector == nil {
		selector = RoundRobin()
	}

	return &Pool{
		routers:  routers,
		selector: selector,
		assigned: make(map[string]Router),
	}, nil
}

// Pick returns the router of the room, assigning one on first use. An empty
// room id maps to the first router.
func (p *Pool) Pick(roomID string) Router {
	if roomID == "" {
		return p.routers[0]
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if r, ok := p.assigned[roomID]; ok {
		return r
	}

	r := p.selector(roomID, p.routers)
	p.assigned[roomID] = r

	return r
}

func (p *Pool) Release(roomID string) {
	p.lock.Lock()
	delete(p.assigned, roomID)
	p.lock.Unlock()
}

// Assigned reports the number of rooms pinned to each router id
func (p *Pool) Assigned() map[string]int {
	p.lock.Lock()
	defer p.lock.Unlock()

	out := make(map[string]int, len(p.routers))
	for _, r := range p.routers {
		out[r.ID()] = 0
	}
	for _, r := range p.assigned {
		out[r.ID()]++
	}
	return out
}
