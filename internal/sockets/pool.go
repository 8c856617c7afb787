package sockets

import (
	"sync"
)

// SocketPool tracks live sockets by id so they can be closed at shutdown.
type SocketPool struct {
	mutex   sync.Mutex
	sockets map[SocketID]*Socket
}

func NewSocketPool() *SocketPool {
	return &SocketPool{
		sockets: make(map[SocketID]*Socket),
	}
}

// AddSocket stores soc, closing any previous socket with the same id.
func (p *SocketPool) AddSocket(soc *Socket) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if old, contains := p.sockets[soc.ID()]; contains && old != soc {
		_ = old.Close()
	}
	p.sockets[soc.ID()] = soc
}

func (p *SocketPool) GetSocket(id SocketID) *Socket {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.sockets[id]
}

// RemoveSocket closes and forgets soc if it is still the one stored under its id.
func (p *SocketPool) RemoveSocket(soc *Socket) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if current, contains := p.sockets[soc.ID()]; contains && current == soc {
		delete(p.sockets, soc.ID())
	}
	_ = soc.Close()
}

func (p *SocketPool) Len() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.sockets)
}

func (p *SocketPool) Close() {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	for id, soc := range p.sockets {
		_ = soc.Close()
		delete(p.sockets, id)
	}
}
