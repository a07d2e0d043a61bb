package connector

import (
	"sync"

	"github.com/openmined/deskbridge/internal/bridgemsg"
)

// pendingTable holds the waiters for correlated responses of one session.
type pendingTable struct {
	mu      sync.Mutex
	waiters map[string]chan *bridgemsg.Message
	failed  bool
}

func newPendingTable() *pendingTable {
	return &pendingTable{waiters: make(map[string]chan *bridgemsg.Message)}
}

// register must happen before the request is written so a fast reply
// cannot overtake it.
func (p *pendingTable) register(id string) (<-chan *bridgemsg.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failed {
		return nil, ErrConnectionLost
	}
	ch := make(chan *bridgemsg.Message, 1)
	p.waiters[id] = ch
	return ch, nil
}

// resolve hands msg to the waiter registered under its correlation id.
func (p *pendingTable) resolve(msg *bridgemsg.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.waiters[msg.CorrelationID]
	if !ok {
		return false
	}
	delete(p.waiters, msg.CorrelationID)
	ch <- msg
	return true
}

func (p *pendingTable) forget(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiters, id)
}

// failAll wakes every waiter with a closed channel.
func (p *pendingTable) failAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failed = true
	for id, ch := range p.waiters {
		close(ch)
		delete(p.waiters, id)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiters)
}
