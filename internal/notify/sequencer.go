// Package notify delivers observer callbacks in the order the changes were
// made without holding the producer's lock while callbacks run or wait.
package notify

import "sync"

// Sequencer orders deliveries by ticket. Take a ticket while holding the
// lock that serializes the change, release that lock, then Deliver. Every
// ticket must be delivered, or later ones wait forever. The zero value is
// ready to use.
type Sequencer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	issued uint64
	served uint64
}

// Ticket reserves the next delivery slot.
func (s *Sequencer) Ticket() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.issued
	s.issued++
	return t
}

// Deliver waits until every earlier ticket has been delivered and then runs
// fn. fn runs with no lock held; it must not produce a change on the same
// sequencer and wait for its delivery.
func (s *Sequencer) Deliver(ticket uint64, fn func()) {
	s.mu.Lock()
	if s.cond == nil {
		s.cond = sync.NewCond(&s.mu)
	}
	for s.served != ticket {
		s.cond.Wait()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.served++
		s.cond.Broadcast()
		s.mu.Unlock()
	}()
	fn()
}
