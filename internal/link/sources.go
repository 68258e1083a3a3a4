package link

// sourceSet is an append-only set of sender addresses in first-seen order.
// Address 0 is reserved and never stored.
type sourceSet struct {
	seen  [256]bool
	order []byte
}

func (s *sourceSet) add(addr byte) bool {
	if addr == 0 || s.seen[addr] {
		return false
	}
	s.seen[addr] = true
	s.order = append(s.order, addr)
	return true
}

// Sources returns the learned addresses in the order first seen.
func (l *Link) Sources() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]byte, len(l.sources.order))
	copy(out, l.sources.order)
	return out
}

func (l *Link) HasSource(addr byte) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sources.seen[addr]
}
