package link

// Totals are the raw per-link counters.
type Totals struct {
	Received uint64
	Sent     uint64
	Errored  uint64
	Dropped  uint64
	Filtered uint64
}

// Statistics are the counters as reported on the wire, each mod 256.
type Statistics struct {
	Received byte
	Sent     byte
	Errored  byte
	Dropped  byte
	Filtered byte
}

func (l *Link) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

func (l *Link) Statistics() Statistics {
	t := l.Totals()
	return Statistics{
		Received: byte(t.Received),
		Sent:     byte(t.Sent),
		Errored:  byte(t.Errored),
		Dropped:  byte(t.Dropped),
		Filtered: byte(t.Filtered),
	}
}
