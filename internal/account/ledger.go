package account

// Ledger is a bounded insert-once set used to deduplicate irreversible
// side actions (unwanted-position closes, margin corrections). The entry
// is inserted before the action runs, so a crash mid-action errs on the
// side of not repeating it. Oldest keys are evicted FIFO at capacity.
//
// Owned by one account's worker; not safe for concurrent use.
type Ledger struct {
	keys  map[string]struct{}
	order []string
	cap   int
}

// NewLedger returns a ledger bounded at capacity.
func NewLedger(capacity int) *Ledger {
	if capacity <= 0 {
		capacity = 512
	}
	return &Ledger{
		keys: make(map[string]struct{}, capacity),
		cap:  capacity,
	}
}

// Insert records key and reports whether it was new. A false return means
// the action was already performed (or is in flight) and must be skipped.
func (l *Ledger) Insert(key string) bool {
	if _, ok := l.keys[key]; ok {
		return false
	}
	if len(l.order) >= l.cap {
		oldest := l.order[0]
		l.order = l.order[1:]
		delete(l.keys, oldest)
	}
	l.keys[key] = struct{}{}
	l.order = append(l.order, key)
	return true
}

// Contains reports whether key has been recorded.
func (l *Ledger) Contains(key string) bool {
	_, ok := l.keys[key]
	return ok
}

// Remove forgets key, re-arming the action (used when a scheduled task is
// cancelled before it ran).
func (l *Ledger) Remove(key string) {
	if _, ok := l.keys[key]; !ok {
		return
	}
	delete(l.keys, key)
	for i, k := range l.order {
		if k == key {
			l.order = append(l.order[:i], l.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of recorded keys.
func (l *Ledger) Len() int { return len(l.keys) }
