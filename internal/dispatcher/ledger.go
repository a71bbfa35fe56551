package dispatcher

// creditLedger meters one client's delivery budget. The in-memory
// balance is a cache; the authoritative value is reconciled to the
// store when the session closes. A non-positive limit means unmetered.
type creditLedger struct {
	limit   int64
	balance int64
}

func newCreditLedger(limit int64) creditLedger {
	return creditLedger{limit: limit, balance: limit}
}

// consume charges one delivery. Returns true when the budget is now
// exhausted. The balance never goes below zero.
func (l *creditLedger) consume() (exhausted bool) {
	if l.limit <= 0 {
		return false
	}
	if l.balance > 0 {
		l.balance--
	}
	return l.balance == 0
}

// used reports credits consumed so far.
func (l *creditLedger) used() int64 {
	if l.limit <= 0 {
		return 0
	}
	return l.limit - l.balance
}

// drained reports whether the budget is spent.
func (l *creditLedger) drained() bool {
	return l.limit > 0 && l.balance == 0
}
