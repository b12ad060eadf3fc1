package cluster

import "github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"

// Ledger counts service-level violations the scheduler attributes to
// itself, separate from the harness's own compliance figures.
type Ledger struct {
	counts     map[domain.SLAClass]map[domain.ViolationKind]uint64
	unplaced   uint64
	rejections uint64
	recent     []domain.Violation
	keep       int
}

// NewLedger returns a ledger that remembers the last keep violations.
func NewLedger(keep int) *Ledger {
	return &Ledger{
		counts: make(map[domain.SLAClass]map[domain.ViolationKind]uint64),
		keep:   keep,
	}
}

// Record notes a violation. Placement failures count as unplaced for every
// class but only tracked classes are counted as violations. It reports
// whether the violation was counted.
func (l *Ledger) Record(v domain.Violation) bool {
	if v.Kind != domain.ViolationRecovery {
		l.unplaced++
	}
	if !v.SLA.Tracked() {
		return false
	}
	byKind, ok := l.counts[v.SLA]
	if !ok {
		byKind = make(map[domain.ViolationKind]uint64)
		l.counts[v.SLA] = byKind
	}
	byKind[v.Kind]++

	if l.keep > 0 {
		if len(l.recent) == l.keep {
			l.recent = append(l.recent[:0], l.recent[1:]...)
		}
		l.recent = append(l.recent, v)
	}
	return true
}

// Reject notes an assignment the harness refused.
func (l *Ledger) Reject() {
	l.rejections++
}

// Count returns violations for a class and kind.
func (l *Ledger) Count(class domain.SLAClass, kind domain.ViolationKind) uint64 {
	return l.counts[class][kind]
}

// Total returns all counted violations.
func (l *Ledger) Total() uint64 {
	var n uint64
	for _, byKind := range l.counts {
		for _, c := range byKind {
			n += c
		}
	}
	return n
}

// ByKind sums violations per kind.
func (l *Ledger) ByKind() map[domain.ViolationKind]uint64 {
	out := make(map[domain.ViolationKind]uint64, len(domain.ViolationKinds))
	for _, k := range domain.ViolationKinds {
		out[k] = 0
	}
	for _, byKind := range l.counts {
		for k, c := range byKind {
			out[k] += c
		}
	}
	return out
}

// ByClass sums violations per class name.
func (l *Ledger) ByClass() map[string]uint64 {
	out := make(map[string]uint64, len(domain.SLAClasses))
	for _, class := range domain.SLAClasses {
		var n uint64
		for _, c := range l.counts[class] {
			n += c
		}
		out[class.String()] = n
	}
	return out
}

// Unplaced returns the number of tasks that could not be placed.
func (l *Ledger) Unplaced() uint64 { return l.unplaced }

// Rejections returns the number of refused assignments.
func (l *Ledger) Rejections() uint64 { return l.rejections }

// Recent returns the most recent counted violations, oldest first.
func (l *Ledger) Recent() []domain.Violation {
	return append([]domain.Violation(nil), l.recent...)
}
