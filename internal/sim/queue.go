package sim

import (
	"container/heap"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

type eventKind int

const (
	evArrival eventKind = iota
	evCompletion
	evPowerDone
	evMigrationDone
	evRisk
	evOverflow
	evTick
)

func (k eventKind) String() string {
	switch k {
	case evArrival:
		return "arrival"
	case evCompletion:
		return "completion"
	case evPowerDone:
		return "power_done"
	case evMigrationDone:
		return "migration_done"
	case evRisk:
		return "risk"
	case evOverflow:
		return "overflow"
	default:
		return "tick"
	}
}

// event is one scheduled occurrence. gen guards against events made stale
// by a later change to the same task, machine or VM.
type event struct {
	at      domain.Time
	seq     uint64
	kind    eventKind
	task    domain.TaskID
	machine domain.MachineID
	vm      domain.VMID
	gen     uint64
}

// eventQueue orders events by time, then by insertion order.
type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].at != q[j].at {
		return q[i].at < q[j].at
	}
	return q[i].seq < q[j].seq
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return e
}

type scheduleQueue struct {
	q       eventQueue
	seq     uint64
	nonTick int
}

func (s *scheduleQueue) push(e *event) {
	s.seq++
	e.seq = s.seq
	if e.kind != evTick {
		s.nonTick++
	}
	heap.Push(&s.q, e)
}

func (s *scheduleQueue) pop() (*event, bool) {
	if len(s.q) == 0 {
		return nil, false
	}
	e := heap.Pop(&s.q).(*event)
	if e.kind != evTick {
		s.nonTick--
	}
	return e, true
}

func (s *scheduleQueue) len() int { return len(s.q) }
