// Package events records the scheduler's decisions in order and fans them
// out to observers without ever blocking the event loop.
package events

import (
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/ApolloResearchHQ/cloudsim-eec/internal/domain"
)

// Kind names a decision type.
type Kind string

const (
	KindTaskPlaced         Kind = "task.placed"
	KindTaskDeferred       Kind = "task.deferred"
	KindTaskViolation      Kind = "task.violation"
	KindTaskDropped        Kind = "task.dropped"
	KindTaskMoved          Kind = "task.moved"
	KindTaskCompleted      Kind = "task.completed"
	KindMigrationRequested Kind = "vm.migration_requested"
	KindMigrationComplete  Kind = "vm.migrated"
	KindPowerRequested     Kind = "machine.power_requested"
	KindPowerChanged       Kind = "machine.power_changed"
	KindRelocationParked   Kind = "task.relocation_parked"
	KindRunFinished        Kind = "run.finished"
)

// Decision is one entry of the decision log.
type Decision struct {
	ID      string           `json:"id"`
	Seq     uint64           `json:"seq"`
	Time    domain.Time      `json:"time"`
	Kind    Kind             `json:"kind"`
	Task    domain.TaskID    `json:"task,omitempty"`
	VM      domain.VMID      `json:"vm,omitempty"`
	Machine domain.MachineID `json:"machine"`
	Target  domain.MachineID `json:"target,omitempty"`
	Detail  string           `json:"detail,omitempty"`
}

// Sink receives decisions. Publish must not block.
type Sink interface {
	Publish(d Decision)
}

// Log is the ordered decision log of one run. Its digest covers every
// field except the random ID, so two runs of the same input produce the
// same digest.
type Log struct {
	mu      sync.RWMutex
	seq     uint64
	digest  hash.Hash
	recent  []Decision
	keep    int
	counts  map[Kind]uint64
	sinks   []Sink
	scratch []byte
}

// NewLog returns a log that retains the last keep decisions in memory.
func NewLog(keep int, sinks ...Sink) *Log {
	h, err := blake2b.New256(nil)
	if err != nil {
		// Only fails for an oversized key.
		panic(err)
	}
	return &Log{
		digest: h,
		keep:   keep,
		counts: make(map[Kind]uint64),
		sinks:  sinks,
	}
}

// AddSink registers a sink for subsequent decisions.
func (l *Log) AddSink(s Sink) {
	l.mu.Lock()
	l.sinks = append(l.sinks, s)
	l.mu.Unlock()
}

// Record appends a decision, assigning its ID and sequence number.
func (l *Log) Record(d Decision) Decision {
	l.mu.Lock()
	l.seq++
	d.Seq = l.seq
	d.ID = uuid.NewString()
	l.hash(d)
	l.counts[d.Kind]++
	if l.keep > 0 {
		if len(l.recent) == l.keep {
			l.recent = append(l.recent[:0], l.recent[1:]...)
		}
		l.recent = append(l.recent, d)
	}
	sinks := l.sinks
	l.mu.Unlock()

	for _, s := range sinks {
		s.Publish(d)
	}
	return d
}

func (l *Log) hash(d Decision) {
	b := l.scratch[:0]
	b = binary.BigEndian.AppendUint64(b, d.Seq)
	b = binary.BigEndian.AppendUint64(b, uint64(d.Time))
	b = append(b, d.Kind...)
	b = append(b, 0)
	b = binary.BigEndian.AppendUint64(b, uint64(d.Task))
	b = binary.BigEndian.AppendUint32(b, uint32(d.VM))
	b = binary.BigEndian.AppendUint32(b, uint32(d.Machine))
	b = binary.BigEndian.AppendUint32(b, uint32(d.Target))
	b = append(b, d.Detail...)
	b = append(b, 0)
	l.digest.Write(b)
	l.scratch = b
}

// Digest returns the hex blake2b-256 digest of the log so far.
func (l *Log) Digest() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return hex.EncodeToString(l.digest.Sum(nil))
}

// Len returns the number of decisions recorded.
func (l *Log) Len() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.seq
}

// Count returns the number of decisions of a kind.
func (l *Log) Count(k Kind) uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.counts[k]
}

// Recent returns the retained decisions, oldest first.
func (l *Log) Recent() []Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Decision(nil), l.recent...)
}
