package events

import (
	"sort"
	"sync"
	"time"
)

// Record is a logged event with its sequence number. Records are what
// subscribers receive from the bus.
type Record struct {
	Seq       uint64    `json:"seq"`
	Type      string    `json:"type"`
	Task      string    `json:"task_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Event     Event     `json:"event"`
}

func (r Record) EventType() string { return r.Type }
func (r Record) TaskID() string    { return r.Task }

type sequenced interface {
	withSeq(seq uint64) Event
}

// DefaultRetention is how many records a Log keeps unless told otherwise.
const DefaultRetention = 10000

// Log is an append-only, in-memory event log with monotonically increasing
// sequence numbers. Every appended event is published on the bus. Only the
// most recent records are kept for replay; the durable history lives in the
// store.
type Log struct {
	mu      sync.Mutex
	records []Record
	seq     uint64
	retain  int
	bus     *Bus
	now     func() time.Time
}

// LogOption configures a Log.
type LogOption func(*Log)

// WithRetention keeps at most n records. n <= 0 keeps everything.
func WithRetention(n int) LogOption {
	return func(l *Log) { l.retain = n }
}

// NewLog creates a log that publishes to bus. A nil bus disables publishing.
func NewLog(bus *Bus, opts ...LogOption) *Log {
	l := &Log{bus: bus, retain: DefaultRetention, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append assigns the next sequence number to e, stores it and publishes it.
func (l *Log) Append(e Event) Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	if s, ok := e.(sequenced); ok {
		e = s.withSeq(l.seq)
	}
	r := Record{
		Seq:       l.seq,
		Type:      e.EventType(),
		Task:      e.TaskID(),
		Timestamp: l.now(),
		Event:     e,
	}
	l.records = append(l.records, r)
	if l.retain > 0 && len(l.records) > l.retain {
		l.records[0] = Record{}
		l.records = l.records[1:]
	}

	// Publishing under the lock keeps subscribers in sequence order
	if l.bus != nil {
		l.bus.Publish(TopicOf(e), r)
	}
	return r
}

// Since returns every retained record with a sequence number greater than
// after.
func (l *Log) Since(after uint64) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := sort.Search(len(l.records), func(i int) bool { return l.records[i].Seq > after })
	return append([]Record(nil), l.records[i:]...)
}

// ForTask returns the records of one task in sequence order.
func (l *Log) ForTask(taskID string) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Record
	for _, r := range l.records {
		if r.Task == taskID {
			out = append(out, r)
		}
	}
	return out
}

// LastSeq returns the most recently assigned sequence number.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Resume continues numbering after seq, for logs rebuilt after a restart.
func (l *Log) Resume(seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if seq > l.seq {
		l.seq = seq
	}
}
