package jobs

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// backlogSize is how many recent lines a running compile keeps for
	// subscribers that join late.
	backlogSize = 512

	// liveBufferSize is the room each subscriber has for lines published
	// after it joined. Lines beyond it are dropped for that subscriber.
	liveBufferSize = 256

	// markerRetention is how long a finished compile's closed marker is kept.
	// It only has to cover a subscriber that checked the compile's status just
	// before it finished; later ones see the terminal status in the store.
	markerRetention = time.Minute
)

// FromStart asks Subscribe to replay the whole backlog.
const FromStart = -1

var progressLinesDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "busytex_progress_lines_dropped_total",
		Help: "Progress lines not delivered to a slow live subscriber.",
	},
)

func init() {
	prometheus.MustRegister(progressLinesDropped)
}

// ProgressLine is one engine progress line of a compile. Seq counts from 0
// within the compile and matches the persisted log history.
type ProgressLine struct {
	Seq  int
	Text string
}

// LogBroker fans out the progress lines of running compiles. A subscriber
// first receives the retained backlog, then live lines, and its channel is
// closed when the compile finishes. It is safe for concurrent use.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
	now    func() time.Time
}

type progressTopic struct {
	backlog []ProgressLine
	subs    map[int]chan ProgressLine
	nextSub int
	// finished topics stay as markers for markerRetention so late
	// subscribers see a closed channel; their backlog is released since the
	// store holds the history.
	finished   bool
	finishedAt time.Time
}

// NewLogBroker creates an empty broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{topics: make(map[string]*progressTopic), now: time.Now}
}

func (b *LogBroker) topic(compileID string) *progressTopic {
	t, ok := b.topics[compileID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan ProgressLine)}
		b.topics[compileID] = t
	}
	return t
}

// Subscribe returns the progress of compileID starting after sequence number
// after (FromStart for everything retained), and an unsubscribe function.
// The channel is closed when the compile finishes, or at once if it already
// has.
func (b *LogBroker) Subscribe(compileID string, after int) (<-chan ProgressLine, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(compileID)

	var replay []ProgressLine
	for _, l := range t.backlog {
		if l.Seq > after {
			replay = append(replay, l)
		}
	}

	ch := make(chan ProgressLine, len(replay)+liveBufferSize)
	for _, l := range replay {
		ch <- l
	}
	if t.finished {
		close(ch)
		return ch, func() {}
	}

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish records line in the backlog of compileID and sends it to every
// live subscriber. Lines for a finished compile are ignored.
func (b *LogBroker) Publish(compileID string, line ProgressLine) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(compileID)
	if t.finished {
		return
	}

	t.backlog = append(t.backlog, line)
	if n := len(t.backlog); n > backlogSize {
		t.backlog = append(t.backlog[:0:0], t.backlog[n-backlogSize:]...)
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			progressLinesDropped.Inc()
		}
	}
}

// Close marks compileID finished and closes every subscriber channel.
func (b *LogBroker) Close(compileID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.evictMarkers(now)

	t := b.topic(compileID)
	t.finished = true
	t.finishedAt = now
	t.backlog = nil
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// evictMarkers drops finished topics older than markerRetention.
func (b *LogBroker) evictMarkers(now time.Time) {
	for id, t := range b.topics {
		if t.finished && now.Sub(t.finishedAt) > markerRetention {
			delete(b.topics, id)
		}
	}
}
