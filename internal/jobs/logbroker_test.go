package jobs

import (
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func drain(ch <-chan ProgressLine) []ProgressLine {
	var got []ProgressLine
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func publishAll(b *LogBroker, compileID string, texts ...string) {
	for i, text := range texts {
		b.Publish(compileID, ProgressLine{Seq: i, Text: text})
	}
}

func texts(lines []ProgressLine) []string {
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

func TestLogBrokerDeliversInOrderToEverySubscriber(t *testing.T) {
	b := NewLogBroker()
	ch1, unsub1 := b.Subscribe("c1", FromStart)
	defer unsub1()
	ch2, unsub2 := b.Subscribe("c1", FromStart)
	defer unsub2()

	want := []string{"$ busytex pdftex main.tex", "$ busytex bibtex8 --8bit main.aux", "$ busytex pdftex main.tex"}
	publishAll(b, "c1", want...)
	b.Close("c1")

	for i, got := range [][]ProgressLine{drain(ch1), drain(ch2)} {
		if fmt.Sprint(texts(got)) != fmt.Sprint(want) {
			t.Errorf("subscriber %d got %q, want %q", i, texts(got), want)
		}
		for j, l := range got {
			if l.Seq != j {
				t.Errorf("subscriber %d line[%d].Seq = %d", i, j, l.Seq)
			}
		}
	}
}

func TestLogBrokerTopicsAreSeparate(t *testing.T) {
	b := NewLogBroker()
	ch1, unsub1 := b.Subscribe("c1", FromStart)
	defer unsub1()
	ch2, unsub2 := b.Subscribe("c2", FromStart)
	defer unsub2()

	publishAll(b, "c1", "for c1")
	publishAll(b, "c2", "for c2")
	b.Close("c1")
	b.Close("c2")

	if got := texts(drain(ch1)); len(got) != 1 || got[0] != "for c1" {
		t.Errorf("c1 got %q", got)
	}
	if got := texts(drain(ch2)); len(got) != 1 || got[0] != "for c2" {
		t.Errorf("c2 got %q", got)
	}
}

func TestLogBrokerReplaysBacklogToLateSubscriber(t *testing.T) {
	b := NewLogBroker()
	publishAll(b, "c1", "(./main.tex", "[1]")

	ch, unsub := b.Subscribe("c1", FromStart)
	defer unsub()
	b.Publish("c1", ProgressLine{Seq: 2, Text: "Output written on main.pdf"})
	b.Close("c1")

	want := "[(./main.tex [1] Output written on main.pdf]"
	if got := fmt.Sprint(texts(drain(ch))); got != want {
		t.Errorf("got %s, want %s", got, want)
	}
}

func TestLogBrokerResumesAfterSeq(t *testing.T) {
	b := NewLogBroker()
	publishAll(b, "c1", "a", "b", "c", "d")

	ch, unsub := b.Subscribe("c1", 1)
	defer unsub()
	b.Close("c1")

	got := drain(ch)
	if len(got) != 2 || got[0].Seq != 2 || got[1].Seq != 3 {
		t.Errorf("got %+v, want seq 2 and 3", got)
	}
}

func TestLogBrokerBacklogIsBounded(t *testing.T) {
	b := NewLogBroker()
	for i := range backlogSize + 100 {
		b.Publish("c1", ProgressLine{Seq: i, Text: fmt.Sprintf("line %d", i)})
	}

	ch, unsub := b.Subscribe("c1", FromStart)
	defer unsub()
	b.Close("c1")

	got := drain(ch)
	if len(got) != backlogSize {
		t.Fatalf("replayed %d lines, want %d", len(got), backlogSize)
	}
	if got[0].Seq != 100 {
		t.Errorf("oldest replayed seq = %d, want 100", got[0].Seq)
	}
}

func TestLogBrokerFinishedCompileGetsClosedChannel(t *testing.T) {
	b := NewLogBroker()
	publishAll(b, "c1", "early")
	b.Close("c1")

	ch, unsub := b.Subscribe("c1", FromStart)
	defer unsub()

	if l, ok := <-ch; ok {
		t.Errorf("got %+v after Close, want a closed channel", l)
	}
}

func TestLogBrokerCloseUnknownCompile(t *testing.T) {
	b := NewLogBroker()
	b.Close("nonexistent")
	b.Publish("nonexistent", ProgressLine{Seq: 0, Text: "after close"})

	ch, _ := b.Subscribe("nonexistent", FromStart)
	if _, ok := <-ch; ok {
		t.Error("Close before any subscriber should still mark the compile finished")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("c1", FromStart)
	unsub()

	publishAll(b, "c1", "after unsub")
	b.Close("c1")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got line %+v after unsubscribe", l)
		}
	default:
	}
}

func TestLogBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("c1", FromStart)
	defer unsub()

	before := testutil.ToFloat64(progressLinesDropped)

	// Nobody reads while far more lines than the buffer holds are published.
	const total = 2000
	for i := range total {
		b.Publish("c1", ProgressLine{Seq: i, Text: fmt.Sprintf("line %d", i)})
	}
	b.Close("c1")

	got := drain(ch)
	if len(got) != liveBufferSize {
		t.Fatalf("got %d lines, want %d", len(got), liveBufferSize)
	}
	if got[0].Seq != 0 {
		t.Errorf("first seq = %d, want 0", got[0].Seq)
	}
	if dropped := testutil.ToFloat64(progressLinesDropped) - before; dropped != total-liveBufferSize {
		t.Errorf("dropped metric grew by %v, want %d", dropped, total-liveBufferSize)
	}
}

func TestLogBrokerEvictsOldFinishedMarkers(t *testing.T) {
	b := NewLogBroker()
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	for i := range 100 {
		id := fmt.Sprintf("old-%d", i)
		publishAll(b, id, "line")
		b.Close(id)
	}
	running, unsub := b.Subscribe("running", FromStart)
	defer unsub()

	clock = clock.Add(markerRetention + time.Second)
	b.Close("fresh")

	b.mu.Lock()
	n := len(b.topics)
	_, freshKept := b.topics["fresh"]
	_, runningKept := b.topics["running"]
	b.mu.Unlock()

	if n != 2 || !freshKept || !runningKept {
		t.Errorf("topics = %d (fresh kept %v, running kept %v), want only fresh and running", n, freshKept, runningKept)
	}

	// The running compile still delivers.
	b.Publish("running", ProgressLine{Seq: 0, Text: "still here"})
	b.Close("running")
	if got := texts(drain(running)); len(got) != 1 || got[0] != "still here" {
		t.Errorf("running got %q", got)
	}
}
