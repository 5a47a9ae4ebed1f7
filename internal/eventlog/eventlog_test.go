package eventlog

import (
	"context"
	"testing"
	"time"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	l := New(100)
	e1 := l.Append(Event{Component: "registry", EventType: "agent_registered"})
	e2 := l.Append(Event{Component: "dispatch", EventType: "task_dispatched"})
	if e1.Seq != 1 || e2.Seq != 2 {
		t.Fatalf("want seq 1,2, got %d,%d", e1.Seq, e2.Seq)
	}
}

func TestSubscribeReceivesFutureEventsOnly(t *testing.T) {
	l := New(100)
	l.Append(Event{EventType: "before_subscribe"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, unsub := l.Subscribe(ctx, 4)
	defer unsub()

	l.Append(Event{EventType: "after_subscribe"})

	select {
	case ev := <-ch:
		if ev.EventType != "after_subscribe" {
			t.Fatalf("want after_subscribe, got %s", ev.EventType)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	l := New(100)
	ch, unsub := l.Subscribe(context.Background(), 1)
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("want closed channel after unsubscribe")
	}
}

func TestSinceReturnsOnlyNewerEvents(t *testing.T) {
	l := New(100)
	l.Append(Event{EventType: "a"})
	mid := l.Append(Event{EventType: "b"})
	l.Append(Event{EventType: "c"})

	got := l.Since(mid.Seq)
	if len(got) != 1 || got[0].EventType != "c" {
		t.Fatalf("want [c], got %+v", got)
	}
}

func TestRingBufferRespectsCapacity(t *testing.T) {
	l := New(2)
	l.Append(Event{EventType: "a"})
	l.Append(Event{EventType: "b"})
	l.Append(Event{EventType: "c"})

	got := l.Tail(10)
	if len(got) != 2 || got[0].EventType != "b" || got[1].EventType != "c" {
		t.Fatalf("want [b c], got %+v", got)
	}
}

type collectingSink struct {
	events []Event
}

func (s *collectingSink) Write(ev Event) {
	s.events = append(s.events, ev)
}

func TestAddSinkReceivesAppendedEvents(t *testing.T) {
	l := New(10)
	sink := &collectingSink{}
	l.AddSink(sink)

	l.Append(Event{EventType: "x"})
	l.Append(Event{EventType: "y"})

	if len(sink.events) != 2 {
		t.Fatalf("want 2 events delivered to sink, got %d", len(sink.events))
	}
}
