package broadcast

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recv(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case m, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
	return Message{}
}

func TestLocalFanOut(t *testing.T) {
	l := NewLocal()
	defer l.Close()
	ctx := context.Background()

	a, cancelA, err := l.Subscribe(ctx, "videocall-A1")
	if err != nil {
		t.Fatal(err)
	}
	defer cancelA()
	b, cancelB, _ := l.Subscribe(ctx, "videocall-A1")
	defer cancelB()
	other, cancelOther, _ := l.Subscribe(ctx, "videocall-B2")
	defer cancelOther()

	msg, err := NewCallEnded("videocall-A1", "doc-A1", "doctor")
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Publish(ctx, "videocall-A1", msg); err != nil {
		t.Fatal(err)
	}

	for _, ch := range []<-chan Message{a, b} {
		got := recv(t, ch)
		if got.Channel != "videocall-A1" || got.From != "doc-A1" {
			t.Fatalf("got %+v", got)
		}
		ce, ok := DecodeCallEnded(got)
		if !ok || ce.EndedBy != "doctor" {
			t.Fatalf("decode: %+v %v", ce, ok)
		}
	}
	select {
	case m := <-other:
		t.Fatalf("unrelated channel got %+v", m)
	default:
	}
}

func TestLocalCancel(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	ch, cancel, err := l.Subscribe(context.Background(), "c")
	if err != nil {
		t.Fatal(err)
	}
	if n := l.Subscribers("c"); n != 1 {
		t.Fatalf("subscribers = %d", n)
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if n := l.Subscribers("c"); n != 0 {
		t.Fatalf("subscribers after cancel = %d", n)
	}
	if len(l.Channels()) != 0 {
		t.Fatalf("channels = %v", l.Channels())
	}
}

func TestLocalContextCancel(t *testing.T) {
	l := NewLocal()
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _, err := l.Subscribe(ctx, "c")
	if err != nil {
		t.Fatal(err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription not closed by context")
	}
}

func TestLocalClosed(t *testing.T) {
	l := NewLocal()
	ch, _, _ := l.Subscribe(context.Background(), "c")
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if err := l.Publish(context.Background(), "c", Message{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if _, _, err := l.Subscribe(context.Background(), "c"); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
}

func TestDecodeCallEndedRejectsOtherTypes(t *testing.T) {
	cases := []string{`{"type":"share-file"}`, `not json`, `{}`}
	for _, c := range cases {
		if _, ok := DecodeCallEnded(Message{Data: []byte(c)}); ok {
			t.Errorf("%s decoded as call-ended", c)
		}
	}
}
