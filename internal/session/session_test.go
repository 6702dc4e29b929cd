package session

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"bidid/internal/protocol"
)

func TestSession_OverflowClosesSession(t *testing.T) {
	sess := New(zaptest.NewLogger(t))

	for i := 0; i < outboundDepth; i++ {
		sess.SendResult(int64(i), "", protocol.EmptyResult{})
	}

	// The queue is full and nobody drains it. Enqueueing runs on publisher
	// goroutines that may hold the tree lock, so it must never block; the
	// session gives up on the slow client instead.
	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.SendResult(int64(outboundDepth), "", protocol.EmptyResult{})
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("send blocked on a full outbound queue")
	}

	select {
	case <-sess.Closed():
	default:
		t.Fatal("session stayed open after overflow")
	}

	// Late sends against the closed session are dropped, not blocked.
	sess.SendError(nil, "", protocol.InvalidArgument("late"))
}
