package lifecycle

import (
	"testing"
	"time"
)

func TestRequestShutdownWakesWaiters(t *testing.T) {
	l := New()
	if l.ShuttingDown() {
		t.Fatal("new LifeCycle should not be shutting down")
	}

	woke := make(chan struct{})
	go func() {
		<-l.Done()
		close(woke)
	}()

	l.RequestShutdown()

	select {
	case <-woke:
	case <-time.After(time.Second):
		t.Fatal("waiter was not woken within 1s")
	}
	if !l.ShuttingDown() {
		t.Fatal("ShuttingDown should be true after RequestShutdown")
	}
}

func TestRequestShutdownIdempotent(t *testing.T) {
	l := New()
	l.RequestShutdown()
	l.RequestShutdown()
	select {
	case <-l.Done():
	default:
		t.Fatal("Done channel should be closed")
	}
}
