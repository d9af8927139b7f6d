package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNotifyWakesAllWaiters(t *testing.T) {
	n := NewNotifier()

	a := n.Wait("run-1")
	b := n.Wait("run-1")
	other := n.Wait("run-2")

	n.Notify("run-1")

	for _, ch := range []<-chan struct{}{a, b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("waiter not woken")
		}
	}

	select {
	case <-other:
		t.Fatal("unrelated run was woken")
	default:
	}
}

func TestWaitAfterNotifyBlocksUntilNextNotify(t *testing.T) {
	n := NewNotifier()
	first := n.Wait("run-1")
	n.Notify("run-1")
	<-first

	// A fresh generation: the old close must not leak into the new channel.
	second := n.Wait("run-1")
	select {
	case <-second:
		t.Fatal("new generation channel already closed")
	default:
	}

	n.Notify("run-1")
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second waiter not woken")
	}
}

func TestNotifyWithoutWaitersIsNoop(t *testing.T) {
	n := NewNotifier()
	n.Notify("run-unknown")
	n.Drop("run-unknown")

	ch := n.Wait("run-1")
	n.Drop("run-1")
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("drop did not wake the waiter")
	}
	assert.NotNil(t, ch)
}
