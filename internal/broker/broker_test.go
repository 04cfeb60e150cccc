package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatrelay/chatrelay/internal/protocol"
)

var testCodec = protocol.NewCodec(0)

func startBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b := New(opts)
	go b.Run()
	t.Cleanup(func() {
		_ = b.Shutdown(time.Second)
	})
	return b
}

// nextEnvelope waits for the next frame on out and decodes it.
func nextEnvelope(t *testing.T, out *Outbox) protocol.Envelope {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if payload, ok := out.Pop(); ok {
			env, err := testCodec.Decode(payload)
			require.NoError(t, err)
			return env
		}
		select {
		case <-out.Wake():
		case <-out.Done():
			if payload, ok := out.Pop(); ok {
				env, err := testCodec.Decode(payload)
				require.NoError(t, err)
				return env
			}
			t.Fatal("outbox closed before a frame arrived")
		case <-deadline:
			t.Fatal("timed out waiting for a frame")
		}
	}
}

func expectNoEnvelope(t *testing.T, out *Outbox, wait time.Duration) {
	t.Helper()
	time.Sleep(wait)
	if payload, ok := out.Pop(); ok {
		t.Fatalf("unexpected frame: %s", payload)
	}
}

func expectClosed(t *testing.T, out *Outbox) {
	t.Helper()
	select {
	case <-out.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("outbox was not closed")
	}
}

func join(t *testing.T, b *Broker, username string) (ConnectionID, *Outbox) {
	t.Helper()
	id, out := b.Attach()
	b.Deliver(id, protocol.Join(username))
	return id, out
}

func TestBrokerJoinBroadcastsRoster(t *testing.T) {
	b := startBroker(t, Options{})

	_, aliceOut := join(t, b, "alice")
	assert.Equal(t, protocol.Roster([]string{"alice"}), nextEnvelope(t, aliceOut))

	_, bobOut := join(t, b, "bob")
	assert.Equal(t, protocol.Roster([]string{"alice", "bob"}), nextEnvelope(t, aliceOut))
	assert.Equal(t, protocol.Roster([]string{"alice", "bob"}), nextEnvelope(t, bobOut))
}

func TestBrokerChatEchoesToAllIncludingSender(t *testing.T) {
	b := startBroker(t, Options{})

	aliceID, aliceOut := join(t, b, "alice")
	_, bobOut := join(t, b, "bob")

	// Drain the join rosters.
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, bobOut)

	b.Deliver(aliceID, protocol.Chat("", "hi"))

	want := protocol.Chat("alice", "hi")
	assert.Equal(t, want, nextEnvelope(t, aliceOut), "sender receives its own chat")
	assert.Equal(t, want, nextEnvelope(t, bobOut))
}

func TestBrokerChatBeforeJoinClosesConnection(t *testing.T) {
	b := startBroker(t, Options{})

	_, aliceOut := join(t, b, "alice")
	nextEnvelope(t, aliceOut)

	id, out := b.Attach()
	b.Deliver(id, protocol.Chat("", "sneaky"))

	expectClosed(t, out)
	expectNoEnvelope(t, aliceOut, 50*time.Millisecond)
}

func TestBrokerDetachIdempotent(t *testing.T) {
	b := startBroker(t, Options{})

	_, aliceOut := join(t, b, "alice")
	bobID, bobOut := join(t, b, "bob")
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, bobOut)

	b.Detach(bobID)
	b.Detach(bobID)

	expectClosed(t, bobOut)
	assert.Equal(t, protocol.Roster([]string{"alice"}), nextEnvelope(t, aliceOut))
	expectNoEnvelope(t, aliceOut, 50*time.Millisecond)
}

func TestBrokerLeaveClosesConnection(t *testing.T) {
	b := startBroker(t, Options{})

	aliceID, aliceOut := join(t, b, "alice")
	nextEnvelope(t, aliceOut)

	b.Deliver(aliceID, protocol.Leave())
	expectClosed(t, aliceOut)
}

func TestBrokerRejectsProtocolViolations(t *testing.T) {
	tests := []struct {
		name string
		env  protocol.Envelope
	}{
		{name: "client-sent roster", env: protocol.Roster([]string{"x"})},
		{name: "duplicate join", env: protocol.Join("alice-again")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := startBroker(t, Options{})

			aliceID, aliceOut := join(t, b, "alice")
			nextEnvelope(t, aliceOut)

			b.Deliver(aliceID, tt.env)
			expectClosed(t, aliceOut)
		})
	}
}

func TestBrokerBroadcastOrdering(t *testing.T) {
	const messages = 50

	b := startBroker(t, Options{QueueSize: messages + 8})

	aliceID, aliceOut := join(t, b, "alice")
	_, bobOut := join(t, b, "bob")
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, bobOut)

	for i := 0; i < messages; i++ {
		b.Deliver(aliceID, protocol.Chat("", fmt.Sprintf("msg-%d", i)))
	}

	for i := 0; i < messages; i++ {
		want := protocol.Chat("alice", fmt.Sprintf("msg-%d", i))
		assert.Equal(t, want, nextEnvelope(t, aliceOut))
		assert.Equal(t, want, nextEnvelope(t, bobOut))
	}
}

func TestBrokerDisconnectsSlowConsumer(t *testing.T) {
	b := startBroker(t, Options{QueueSize: 2})

	aliceID, aliceOut := join(t, b, "alice")
	_, bobOut := join(t, b, "bob")

	// Drain alice but leave bob's queue untouched: [roster] after his join.
	nextEnvelope(t, aliceOut)
	nextEnvelope(t, aliceOut)

	b.Deliver(aliceID, protocol.Chat("", "one"))
	assert.Equal(t, protocol.Chat("alice", "one"), nextEnvelope(t, aliceOut))

	// Bob's queue is now full; the next chat overflows it.
	b.Deliver(aliceID, protocol.Chat("", "two"))
	assert.Equal(t, protocol.Chat("alice", "two"), nextEnvelope(t, aliceOut))

	expectClosed(t, bobOut)

	// Bob's queued frames were never silently dropped.
	assert.Equal(t, protocol.Roster([]string{"alice", "bob"}), nextEnvelope(t, bobOut))
	assert.Equal(t, protocol.Chat("alice", "one"), nextEnvelope(t, bobOut))
}

func TestBrokerStats(t *testing.T) {
	b := startBroker(t, Options{})

	stats := b.Stats()
	assert.Equal(t, 0, stats.Connections)
	assert.Empty(t, stats.Users)

	_, aliceOut := join(t, b, "alice")
	nextEnvelope(t, aliceOut)
	b.Attach() // connected but not joined

	stats = b.Stats()
	assert.Equal(t, 2, stats.Connections)
	assert.Equal(t, []string{"alice"}, stats.Users)
}

func TestBrokerShutdownClosesConnections(t *testing.T) {
	b := New(Options{})
	go b.Run()

	_, aliceOut := join(t, b, "alice")
	nextEnvelope(t, aliceOut)

	require.NoError(t, b.Shutdown(time.Second))
	expectClosed(t, aliceOut)

	_, out := b.Attach()
	expectClosed(t, out)
}
