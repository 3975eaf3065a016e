package hub

import (
	"encoding/json"
	"testing"
	"time"
)

// pipeConn is an in-memory Conn for session tests.
type pipeConn struct {
	in  chan []byte
	out chan []byte
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 64), out: make(chan []byte, 64)}
}

func (p *pipeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-p.in
	if !ok {
		return 0, nil, errClosed
	}
	return 1, data, nil
}

func (p *pipeConn) WriteMessage(_ int, data []byte) error {
	p.out <- append([]byte(nil), data...)
	return nil
}

func (p *pipeConn) Close() error { return nil }

var errClosed = &closedError{}

type closedError struct{}

func (*closedError) Error() string { return "connection closed" }

func (p *pipeConn) sendEnv(t *testing.T, env Envelope) {
	t.Helper()
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	p.in <- data
}

func (p *pipeConn) recvEnv(t *testing.T) Envelope {
	t.Helper()
	select {
	case data := <-p.out:
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("unmarshal reply: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for hub reply")
		return Envelope{}
	}
}

func startSession(t *testing.T, s *Server, uid string) *pipeConn {
	t.Helper()
	p := newPipeConn()
	done := make(chan struct{})
	go func() {
		s.Serve(p, uid)
		close(done)
	}()
	t.Cleanup(func() {
		close(p.in)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("session did not shut down")
		}
	})
	return p
}

func TestPutAckAndChildAddedFanout(t *testing.T) {
	s := NewServer(nil)
	alice := startSession(t, s, "+1111")
	bob := startSession(t, s, "+2222")

	// Bob watches his inbox from Alice.
	bob.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: InboxPath("+2222", "+1111"), Mode: ModeChildren})

	// Alice writes into Bob's inbox path.
	alice.sendEnv(t, Envelope{Op: OpPut, ID: "op1", Path: MessagePath("+2222", "+1111", "m1"), Payload: json.RawMessage(`{"body":"hi"}`)})

	ack := alice.recvEnv(t)
	if ack.Op != OpAck || ack.ID != "op1" {
		t.Errorf("ack = %+v, want ack op1", ack)
	}

	added := bob.recvEnv(t)
	if added.Op != OpChildAdded || added.WatchID != "w1" || added.Key != "m1" {
		t.Errorf("child event = %+v, want child_added w1/m1", added)
	}
	if string(added.Payload) != `{"body":"hi"}` {
		t.Errorf("payload = %s", added.Payload)
	}
}

func TestWatchReplaysExistingChildren(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.sendEnv(t, Envelope{Op: OpPut, ID: "a", Path: "messages/x/y/m1", Payload: json.RawMessage(`1`)})
	c.sendEnv(t, Envelope{Op: OpPut, ID: "b", Path: "messages/x/y/m2", Payload: json.RawMessage(`2`)})
	c.recvEnv(t) // ack a
	c.recvEnv(t) // ack b

	c.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: "messages/x/y", Mode: ModeChildren})

	first := c.recvEnv(t)
	second := c.recvEnv(t)
	if first.Key != "m1" || second.Key != "m2" {
		t.Errorf("replay keys = %s,%s, want m1,m2", first.Key, second.Key)
	}
}

func TestSnapshotWatch(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: ChatListPath("+1111"), Mode: ModeSnapshot})

	initial := c.recvEnv(t)
	if initial.Op != OpSnapshot || string(initial.Payload) != "null" {
		t.Errorf("initial snapshot = %+v, want null payload", initial)
	}

	c.sendEnv(t, Envelope{Op: OpPut, ID: "op", Path: ChatListPath("+1111") + "/c1", Payload: json.RawMessage(`{"peerId":"+2222"}`)})

	// Ack and snapshot arrive; order depends on fanout vs ack write.
	sawSnapshot := false
	for i := 0; i < 2; i++ {
		env := c.recvEnv(t)
		if env.Op == OpSnapshot && env.WatchID == "w1" {
			sawSnapshot = true
			var chats map[string]json.RawMessage
			if err := json.Unmarshal(env.Payload, &chats); err != nil {
				t.Fatal(err)
			}
			if _, ok := chats["c1"]; !ok {
				t.Errorf("snapshot missing c1: %s", env.Payload)
			}
		}
	}
	if !sawSnapshot {
		t.Error("no snapshot received after put")
	}
}

func TestUnwatchStopsDelivery(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: "messages/x/y", Mode: ModeChildren})
	c.sendEnv(t, Envelope{Op: OpUnwatch, WatchID: "w1"})
	c.sendEnv(t, Envelope{Op: OpPut, ID: "op", Path: "messages/x/y/m1", Payload: json.RawMessage(`1`)})

	env := c.recvEnv(t)
	if env.Op != OpAck {
		t.Errorf("got %+v, want only the put ack", env)
	}
	select {
	case data := <-c.out:
		t.Errorf("unexpected frame after unwatch: %s", data)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestGetReturnsSnapshot(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.sendEnv(t, Envelope{Op: OpPut, ID: "p", Path: "messages/a/b/m1", Payload: json.RawMessage(`{"body":"x"}`)})
	c.recvEnv(t)

	c.sendEnv(t, Envelope{Op: OpGet, ID: "g", Path: "messages/a/b"})
	env := c.recvEnv(t)
	if env.Op != OpSnapshot || env.ID != "g" {
		t.Fatalf("got %+v, want snapshot g", env)
	}
	var children map[string]json.RawMessage
	if err := json.Unmarshal(env.Payload, &children); err != nil {
		t.Fatal(err)
	}
	if len(children) != 1 {
		t.Errorf("children = %v, want 1", children)
	}
}

func TestDisconnectWritesPresence(t *testing.T) {
	s := NewServer(nil)
	observer := startSession(t, s, "+2222")
	observer.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: OnlineStatusPath("+1111"), Mode: ModeSnapshot})
	initial := observer.recvEnv(t)
	if string(initial.Payload) != "null" {
		t.Fatalf("initial presence = %s, want null", initial.Payload)
	}

	target := newPipeConn()
	done := make(chan struct{})
	go func() {
		s.Serve(target, "+1111")
		close(done)
	}()
	close(target.in) // drop the socket
	<-done

	env := observer.recvEnv(t)
	if env.Op != OpSnapshot || string(env.Payload) != "false" {
		t.Errorf("presence after disconnect = %+v, want false snapshot", env)
	}
}

func TestRejectedWatchIsCancelledByID(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.sendEnv(t, Envelope{Op: OpWatch, WatchID: "w1", Path: "messages/x/y", Mode: "bogus"})

	reply := c.recvEnv(t)
	if reply.Op != OpCancelled || reply.WatchID != "w1" {
		t.Fatalf("reply = %+v, want cancelled w1", reply)
	}
	if reply.Reason == "" {
		t.Error("cancellation should carry a reason")
	}

	// The rejected watch must not have registered.
	c.sendEnv(t, Envelope{Op: OpPut, ID: "a", Path: "messages/x/y/m1", Payload: json.RawMessage(`1`)})
	if ack := c.recvEnv(t); ack.Op != OpAck {
		t.Fatalf("expected only the put ack, got %+v", ack)
	}
	select {
	case data := <-c.out:
		t.Fatalf("unexpected frame after ack: %s", data)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMalformedEnvelope(t *testing.T) {
	s := NewServer(nil)
	c := startSession(t, s, "+1111")

	c.in <- []byte("{not json")
	env := c.recvEnv(t)
	if env.Op != OpError {
		t.Errorf("got %+v, want error envelope", env)
	}

	// Session is still alive.
	c.sendEnv(t, Envelope{Op: OpPing, ID: "p"})
	env = c.recvEnv(t)
	if env.Op != OpPong || env.ID != "p" {
		t.Errorf("got %+v, want pong", env)
	}
}
