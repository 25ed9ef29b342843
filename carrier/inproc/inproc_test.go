package inproc

import (
	"context"
	"testing"
	"time"

	"github.com/0xli/openclaw-beagle-channel/carrier"
)

type recorder struct {
	ready    chan struct{}
	requests chan string
	added    chan carrier.FriendInfo
	messages chan recordedMessage
	sessions chan carrier.FileSession
}

type recordedMessage struct {
	from    string
	payload string
	offline bool
}

func newRecorder() *recorder {
	return &recorder{
		ready:    make(chan struct{}, 1),
		requests: make(chan string, 4),
		added:    make(chan carrier.FriendInfo, 4),
		messages: make(chan recordedMessage, 16),
		sessions: make(chan carrier.FileSession, 4),
	}
}

func (r *recorder) callbacks() carrier.Callbacks {
	return carrier.Callbacks{
		Ready:         func() { r.ready <- struct{}{} },
		FriendRequest: func(userID string, _ carrier.UserInfo, _ string) { r.requests <- userID },
		FriendAdded:   func(info carrier.FriendInfo) { r.added <- info },
		FriendMessage: func(from string, payload []byte, _ time.Time, offline bool) {
			r.messages <- recordedMessage{from: from, payload: string(payload), offline: offline}
		},
		SessionRequest: func(_ string, _ carrier.FileInfo, s carrier.FileSession) { r.sessions <- s },
	}
}

func startNode(t *testing.T, n *Node, r *recorder) {
	t.Helper()
	if err := n.Bind(r.callbacks(), carrier.FileSessionCallbacks{}); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = n.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-r.ready:
	case <-time.After(5 * time.Second):
		t.Fatal("node never signalled ready")
	}
}

func recv[T any](t *testing.T, ch chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		panic("unreachable")
	}
}

func befriend(t *testing.T, a, b *Node, ra, rb *recorder) {
	t.Helper()
	if err := a.AddFriend(b.Address(), "hello"); err != nil {
		t.Fatalf("AddFriend() error = %v", err)
	}
	if got := recv(t, rb.requests, "friend request"); got != a.UserID() {
		t.Fatalf("request from %s, want %s", got, a.UserID())
	}
	if err := b.AcceptFriend(a.UserID()); err != nil {
		t.Fatalf("AcceptFriend() error = %v", err)
	}
	recv(t, ra.added, "friend added on requester")
	recv(t, rb.added, "friend added on acceptor")
}

func TestFriendRequestAndMessage(t *testing.T) {
	hub := NewHub()
	a, b := hub.NewNode("alice"), hub.NewNode("bob")
	ra, rb := newRecorder(), newRecorder()
	startNode(t, a, ra)
	startNode(t, b, rb)

	// Messaging a stranger is refused.
	if _, err := a.SendMessage(b.UserID(), []byte("hi")); err != carrier.ErrNotFriend {
		t.Fatalf("SendMessage() to stranger = %v, want ErrNotFriend", err)
	}

	befriend(t, a, b, ra, rb)

	if _, err := a.SendMessage(b.UserID(), []byte("hi bob")); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	msg := recv(t, rb.messages, "message on bob")
	if msg.from != a.UserID() || msg.payload != "hi bob" || msg.offline {
		t.Errorf("got %+v, want online message from alice", msg)
	}

	friends, err := a.Friends()
	if err != nil {
		t.Fatal(err)
	}
	if len(friends) != 1 || friends[0].UserID != b.UserID() || friends[0].Status != carrier.StatusConnected {
		t.Errorf("alice friends = %+v, want connected bob", friends)
	}
}

func TestOfflineMessageDeliveredAtStartup(t *testing.T) {
	hub := NewHub()
	a, b := hub.NewNode("alice"), hub.NewNode("bob")
	ra, rb := newRecorder(), newRecorder()
	startNode(t, a, ra)

	// Friendship can form while bob is offline; his mailbox holds the events.
	if err := a.AddFriend(b.Address(), "hello"); err != nil {
		t.Fatal(err)
	}
	if err := b.Bind(rb.callbacks(), carrier.FileSessionCallbacks{}); err != nil {
		t.Fatal(err)
	}
	if err := b.AcceptFriend(a.UserID()); err != nil {
		t.Fatal(err)
	}
	recv(t, ra.added, "friend added on alice")

	if _, err := a.SendMessage(b.UserID(), []byte("while you were out")); err != nil {
		t.Fatalf("SendMessage() to offline friend error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	msg := recv(t, rb.messages, "queued message on bob")
	if msg.payload != "while you were out" || !msg.offline {
		t.Errorf("got %+v, want offline-flagged message", msg)
	}
}

func TestFileSessionPairing(t *testing.T) {
	hub := NewHub()
	a, b := hub.NewNode("alice"), hub.NewNode("bob")
	ra, rb := newRecorder(), newRecorder()
	startNode(t, a, ra)
	startNode(t, b, rb)
	befriend(t, a, b, ra, rb)

	local, err := a.NewFileSession(b.UserID(), carrier.FileInfo{FileID: "f1", Filename: "x.bin", Size: 3})
	if err != nil {
		t.Fatalf("NewFileSession() error = %v", err)
	}
	remote := recv(t, rb.sessions, "session offer on bob")
	if local.ID() != remote.ID() {
		t.Errorf("session ids differ: %d vs %d", local.ID(), remote.ID())
	}
	if local.Peer() != b.UserID() || remote.Peer() != a.UserID() {
		t.Errorf("session peers wrong: %s / %s", local.Peer(), remote.Peer())
	}

	// A second session gets a distinct id.
	second, err := a.NewFileSession(b.UserID(), carrier.FileInfo{FileID: "f2", Filename: "y.bin", Size: 3})
	if err != nil {
		t.Fatal(err)
	}
	if second.ID() == local.ID() {
		t.Errorf("session ids collide at %d", second.ID())
	}
}
