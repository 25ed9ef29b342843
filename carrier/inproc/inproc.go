// Package inproc is an in-process carrier implementation. A Hub connects any
// number of Nodes; every event a node receives is queued on its mailbox and
// delivered from its own Run goroutine, matching the serial callback contract
// of the carrier interface. It backs the integration tests and the local demo.
package inproc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/0xli/openclaw-beagle-channel/carrier"
)

// Hub wires nodes together and owns the friendship topology.
type Hub struct {
	mu      sync.Mutex
	nodes   map[string]*Node // by user id
	byAddr  map[string]*Node
	nextSID uint64
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		nodes:  make(map[string]*Node),
		byAddr: make(map[string]*Node),
	}
}

// NewNode registers a node with a fresh identity on the hub.
func (h *Hub) NewNode(name string) *Node {
	n := &Node{
		hub:     h,
		userID:  uuid.NewString(),
		address: uuid.NewString() + uuid.NewString()[:20],
		self:    carrier.UserInfo{Name: name},
		friends: make(map[string]struct{}),
		pending: make(map[string]pendingRequest),
	}
	n.self.UserID = n.userID
	n.box.cond = sync.NewCond(&n.box.mu)

	h.mu.Lock()
	h.nodes[n.userID] = n
	h.byAddr[n.address] = n
	h.mu.Unlock()
	return n
}

func (h *Hub) sessionID() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextSID++
	return h.nextSID
}

type pendingRequest struct {
	info  carrier.UserInfo
	hello string
}

type queuedMessage struct {
	from    string
	payload []byte
	sent    time.Time
}

type mailbox struct {
	mu     sync.Mutex
	cond   *sync.Cond
	jobs   []func()
	closed bool
}

func (b *mailbox) post(job func()) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.jobs = append(b.jobs, job)
	b.cond.Signal()
	b.mu.Unlock()
}

func (b *mailbox) next() (func(), bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.jobs) == 0 && !b.closed {
		b.cond.Wait()
	}
	if len(b.jobs) == 0 {
		return nil, false
	}
	job := b.jobs[0]
	b.jobs = b.jobs[1:]
	return job, true
}

func (b *mailbox) close() {
	b.mu.Lock()
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()
}

// Node is one hub participant implementing carrier.Carrier.
type Node struct {
	hub     *Hub
	userID  string
	address string

	bound      bool
	cbs        carrier.Callbacks
	sessionCbs carrier.FileSessionCallbacks

	box     mailbox
	running atomic.Bool
	nextMID atomic.Uint32

	// guarded by hub.mu
	self    carrier.UserInfo
	friends map[string]struct{}
	pending map[string]pendingRequest
	offline []queuedMessage
}

var _ carrier.Carrier = (*Node)(nil)

func (n *Node) UserID() string  { return n.userID }
func (n *Node) Address() string { return n.address }

// Bind stores the callback sets. Must be called once, before Run.
func (n *Node) Bind(cbs carrier.Callbacks, sessionCbs carrier.FileSessionCallbacks) error {
	if n.bound {
		return errors.New("inproc: node already bound")
	}
	n.bound = true
	n.cbs = cbs
	n.sessionCbs = sessionCbs
	return nil
}

// Run delivers queued events until ctx is cancelled. Connection status, the
// ready signal and any messages queued while the node was offline are
// announced first, then friends are told the node came online.
func (n *Node) Run(ctx context.Context) error {
	if !n.bound {
		return errors.New("inproc: run before bind")
	}
	if !n.running.CompareAndSwap(false, true) {
		return errors.New("inproc: node already running")
	}

	n.box.post(func() {
		if n.cbs.ConnectionStatus != nil {
			n.cbs.ConnectionStatus(carrier.StatusConnected)
		}
		if n.cbs.Ready != nil {
			n.cbs.Ready()
		}
	})

	n.hub.mu.Lock()
	queued := n.offline
	n.offline = nil
	peers := n.friendNodesLocked()
	n.hub.mu.Unlock()

	for _, m := range queued {
		msg := m
		n.box.post(func() {
			if n.cbs.FriendMessage != nil {
				n.cbs.FriendMessage(msg.from, msg.payload, msg.sent, true)
			}
		})
	}
	for _, peer := range peers {
		n.notifyConnection(peer, carrier.StatusConnected)
		// The newly started node learns which friends are already up.
		if peer.running.Load() {
			peerID := peer.userID
			n.box.post(func() {
				if n.cbs.FriendConnection != nil {
					n.cbs.FriendConnection(peerID, carrier.StatusConnected)
				}
			})
		}
	}

	stopWatch := context.AfterFunc(ctx, n.box.close)
	defer stopWatch()

	for {
		job, ok := n.box.next()
		if !ok {
			break
		}
		job()
	}

	n.running.Store(false)
	n.hub.mu.Lock()
	peers = n.friendNodesLocked()
	n.hub.mu.Unlock()
	for _, peer := range peers {
		n.notifyConnection(peer, carrier.StatusDisconnected)
	}
	return ctx.Err()
}

func (n *Node) notifyConnection(peer *Node, status carrier.ConnectionStatus) {
	id := n.userID
	peer.box.post(func() {
		if peer.cbs.FriendConnection != nil {
			peer.cbs.FriendConnection(id, status)
		}
	})
}

func (n *Node) friendNodesLocked() []*Node {
	out := make([]*Node, 0, len(n.friends))
	for id := range n.friends {
		if peer, ok := n.hub.nodes[id]; ok {
			out = append(out, peer)
		}
	}
	return out
}

// SetSelfInfo updates the published identity and notifies online friends.
func (n *Node) SetSelfInfo(info carrier.UserInfo) error {
	info.UserID = n.userID

	n.hub.mu.Lock()
	n.self = info
	peers := n.friendNodesLocked()
	n.hub.mu.Unlock()

	for _, peer := range peers {
		peer := peer
		id := n.userID
		peer.box.post(func() {
			if peer.cbs.FriendInfo != nil {
				peer.cbs.FriendInfo(id, carrier.FriendInfo{UserInfo: info})
			}
		})
	}
	return nil
}

// Friends returns the current friend list with live connection status.
func (n *Node) Friends() ([]carrier.FriendInfo, error) {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()

	out := make([]carrier.FriendInfo, 0, len(n.friends))
	for id := range n.friends {
		fi := carrier.FriendInfo{Status: carrier.StatusDisconnected}
		fi.UserID = id
		if peer, ok := n.hub.nodes[id]; ok {
			fi.UserInfo = peer.self
			if peer.running.Load() {
				fi.Status = carrier.StatusConnected
			}
		}
		out = append(out, fi)
	}
	return out, nil
}

// AddFriend sends a friend request to the node at address.
func (n *Node) AddFriend(address, hello string) error {
	n.hub.mu.Lock()
	target, ok := n.hub.byAddr[address]
	if !ok {
		n.hub.mu.Unlock()
		return fmt.Errorf("inproc: no node at address %s", address)
	}
	if _, already := n.friends[target.userID]; already {
		n.hub.mu.Unlock()
		return nil
	}
	target.pending[n.userID] = pendingRequest{info: n.self, hello: hello}
	info := n.self
	n.hub.mu.Unlock()

	from := n.userID
	target.box.post(func() {
		if target.cbs.FriendRequest != nil {
			target.cbs.FriendRequest(from, info, hello)
		}
	})
	return nil
}

// AcceptFriend confirms a pending request and links both nodes.
func (n *Node) AcceptFriend(userID string) error {
	n.hub.mu.Lock()
	req, ok := n.pending[userID]
	if !ok {
		n.hub.mu.Unlock()
		return fmt.Errorf("inproc: no pending request from %s", userID)
	}
	delete(n.pending, userID)
	requester, ok := n.hub.nodes[userID]
	if !ok {
		n.hub.mu.Unlock()
		return fmt.Errorf("inproc: requester %s is gone", userID)
	}
	n.friends[userID] = struct{}{}
	requester.friends[n.userID] = struct{}{}
	selfInfo := n.self
	n.hub.mu.Unlock()

	added := carrier.FriendInfo{UserInfo: req.info, Status: carrier.StatusDisconnected}
	if requester.running.Load() {
		added.Status = carrier.StatusConnected
	}
	n.box.post(func() {
		if n.cbs.FriendAdded != nil {
			n.cbs.FriendAdded(added)
		}
	})

	back := carrier.FriendInfo{UserInfo: selfInfo, Status: carrier.StatusDisconnected}
	if n.running.Load() {
		back.Status = carrier.StatusConnected
	}
	requester.box.post(func() {
		if requester.cbs.FriendAdded != nil {
			requester.cbs.FriendAdded(back)
		}
	})

	if n.running.Load() {
		n.notifyConnection(requester, carrier.StatusConnected)
	}
	if requester.running.Load() {
		requester.notifyConnection(n, carrier.StatusConnected)
	}
	return nil
}

// SendMessage delivers a payload to a friend, queueing it for offline peers.
func (n *Node) SendMessage(to string, payload []byte) (uint32, error) {
	n.hub.mu.Lock()
	if _, ok := n.friends[to]; !ok {
		n.hub.mu.Unlock()
		return 0, carrier.ErrNotFriend
	}
	peer, ok := n.hub.nodes[to]
	if !ok {
		n.hub.mu.Unlock()
		return 0, fmt.Errorf("inproc: friend %s is gone", to)
	}

	msg := queuedMessage{
		from:    n.userID,
		payload: append([]byte(nil), payload...),
		sent:    time.Now(),
	}
	if !peer.running.Load() {
		peer.offline = append(peer.offline, msg)
		n.hub.mu.Unlock()
		return n.nextMID.Add(1), nil
	}
	n.hub.mu.Unlock()

	peer.box.post(func() {
		if peer.cbs.FriendMessage != nil {
			peer.cbs.FriendMessage(msg.from, msg.payload, msg.sent, false)
		}
	})
	return n.nextMID.Add(1), nil
}

// NewFileSession offers a file session to an online friend. The peer receives
// the paired end through its SessionRequest callback.
func (n *Node) NewFileSession(to string, info carrier.FileInfo) (carrier.FileSession, error) {
	n.hub.mu.Lock()
	if _, ok := n.friends[to]; !ok {
		n.hub.mu.Unlock()
		return nil, carrier.ErrNotFriend
	}
	peer, ok := n.hub.nodes[to]
	n.hub.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inproc: friend %s is gone", to)
	}
	if !peer.running.Load() {
		return nil, &carrier.Error{Code: 0x1000A, Msg: "friend is offline"}
	}

	id := n.hub.sessionID()
	local := &session{id: id, owner: n, remotePeer: to}
	remote := &session{id: id, owner: peer, remotePeer: n.userID}
	local.remote = remote
	remote.remote = local

	from := n.userID
	peer.box.post(func() {
		if peer.cbs.SessionRequest != nil {
			peer.cbs.SessionRequest(from, info, remote)
		}
	})
	return local, nil
}

// session is one end of a paired in-process file session. Both ends share an
// ID; each end dispatches callbacks on its owner's mailbox.
type session struct {
	id         uint64
	owner      *Node
	remotePeer string
	remote     *session
	closed     atomic.Bool
}

var _ carrier.FileSession = (*session)(nil)

func (s *session) ID() uint64   { return s.id }
func (s *session) Peer() string { return s.remotePeer }

func (s *session) AcceptConnect() error {
	if s.closed.Load() {
		return errors.New("inproc: session closed")
	}
	s.fireState(carrier.SessionConnected)
	s.remote.fireState(carrier.SessionConnected)
	return nil
}

func (s *session) Pull(fileID string, offset uint64) error {
	if s.closed.Load() {
		return errors.New("inproc: session closed")
	}
	remote := s.remote
	remote.owner.box.post(func() {
		if remote.owner.sessionCbs.Pull != nil {
			remote.owner.sessionCbs.Pull(remote, fileID, offset)
		}
	})
	return nil
}

func (s *session) Send(fileID string, data []byte) error {
	if s.closed.Load() {
		return errors.New("inproc: session closed")
	}
	chunk := append([]byte(nil), data...)
	remote := s.remote
	remote.owner.box.post(func() {
		if remote.owner.sessionCbs.Data == nil {
			return
		}
		if remote.owner.sessionCbs.Data(remote, fileID, chunk) {
			return
		}
		// Receiver finalized: completed on the end marker, failed otherwise.
		final := carrier.SessionFailed
		if len(chunk) == 0 {
			final = carrier.SessionClosed
		}
		remote.fireState(final)
		remote.remote.fireState(final)
	})
	return nil
}

func (s *session) Cancel(fileID string, status int, reason string) error {
	remote := s.remote
	remote.owner.box.post(func() {
		if remote.owner.sessionCbs.Cancel != nil {
			remote.owner.sessionCbs.Cancel(remote, fileID, status, reason)
		}
	})
	s.closed.Store(true)
	return nil
}

func (s *session) Close() {
	s.closed.Store(true)
}

func (s *session) fireState(state carrier.SessionState) {
	if s.closed.Load() && state != carrier.SessionClosed && state != carrier.SessionFailed {
		return
	}
	s.owner.box.post(func() {
		if s.owner.sessionCbs.StateChanged != nil {
			s.owner.sessionCbs.StateChanged(s, state)
		}
	})
}
