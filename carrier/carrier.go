// Package carrier defines the abstraction over the peer-to-peer messaging
// substrate: encrypted transport, peer discovery and session primitives are
// provided by an implementation behind these interfaces and are not part of
// the channel core. Callbacks are delivered serially from a single goroutine
// owned by the implementation's Run loop.
package carrier

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ConnectionStatus reports node or friend connectivity.
type ConnectionStatus int

const (
	StatusConnected ConnectionStatus = iota
	StatusDisconnected
)

func (s ConnectionStatus) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// PresenceStatus is a friend's availability, distinct from connectivity.
type PresenceStatus int

const (
	PresenceNone PresenceStatus = iota
	PresenceAway
	PresenceBusy
)

// UserInfo holds the self-describing identity fields a node publishes.
type UserInfo struct {
	UserID      string
	Name        string
	Gender      string
	Phone       string
	Email       string
	Description string
	Region      string
}

// FriendInfo is the full record the substrate reports for one friend.
type FriendInfo struct {
	UserInfo
	Label    string
	Status   ConnectionStatus
	Presence PresenceStatus
}

// FileInfo describes one file announced on a file session.
type FileInfo struct {
	FileID   string
	Filename string
	Size     uint64
}

// SessionState is the connection phase of a file session.
type SessionState int

const (
	SessionCreated SessionState = iota
	SessionConnecting
	SessionConnected
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionCreated:
		return "created"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	}
	return "unknown"
}

// FileSession is one bidirectional transfer channel to a peer. Implementations
// hand out a process-unique integer ID so registries are never keyed by a
// reusable pointer.
type FileSession interface {
	ID() uint64
	Peer() string

	// AcceptConnect accepts an inbound session offer.
	AcceptConnect() error
	// Pull asks the remote side to stream the named file from offset.
	Pull(fileID string, offset uint64) error
	// Send delivers one chunk to the remote side. A zero-length chunk is the
	// explicit end-of-stream marker.
	Send(fileID string, data []byte) error
	// Cancel aborts the transfer with a status code and short reason.
	Cancel(fileID string, status int, reason string) error
	// Close releases the session. Safe to call more than once.
	Close()
}

// FileSessionCallbacks receive transfer events. Data returning false tells the
// substrate to finalize the session: as completed after the end-of-stream
// marker, as failed otherwise.
type FileSessionCallbacks struct {
	StateChanged func(s FileSession, state SessionState)
	File         func(s FileSession, fileID, filename string, size uint64)
	Pull         func(s FileSession, fileID string, offset uint64)
	Data         func(s FileSession, fileID string, data []byte) bool
	Cancel       func(s FileSession, fileID string, status int, reason string)
}

// Callbacks is the full event set a node binds before running. Nil entries are
// skipped by implementations.
type Callbacks struct {
	ConnectionStatus func(status ConnectionStatus)
	Ready            func()
	FriendConnection func(friendID string, status ConnectionStatus)
	FriendInfo       func(friendID string, info FriendInfo)
	FriendPresence   func(friendID string, presence PresenceStatus)
	FriendMessage    func(from string, payload []byte, timestamp time.Time, offline bool)
	FriendRequest    func(userID string, info UserInfo, hello string)
	FriendAdded      func(info FriendInfo)
	FriendInvite     func(from string, data []byte)
	// SessionRequest announces an inbound file session offer. The receiver
	// must AcceptConnect (or Close) the session.
	SessionRequest func(from string, info FileInfo, s FileSession)
}

// Carrier is the substrate handle. Bind must be called exactly once before Run.
type Carrier interface {
	Bind(cbs Callbacks, sessionCbs FileSessionCallbacks) error
	// Run drives the event loop until ctx is cancelled. All callbacks fire on
	// the Run goroutine.
	Run(ctx context.Context) error

	UserID() string
	Address() string

	SetSelfInfo(info UserInfo) error
	Friends() ([]FriendInfo, error)
	AcceptFriend(userID string) error
	AddFriend(address, hello string) error

	// SendMessage delivers one opaque payload to a friend and returns the
	// substrate's message id.
	SendMessage(to string, payload []byte) (uint32, error)
	// NewFileSession opens an outbound file session announcing info.
	NewFileSession(to string, info FileInfo) (FileSession, error)
}

// ErrNotFriend is returned when addressing a peer outside the friend list.
var ErrNotFriend = errors.New("carrier: peer is not a friend")

// Error carries the substrate's numeric error code alongside a message.
type Error struct {
	Code int
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("carrier: %s (0x%x)", e.Msg, e.Code)
}

// ErrorCode extracts the substrate error code from err, or 0.
func ErrorCode(err error) int {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code
	}
	return 0
}
