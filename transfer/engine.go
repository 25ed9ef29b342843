// Package transfer drives chunked file sessions over the carrier substrate.
// Outbound transfers stream the source file in fixed-size chunks on a
// dedicated goroutine once the receiver pulls; inbound transfers append
// chunks to a destination file until the zero-length end marker arrives.
// Active transfers live in an integer-keyed registry, one entry per session.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xli/openclaw-beagle-channel/carrier"
	"github.com/0xli/openclaw-beagle-channel/envelope"
)

// ChunkSize is the read unit for outbound streaming.
const ChunkSize = 64 * 1024

// cancelStatusError is sent to the remote side when a transfer aborts.
const cancelStatusError = 1

// Inbound describes one completed incoming transfer.
type Inbound struct {
	Peer      string
	Path      string
	Filename  string
	Size      uint64
	Timestamp time.Time
}

// Config wires the engine to its surroundings.
type Config struct {
	// MediaDir is where completed inbound files land.
	MediaDir string
	// NewSession opens an outbound file session to a peer.
	NewSession func(to string, info carrier.FileInfo) (carrier.FileSession, error)
	// OnInbound fires once per fully received file.
	OnInbound func(Inbound)
	Logger    *zap.Logger
}

type state struct {
	session  carrier.FileSession
	peer     string
	fileID   string
	filename string
	declared uint64
	outbound bool

	// outbound
	sourcePath string
	streaming  bool

	// inbound
	dest      *os.File
	destPath  string
	received  uint64
	connected bool
	pulled    bool

	done bool
}

// Engine tracks active transfers keyed by session ID.
type Engine struct {
	cfg Config
	log *zap.Logger

	mu     sync.Mutex
	active map[uint64]*state
	closed bool
	wg     sync.WaitGroup
}

// New creates an engine and ensures the media directory exists.
func New(cfg Config) (*Engine, error) {
	if cfg.MediaDir == "" {
		return nil, errors.New("media directory is required")
	}
	if err := os.MkdirAll(cfg.MediaDir, 0o700); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:    cfg,
		log:    log,
		active: make(map[uint64]*state),
	}, nil
}

// Callbacks returns the session callback set to bind on the carrier.
func (e *Engine) Callbacks() carrier.FileSessionCallbacks {
	return carrier.FileSessionCallbacks{
		StateChanged: e.onStateChanged,
		File:         e.onFile,
		Pull:         e.onPull,
		Data:         e.onData,
		Cancel:       e.onCancel,
	}
}

// Active reports the number of transfers in flight.
func (e *Engine) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// Send starts an outbound transfer of the file at path. filename is the name
// announced to the peer; empty means the base name of path. The returned ID
// identifies the transfer in the registry.
func (e *Engine) Send(to, path, filename string) (uint64, error) {
	if e.cfg.NewSession == nil {
		return 0, errors.New("engine has no session factory")
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("stat transfer source: %w", err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("transfer source %s is a directory", path)
	}
	if filename == "" {
		filename = filepath.Base(path)
	}

	fi := carrier.FileInfo{
		FileID:   uuid.NewString(),
		Filename: filename,
		Size:     uint64(info.Size()),
	}
	session, err := e.cfg.NewSession(to, fi)
	if err != nil {
		return 0, fmt.Errorf("open file session: %w", err)
	}

	st := &state{
		session:    session,
		peer:       to,
		fileID:     fi.FileID,
		filename:   filename,
		declared:   fi.Size,
		outbound:   true,
		sourcePath: path,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		session.Close()
		return 0, errors.New("engine is closed")
	}
	e.active[session.ID()] = st
	e.mu.Unlock()

	e.log.Info("outbound transfer started",
		zap.Uint64("session", session.ID()),
		zap.String("peer", to),
		zap.String("file", filename),
		zap.Uint64("size", fi.Size))
	return session.ID(), nil
}

// AcceptOffer registers an incoming session offer, opens the destination
// file and accepts the connection. The destination name is prefixed with the
// arrival time so repeated sends of the same file never collide.
func (e *Engine) AcceptOffer(peer string, info carrier.FileInfo, s carrier.FileSession) error {
	name := fmt.Sprintf("%d_%s", time.Now().Unix(), envelope.SanitizeFilename(info.Filename))
	destPath := filepath.Join(e.cfg.MediaDir, name)

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("create transfer destination: %w", err)
	}

	st := &state{
		session:  s,
		peer:     peer,
		fileID:   info.FileID,
		filename: info.Filename,
		declared: info.Size,
		dest:     dest,
		destPath: destPath,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = dest.Close()
		_ = os.Remove(destPath)
		return errors.New("engine is closed")
	}
	e.active[s.ID()] = st
	e.mu.Unlock()

	if err := s.AcceptConnect(); err != nil {
		e.finalize(s.ID(), false)
		return fmt.Errorf("accept file session: %w", err)
	}
	e.log.Info("inbound transfer accepted",
		zap.Uint64("session", s.ID()),
		zap.String("peer", peer),
		zap.String("file", info.Filename),
		zap.Uint64("size", info.Size))
	return nil
}

// Close cancels every active transfer and waits for streaming goroutines.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	ids := make([]uint64, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	for _, id := range ids {
		e.mu.Lock()
		var sess carrier.FileSession
		var fid string
		if st, ok := e.active[id]; ok {
			sess, fid = st.session, st.fileID
		}
		e.mu.Unlock()
		if sess != nil {
			sess.Cancel(fid, cancelStatusError, "shutting down")
		}
		e.finalize(id, false)
	}
	e.wg.Wait()
}

func (e *Engine) onStateChanged(s carrier.FileSession, st carrier.SessionState) {
	switch st {
	case carrier.SessionConnected:
		e.mu.Lock()
		t, ok := e.active[s.ID()]
		if ok {
			t.connected = true
		}
		e.mu.Unlock()
		if ok {
			e.maybePull(s)
		}
	case carrier.SessionClosed:
		e.finalize(s.ID(), true)
	case carrier.SessionFailed:
		e.finalize(s.ID(), false)
	}
}

func (e *Engine) onFile(s carrier.FileSession, fileID, filename string, size uint64) {
	e.mu.Lock()
	t, ok := e.active[s.ID()]
	if ok {
		t.fileID = fileID
		if filename != "" {
			t.filename = filename
		}
		if size > 0 {
			t.declared = size
		}
	}
	e.mu.Unlock()
	if ok {
		e.maybePull(s)
	}
}

// maybePull issues the receiver's pull exactly once, only after the session
// is connected and the file id is known. The file id can arrive either with
// the session offer or through the file announcement.
func (e *Engine) maybePull(s carrier.FileSession) {
	e.mu.Lock()
	t, ok := e.active[s.ID()]
	if !ok || t.outbound || t.pulled || !t.connected || t.fileID == "" {
		e.mu.Unlock()
		return
	}
	t.pulled = true
	fileID := t.fileID
	e.mu.Unlock()

	if err := s.Pull(fileID, 0); err != nil {
		e.log.Warn("pull request failed", zap.Uint64("session", s.ID()), zap.Error(err))
		s.Cancel(fileID, cancelStatusError, "pull failed")
		e.finalize(s.ID(), false)
	}
}

func (e *Engine) onPull(s carrier.FileSession, fileID string, offset uint64) {
	e.mu.Lock()
	t, ok := e.active[s.ID()]
	if !ok || !t.outbound || t.streaming {
		e.mu.Unlock()
		return
	}
	t.streaming = true
	path := t.sourcePath
	e.mu.Unlock()

	e.wg.Add(1)
	go e.stream(s, fileID, path, offset)
}

// stream reads the source in fixed-size chunks and pushes them through the
// session, ending with a zero-length marker. Runs off the carrier loop so a
// slow session never stalls message dispatch.
func (e *Engine) stream(s carrier.FileSession, fileID, path string, offset uint64) {
	defer e.wg.Done()

	src, err := os.Open(path)
	if err != nil {
		e.log.Warn("open transfer source failed", zap.Uint64("session", s.ID()), zap.Error(err))
		s.Cancel(fileID, cancelStatusError, "source unavailable")
		e.finalize(s.ID(), false)
		return
	}
	defer src.Close()

	if offset > 0 {
		if _, err := src.Seek(int64(offset), io.SeekStart); err != nil {
			e.log.Warn("seek transfer source failed",
				zap.Uint64("session", s.ID()),
				zap.Uint64("offset", offset),
				zap.Error(err))
			s.Cancel(fileID, cancelStatusError, "seek failed")
			e.finalize(s.ID(), false)
			return
		}
	}

	buf := make([]byte, ChunkSize)
	var sent uint64
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if err := s.Send(fileID, buf[:n]); err != nil {
				e.log.Warn("send chunk failed", zap.Uint64("session", s.ID()), zap.Error(err))
				s.Cancel(fileID, cancelStatusError, "send failed")
				e.finalize(s.ID(), false)
				return
			}
			sent += uint64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			e.log.Warn("read transfer source failed", zap.Uint64("session", s.ID()), zap.Error(readErr))
			s.Cancel(fileID, cancelStatusError, "read failed")
			e.finalize(s.ID(), false)
			return
		}
	}

	// Zero-length chunk marks end of file.
	if err := s.Send(fileID, nil); err != nil {
		e.log.Warn("send end marker failed", zap.Uint64("session", s.ID()), zap.Error(err))
		e.finalize(s.ID(), false)
		return
	}
	e.log.Info("outbound transfer streamed",
		zap.Uint64("session", s.ID()),
		zap.Uint64("bytes", sent))
}

func (e *Engine) onData(s carrier.FileSession, fileID string, data []byte) bool {
	e.mu.Lock()
	t, ok := e.active[s.ID()]
	if !ok || t.outbound || t.dest == nil {
		e.mu.Unlock()
		return false
	}
	dest, filename, received := t.dest, t.filename, t.received
	e.mu.Unlock()

	if len(data) == 0 {
		e.log.Info("inbound transfer complete",
			zap.Uint64("session", s.ID()),
			zap.String("file", filename),
			zap.Uint64("bytes", received))
		e.finalize(s.ID(), true)
		return false
	}

	// Disk write happens outside the registry lock.
	if _, err := dest.Write(data); err != nil {
		e.log.Warn("write transfer chunk failed", zap.Uint64("session", s.ID()), zap.Error(err))
		s.Cancel(fileID, cancelStatusError, "write failed")
		e.finalize(s.ID(), false)
		return false
	}

	e.mu.Lock()
	if t, ok := e.active[s.ID()]; ok {
		t.received += uint64(len(data))
	}
	e.mu.Unlock()
	return true
}

func (e *Engine) onCancel(s carrier.FileSession, fileID string, status int, reason string) {
	e.log.Info("transfer cancelled by peer",
		zap.Uint64("session", s.ID()),
		zap.Int("status", status),
		zap.String("reason", reason))
	e.finalize(s.ID(), false)
}

// finalize removes a transfer from the registry exactly once, closing its
// file handles and session. A successfully completed inbound transfer is
// reported through OnInbound; anything else discards the partial file.
func (e *Engine) finalize(id uint64, completed bool) {
	e.mu.Lock()
	t, ok := e.active[id]
	if !ok || t.done {
		e.mu.Unlock()
		return
	}
	t.done = true
	delete(e.active, id)
	e.mu.Unlock()

	if t.dest != nil {
		if err := t.dest.Close(); err != nil && completed {
			e.log.Warn("close transfer destination failed", zap.String("path", t.destPath), zap.Error(err))
			completed = false
		}
		if !completed {
			_ = os.Remove(t.destPath)
		}
	}
	t.session.Close()

	if completed && !t.outbound && e.cfg.OnInbound != nil {
		e.cfg.OnInbound(Inbound{
			Peer:      t.peer,
			Path:      t.destPath,
			Filename:  t.filename,
			Size:      t.received,
			Timestamp: time.Now(),
		})
	}
}
