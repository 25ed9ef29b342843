// Package beagle implements the messaging channel core: it binds a carrier
// substrate, decodes inbound payloads, persists received media, keeps the
// friend table and profile document current, greets new peers once, and
// exposes text and media sending.
package beagle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xli/openclaw-beagle-channel/carrier"
	"github.com/0xli/openclaw-beagle-channel/envelope"
	"github.com/0xli/openclaw-beagle-channel/friends"
	"github.com/0xli/openclaw-beagle-channel/mirror"
	"github.com/0xli/openclaw-beagle-channel/profile"
	"github.com/0xli/openclaw-beagle-channel/transfer"
)

const (
	// ProfileFileName is the profile document under the data dir.
	ProfileFileName = "beagle_profile.json"
	// MediaDirName holds received media files under the data dir.
	MediaDirName = "media"

	// oversizeNotice replaces payloads that exceed the packed-file bound.
	oversizeNotice = "[file rejected: exceeds 5MB beaglechat payload limit]"
)

// Incoming is one received message, either text or a persisted media file.
type Incoming struct {
	Peer      string
	Text      string
	MediaPath string
	MediaType string
	Filename  string
	Size      uint64
	Timestamp time.Time
	Offline   bool
}

// Status is a point-in-time snapshot of the channel.
type Status struct {
	Ready         bool
	Connected     bool
	LastPeer      string
	OnlineCount   uint64
	OfflineCount  uint64
	LastOnlineAt  time.Time
	LastOfflineAt time.Time
	Transfers     int
}

// Options configure a Channel. DataDir and Carrier are required.
type Options struct {
	DataDir string
	Carrier carrier.Carrier
	// OnIncoming fires from the carrier loop for every received message.
	OnIncoming func(Incoming)
	// WalletPath overrides the wallet file the profile editor consults.
	WalletPath string
	Logger     *zap.Logger
}

// Channel is the messaging core bound to one carrier node.
type Channel struct {
	car      carrier.Carrier
	log      *zap.Logger
	dataDir  string
	mediaDir string

	prof    *profile.Editor
	store   *friends.Store
	mir     *mirror.Mirror
	engine  *transfer.Engine
	welcome string

	onIncoming func(Incoming)

	mu            sync.Mutex
	ready         bool
	connected     bool
	lastPeer      string
	onlineCount   uint64
	offlineCount  uint64
	lastOnlineAt  time.Time
	lastOfflineAt time.Time

	runCancel context.CancelFunc
	runDone   chan struct{}
	runErr    error
}

// New builds a channel over opts.Carrier, opening the profile document, the
// friend store and the relational mirror under opts.DataDir. A mirror that
// cannot be reached is logged and skipped; everything else is fatal.
func New(opts Options) (*Channel, error) {
	if opts.Carrier == nil {
		return nil, errors.New("beagle: carrier is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("beagle: data directory is required")
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if err := os.MkdirAll(opts.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	c := &Channel{
		car:        opts.Carrier,
		log:        log,
		dataDir:    opts.DataDir,
		mediaDir:   filepath.Join(opts.DataDir, MediaDirName),
		onIncoming: opts.OnIncoming,
	}
	if err := os.MkdirAll(c.mediaDir, 0o700); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}

	c.prof = profile.NewEditor(filepath.Join(opts.DataDir, ProfileFileName), opts.WalletPath)
	info, err := c.prof.Load()
	if err != nil {
		return nil, err
	}
	c.welcome = info.WelcomeMessage

	mirCfg, err := mirror.LoadConfig(opts.DataDir)
	if err != nil {
		return nil, err
	}
	var storeMirror friends.Mirror
	if mirCfg.Enabled {
		if mir, err := mirror.Open(mirCfg, log); err != nil {
			log.Warn("friend mirror unavailable, continuing without it", zap.Error(err))
		} else {
			c.mir = mir
			storeMirror = mir
		}
	}

	c.store, err = friends.Open(opts.DataDir, storeMirror, log)
	if err != nil {
		return nil, err
	}

	c.engine, err = transfer.New(transfer.Config{
		MediaDir:   c.mediaDir,
		Logger:     log,
		OnInbound:  c.onInboundFile,
		NewSession: c.car.NewFileSession,
	})
	if err != nil {
		return nil, err
	}

	if err := c.car.Bind(c.callbacks(), c.engine.Callbacks()); err != nil {
		return nil, err
	}

	if err := c.car.SetSelfInfo(carrier.UserInfo{
		Name:        info.Name,
		Gender:      info.Gender,
		Phone:       info.Phone,
		Email:       info.Email,
		Description: info.Description,
		Region:      info.Region,
	}); err != nil {
		return nil, fmt.Errorf("publish self info: %w", err)
	}
	return c, nil
}

// Start runs the carrier loop on its own goroutine.
func (c *Channel) Start() error {
	if c.runDone != nil {
		return errors.New("beagle: channel already started")
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	go func() {
		defer close(c.runDone)
		if err := c.car.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.runErr = err
			c.log.Error("carrier loop exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop shuts down the carrier loop, active transfers and the mirror.
func (c *Channel) Stop() error {
	if c.runCancel != nil {
		c.runCancel()
		<-c.runDone
	}
	c.engine.Close()
	if err := c.mir.Close(); err != nil {
		c.log.Warn("close friend mirror failed", zap.Error(err))
	}
	return c.runErr
}

// UserID reports the node identity on the substrate.
func (c *Channel) UserID() string { return c.car.UserID() }

// Address reports the node's friend-request address.
func (c *Channel) Address() string { return c.car.Address() }

// AddFriend sends a friend request to the node at address.
func (c *Channel) AddFriend(address, hello string) error {
	return c.car.AddFriend(address, hello)
}

// SendText delivers a plain text message to a friend.
func (c *Channel) SendText(to, text string) error {
	if _, err := c.car.SendMessage(to, []byte(text)); err != nil {
		return fmt.Errorf("send text: %w", err)
	}
	return nil
}

// Media describes one outbound media item. Path takes priority; URL is only
// a fallback reference when no local file exists.
type Media struct {
	Caption   string
	Path      string
	URL       string
	MediaType string
	Filename  string
}

// SendMedia delivers a media item to a friend. The caption travels first as
// its own text message. A local file within the packed payload bound goes out
// as one message; a larger file goes through a streaming file session; with
// no local file at all the item degrades to a descriptive text message.
func (c *Channel) SendMedia(to string, m Media) error {
	if m.Caption != "" {
		if err := c.SendText(to, m.Caption); err != nil {
			return err
		}
	}

	if m.Path == "" {
		return c.sendMediaFallback(to, m)
	}

	info, err := os.Stat(m.Path)
	if err != nil {
		return fmt.Errorf("stat media source: %w", err)
	}
	filename := m.Filename
	if filename == "" {
		filename = filepath.Base(m.Path)
	}
	mediaType := m.MediaType
	if mediaType == "" {
		mediaType = envelope.DetectMediaType(filename)
	}

	if info.Size() > envelope.MaxFileBytes {
		id, err := c.engine.Send(to, m.Path, filename)
		if err != nil {
			return err
		}
		c.log.Info("media sent via file session",
			zap.Uint64("session", id),
			zap.String("peer", to),
			zap.String("file", filename))
		return nil
	}

	data, err := os.ReadFile(m.Path)
	if err != nil {
		return fmt.Errorf("read media source: %w", err)
	}
	payload, err := envelope.EncodeFile(filename, mediaType, data)
	if err != nil {
		return err
	}
	if _, err := c.car.SendMessage(to, payload); err != nil {
		return fmt.Errorf("send media: %w", err)
	}
	return nil
}

// sendMediaFallback describes an unreachable media item in plain text.
func (c *Channel) sendMediaFallback(to string, m Media) error {
	var b strings.Builder
	b.WriteString("[media]")
	if m.URL != "" {
		b.WriteString("\nurl: " + m.URL)
	}
	if m.Filename != "" {
		b.WriteString("\nfilename: " + m.Filename)
	}
	if m.MediaType != "" {
		b.WriteString("\ntype: " + m.MediaType)
	}
	return c.SendText(to, b.String())
}

// Status returns a snapshot of channel state and message counters.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Ready:         c.ready,
		Connected:     c.connected,
		LastPeer:      c.lastPeer,
		OnlineCount:   c.onlineCount,
		OfflineCount:  c.offlineCount,
		LastOnlineAt:  c.lastOnlineAt,
		LastOfflineAt: c.lastOfflineAt,
		Transfers:     c.engine.Active(),
	}
}

// Friends returns the stored record count, mostly for diagnostics.
func (c *Channel) Friends() int { return c.store.Len() }

func (c *Channel) callbacks() carrier.Callbacks {
	return carrier.Callbacks{
		ConnectionStatus: c.onConnectionStatus,
		Ready:            c.onReady,
		FriendConnection: c.onFriendConnection,
		FriendInfo:       c.onFriendInfo,
		FriendPresence:   c.onFriendPresence,
		FriendMessage:    c.onFriendMessage,
		FriendRequest:    c.onFriendRequest,
		FriendAdded:      c.onFriendAdded,
		FriendInvite:     c.onFriendInvite,
		SessionRequest:   c.onSessionRequest,
	}
}

// onFriendInvite surfaces invite data as a plain text message.
func (c *Channel) onFriendInvite(from string, data []byte) {
	c.emit(Incoming{Peer: from, Text: string(data), Timestamp: time.Now()})
}

func (c *Channel) onConnectionStatus(status carrier.ConnectionStatus) {
	c.mu.Lock()
	c.connected = status == carrier.StatusConnected
	c.mu.Unlock()
	c.log.Info("connection status changed", zap.Stringer("status", status))
}

// onReady stamps the network identity into the profile document and
// reconciles the substrate's friend list into the store.
func (c *Channel) onReady() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()

	userID, address := c.car.UserID(), c.car.Address()
	if err := c.prof.ApplyIdentity(userID, address); err != nil {
		c.log.Warn("profile identity update failed", zap.Error(err))
	}
	c.log.Info("channel ready", zap.String("user", userID), zap.String("address", address))

	list, err := c.car.Friends()
	if err != nil {
		c.log.Warn("friend list enumeration failed", zap.Int("code", carrier.ErrorCode(err)), zap.Error(err))
		return
	}
	for _, fi := range list {
		if err := c.store.Upsert(friendRecord(fi)); err != nil {
			c.log.Warn("friend reconcile failed", zap.String("friend", fi.UserID), zap.Error(err))
		}
	}
}

func (c *Channel) onFriendConnection(friendID string, status carrier.ConnectionStatus) {
	st := 0
	if status == carrier.StatusConnected {
		st = 1
	}
	if err := c.store.UpdateStatus(friendID, st, friends.Unchanged, true); err != nil {
		c.log.Warn("friend status update failed", zap.String("friend", friendID), zap.Error(err))
	}
	c.log.Info("friend connection changed",
		zap.String("friend", friendID),
		zap.Stringer("status", status))
	if status == carrier.StatusConnected {
		c.welcomeOnce(friendID)
	}
}

func (c *Channel) onFriendInfo(friendID string, info carrier.FriendInfo) {
	info.UserID = friendID
	if err := c.store.Upsert(friendRecord(info)); err != nil {
		c.log.Warn("friend info update failed", zap.String("friend", friendID), zap.Error(err))
	}
}

func (c *Channel) onFriendPresence(friendID string, presence carrier.PresenceStatus) {
	if err := c.store.UpdateStatus(friendID, friends.Unchanged, int(presence), false); err != nil {
		c.log.Warn("friend presence update failed", zap.String("friend", friendID), zap.Error(err))
	}
}

func (c *Channel) onFriendRequest(userID string, info carrier.UserInfo, hello string) {
	c.log.Info("friend request received",
		zap.String("from", userID),
		zap.String("hello", hello))
	if err := c.car.AcceptFriend(userID); err != nil {
		c.log.Warn("friend accept failed", zap.String("from", userID), zap.Error(err))
		return
	}
	rec := friendRecord(carrier.FriendInfo{UserInfo: info})
	rec.FriendID = userID
	if err := c.store.Upsert(rec); err != nil {
		c.log.Warn("friend record failed", zap.String("from", userID), zap.Error(err))
	}
}

func (c *Channel) onFriendAdded(info carrier.FriendInfo) {
	if err := c.store.Upsert(friendRecord(info)); err != nil {
		c.log.Warn("friend record failed", zap.String("friend", info.UserID), zap.Error(err))
	}
	c.log.Info("friend added", zap.String("friend", info.UserID), zap.String("name", info.Name))
	c.welcomeOnce(info.UserID)
}

// onFriendMessage decodes one payload: binary file envelope first, inline
// JSON media second, plain text last.
func (c *Channel) onFriendMessage(from string, payload []byte, ts time.Time, offline bool) {
	c.countMessage(from, ts, offline)

	fp, err := envelope.DecodeFile(payload)
	switch {
	case err == nil:
		path, saveErr := c.saveMedia(ts, fp.Filename, fp.Data)
		if saveErr != nil {
			c.log.Warn("persist packed file failed", zap.String("from", from), zap.Error(saveErr))
			c.emit(Incoming{
				Peer: from, Text: persistNotice(fp.Filename),
				MediaType: fp.ContentType, Filename: fp.Filename,
				Size: uint64(len(fp.Data)), Timestamp: ts, Offline: offline,
			})
			return
		}
		c.emit(Incoming{
			Peer: from, MediaPath: path, MediaType: fp.ContentType,
			Filename: fp.Filename, Size: uint64(len(fp.Data)),
			Timestamp: ts, Offline: offline,
		})
	case errors.Is(err, envelope.ErrContentTooLarge), errors.Is(err, envelope.ErrMetadataTooLarge):
		c.log.Warn("packed file rejected", zap.String("from", from), zap.Error(err))
		c.emit(Incoming{
			Peer: from, Text: oversizeNotice,
			MediaType: fp.ContentType, Filename: fp.Filename, Size: fp.DeclaredSize,
			Timestamp: ts, Offline: offline,
		})
	default:
		c.handleNonBinary(from, payload, ts, offline)
	}
}

func (c *Channel) handleNonBinary(from string, payload []byte, ts time.Time, offline bool) {
	im, err := envelope.DecodeInlineMedia(payload)
	switch {
	case err == nil:
		path, saveErr := c.saveMedia(ts, im.Filename, im.Data)
		if saveErr != nil {
			c.log.Warn("persist inline media failed", zap.String("from", from), zap.Error(saveErr))
			c.emit(Incoming{
				Peer: from, Text: persistNotice(im.Filename),
				MediaType: im.MediaType, Filename: im.Filename,
				Size: uint64(len(im.Data)), Timestamp: ts, Offline: offline,
			})
			return
		}
		c.emit(Incoming{
			Peer: from, MediaPath: path, MediaType: im.MediaType,
			Filename: im.Filename, Size: uint64(len(im.Data)),
			Timestamp: ts, Offline: offline,
		})
	case errors.Is(err, envelope.ErrContentTooLarge):
		c.log.Warn("inline media rejected", zap.String("from", from), zap.Error(err))
		c.emit(Incoming{Peer: from, Text: oversizeNotice, Timestamp: ts, Offline: offline})
	default:
		c.emit(Incoming{Peer: from, Text: string(payload), Timestamp: ts, Offline: offline})
	}
}

func (c *Channel) onSessionRequest(from string, info carrier.FileInfo, s carrier.FileSession) {
	c.log.Info("file session offered",
		zap.String("from", from),
		zap.String("file", info.Filename),
		zap.Uint64("size", info.Size))
	if err := c.engine.AcceptOffer(from, info, s); err != nil {
		c.log.Warn("file session accept failed", zap.String("from", from), zap.Error(err))
		s.Close()
	}
}

func (c *Channel) onInboundFile(in transfer.Inbound) {
	c.emit(Incoming{
		Peer:      in.Peer,
		MediaPath: in.Path,
		MediaType: envelope.DetectMediaType(in.Filename),
		Filename:  in.Filename,
		Size:      in.Size,
		Timestamp: in.Timestamp,
	})
}

// welcomeOnce greets a peer with the configured welcome message exactly once
// across restarts. The peer is marked only after the send succeeds.
func (c *Channel) welcomeOnce(peer string) {
	if c.welcome == "" || c.store.Welcomed(peer) {
		return
	}
	if _, err := c.car.SendMessage(peer, []byte(c.welcome)); err != nil {
		c.log.Warn("welcome message failed",
			zap.String("peer", peer),
			zap.Int("code", carrier.ErrorCode(err)),
			zap.Error(err))
		return
	}
	if err := c.store.MarkWelcomed(peer); err != nil {
		c.log.Warn("welcome bookkeeping failed", zap.String("peer", peer), zap.Error(err))
	}
	c.log.Info("welcome sent", zap.String("peer", peer))
}

func (c *Channel) countMessage(from string, ts time.Time, offline bool) {
	c.mu.Lock()
	c.lastPeer = from
	if offline {
		c.offlineCount++
		c.lastOfflineAt = ts
	} else {
		c.onlineCount++
		c.lastOnlineAt = ts
	}
	c.mu.Unlock()
}

func (c *Channel) emit(in Incoming) {
	c.mu.Lock()
	c.lastPeer = in.Peer
	c.mu.Unlock()
	if c.onIncoming != nil {
		c.onIncoming(in)
	}
}

// persistNotice replaces a decoded media payload that could not be written to
// disk, so the message still reaches the handler as text.
func persistNotice(filename string) string {
	return "[file received but could not be saved: " + filename + "]"
}

func (c *Channel) saveMedia(ts time.Time, filename string, data []byte) (string, error) {
	name := fmt.Sprintf("%d_%s", ts.Unix(), envelope.SanitizeFilename(filename))
	path := filepath.Join(c.mediaDir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("write media file: %w", err)
	}
	return path, nil
}

func friendRecord(fi carrier.FriendInfo) friends.Friend {
	status := 0
	if fi.Status == carrier.StatusConnected {
		status = 1
	}
	return friends.Friend{
		FriendID:    fi.UserID,
		Name:        fi.Name,
		Gender:      fi.Gender,
		Phone:       fi.Phone,
		Email:       fi.Email,
		Description: fi.Description,
		Region:      fi.Region,
		Label:       fi.Label,
		Status:      status,
		Presence:    int(fi.Presence),
	}
}
