// Package friends maintains the authoritative friend table, connection and
// presence state, the one-time-welcome set, and their on-disk formats: a
// tab-separated state table, an append-only welcomed-peer log and an
// append-only event log. An optional relational mirror receives the same
// changes best-effort.
package friends

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// StateFileName is the tab-separated friend table under the data dir.
	StateFileName = "friend_state.tsv"
	// WelcomedFileName is the append-only welcomed-peer log.
	WelcomedFileName = "welcomed_peers.txt"
	// EventLogFileName is the append-only friend event log.
	EventLogFileName = "friend_events.log"

	// Unchanged is the sentinel leaving a status or presence field untouched.
	Unchanged = -1

	eventTimeLayout = "2006-01-02 15:04:05"
)

// Friend is one friend record keyed by FriendID.
type Friend struct {
	FriendID    string
	Name        string
	Gender      string
	Phone       string
	Email       string
	Description string
	Region      string
	Label       string
	Status      int
	Presence    int
}

// Mirror receives friend changes in a relational store. Implementations must
// tolerate being called concurrently with store mutations; failures are
// logged by the store and never surface to callers.
type Mirror interface {
	UpsertFriend(ctx context.Context, f Friend, ts time.Time) error
	RecordEvent(ctx context.Context, friendID, eventType string, status, presence int, ts time.Time) error
}

// Store is the in-memory friend table plus the welcomed-peer set. One lock
// guards both maps; file and mirror I/O happens outside the lock.
type Store struct {
	statePath    string
	welcomedPath string
	eventPath    string

	mirror Mirror
	log    *zap.Logger
	now    func() time.Time

	mu       sync.Mutex
	friends  map[string]Friend
	welcomed map[string]struct{}
}

// Open loads (or initializes) the friend state under dir. mirror may be nil.
func Open(dir string, mirror Mirror, log *zap.Logger) (*Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Store{
		statePath:    filepath.Join(dir, StateFileName),
		welcomedPath: filepath.Join(dir, WelcomedFileName),
		eventPath:    filepath.Join(dir, EventLogFileName),
		mirror:       mirror,
		log:          log,
		now:          time.Now,
		friends:      make(map[string]Friend),
		welcomed:     make(map[string]struct{}),
	}
	if err := s.loadState(); err != nil {
		return nil, err
	}
	if err := s.loadWelcomed(); err != nil {
		return nil, err
	}
	return s, nil
}

// Get returns the stored record for one friend.
func (s *Store) Get(friendID string) (Friend, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.friends[friendID]
	return f, ok
}

// Len reports the number of stored friend records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.friends)
}

// Upsert reconciles one full friend record. Unchanged records are a no-op;
// changed or new records are replaced in memory, the state table rewritten,
// and the mirror updated with a current row plus one history row.
func (s *Store) Upsert(f Friend) error {
	if f.FriendID == "" {
		return errors.New("friend id is required")
	}

	s.mu.Lock()
	if existing, ok := s.friends[f.FriendID]; ok && existing == f {
		s.mu.Unlock()
		return nil
	}
	s.friends[f.FriendID] = f
	rows := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.writeState(rows); err != nil {
		return err
	}
	s.mirrorUpsert(f)
	return nil
}

// UpdateStatus applies a connection-status and/or presence change for one
// friend. Unchanged sentinel values leave the corresponding field untouched.
// When logEvent is set and the status actually changed, one line is appended
// to the event log (and one mirror event row recorded).
func (s *Store) UpdateStatus(friendID string, status, presence int, logEvent bool) error {
	if friendID == "" {
		return errors.New("friend id is required")
	}

	s.mu.Lock()
	existing, ok := s.friends[friendID]
	if !ok {
		f := Friend{FriendID: friendID}
		if status > Unchanged {
			f.Status = status
		}
		if presence > Unchanged {
			f.Presence = presence
		}
		s.friends[friendID] = f
		rows := s.snapshotLocked()
		s.mu.Unlock()

		if err := s.writeState(rows); err != nil {
			return err
		}
		if logEvent {
			s.recordEvent(friendID, f.Status, f.Presence)
		}
		return nil
	}

	nextStatus := existing.Status
	if status > Unchanged {
		nextStatus = status
	}
	nextPresence := existing.Presence
	if presence > Unchanged {
		nextPresence = presence
	}
	statusChanged := existing.Status != nextStatus
	presenceChanged := existing.Presence != nextPresence
	if !statusChanged && !presenceChanged {
		s.mu.Unlock()
		return nil
	}
	existing.Status = nextStatus
	existing.Presence = nextPresence
	s.friends[friendID] = existing
	rows := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.writeState(rows); err != nil {
		return err
	}
	if logEvent && statusChanged {
		s.recordEvent(friendID, nextStatus, nextPresence)
	}
	return nil
}

// Welcomed reports whether the one-time greeting was already sent to peer.
func (s *Store) Welcomed(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.welcomed[peer]
	return ok
}

// MarkWelcomed records a successfully greeted peer. The set is monotonic: the
// in-memory entry is added first, then the peer id appended to the log so a
// restart does not re-send greetings.
func (s *Store) MarkWelcomed(peer string) error {
	if peer == "" {
		return errors.New("peer id is required")
	}

	s.mu.Lock()
	if _, ok := s.welcomed[peer]; ok {
		s.mu.Unlock()
		return nil
	}
	s.welcomed[peer] = struct{}{}
	s.mu.Unlock()

	if err := appendLine(s.welcomedPath, peer); err != nil {
		return fmt.Errorf("append welcomed peer: %w", err)
	}
	return nil
}

func (s *Store) snapshotLocked() []Friend {
	rows := make([]Friend, 0, len(s.friends))
	for _, f := range s.friends {
		rows = append(rows, f)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].FriendID < rows[j].FriendID })
	return rows
}

func (s *Store) writeState(rows []Friend) error {
	var out strings.Builder
	for _, f := range rows {
		out.WriteString(sanitizeTSV(f.FriendID))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Name))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Gender))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Phone))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Email))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Description))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Region))
		out.WriteByte('\t')
		out.WriteString(sanitizeTSV(f.Label))
		out.WriteByte('\t')
		out.WriteString(strconv.Itoa(f.Status))
		out.WriteByte('\t')
		out.WriteString(strconv.Itoa(f.Presence))
		out.WriteByte('\n')
	}
	if err := os.WriteFile(s.statePath, []byte(out.String()), 0o600); err != nil {
		return fmt.Errorf("write friend state table: %w", err)
	}
	return nil
}

func (s *Store) recordEvent(friendID string, status, presence int) {
	ts := s.now()
	eventType := "offline"
	if status != 0 {
		eventType = "online"
	}

	line := fmt.Sprintf("%s\t%s\t%s\tstatus=%d\tpresence=%d",
		ts.Format(eventTimeLayout), friendID, eventType, status, presence)
	if err := appendLine(s.eventPath, line); err != nil {
		s.log.Warn("append friend event failed", zap.String("friend", friendID), zap.Error(err))
	}

	if s.mirror != nil {
		if err := s.mirror.RecordEvent(context.Background(), friendID, eventType, status, presence, ts); err != nil {
			s.log.Warn("mirror friend event failed", zap.String("friend", friendID), zap.Error(err))
		}
	}
}

func (s *Store) mirrorUpsert(f Friend) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.UpsertFriend(context.Background(), f, s.now()); err != nil {
		s.log.Warn("mirror friend upsert failed", zap.String("friend", f.FriendID), zap.Error(err))
	}
}

func (s *Store) loadState() error {
	file, err := os.Open(s.statePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open friend state table: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) < 10 || fields[0] == "" {
			continue
		}
		status, _ := strconv.Atoi(fields[8])
		presence, _ := strconv.Atoi(fields[9])
		s.friends[fields[0]] = Friend{
			FriendID:    fields[0],
			Name:        fields[1],
			Gender:      fields[2],
			Phone:       fields[3],
			Email:       fields[4],
			Description: fields[5],
			Region:      fields[6],
			Label:       fields[7],
			Status:      status,
			Presence:    presence,
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read friend state table: %w", err)
	}
	return nil
}

func (s *Store) loadWelcomed() error {
	file, err := os.Open(s.welcomedPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open welcomed peer log: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			s.welcomed[line] = struct{}{}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read welcomed peer log: %w", err)
	}
	return nil
}

// sanitizeTSV substitutes control characters that would break row integrity.
func sanitizeTSV(in string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\t', '\n', '\r':
			return ' '
		}
		return r
	}, in)
}

func appendLine(path, line string) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	if _, err := file.WriteString(line + "\n"); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}
