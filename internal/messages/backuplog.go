package messages

import (
	"bufio"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/eldtechnologies/arena/internal/models"
)

const maxLogLine = 1 << 20

// BackupLog is the instance-local, append-only NDJSON copy of every message
// this process wrote. Lines carry their roomId but never their seq, so a room
// can be renumbered from file order when the substrate has lost it.
type BackupLog struct {
	path string
	mu   sync.Mutex
}

// OpenBackupLog prepares a backup log at path, creating its directory.
func OpenBackupLog(path string) (*BackupLog, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}
	return &BackupLog{path: path}, nil
}

// Path returns the file path of the log.
func (l *BackupLog) Path() string {
	return l.path
}

// Append writes one message line without its seq.
func (l *BackupLog) Append(msg models.Message) error {
	msg.Seq = 0
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// each calls fn for every parseable line. Malformed lines are skipped.
func (l *BackupLog) each(fn func(msg models.Message)) error {
	f, err := os.Open(l.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLogLine)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var msg models.Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		fn(msg)
	}
	return sc.Err()
}

// ScanRoom returns the room's messages in file order, renumbered from 1.
func (l *BackupLog) ScanRoom(roomID string) ([]models.Message, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []models.Message
	err := l.each(func(msg models.Message) {
		if msg.RoomID != roomID {
			return
		}
		msg.Seq = int64(len(out) + 1)
		out = append(out, msg)
	})
	return out, err
}

// Rooms returns the sorted set of room IDs present in the log.
func (l *BackupLog) Rooms() ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	seen := make(map[string]struct{})
	err := l.each(func(msg models.Message) {
		if id := strings.TrimSpace(msg.RoomID); id != "" {
			seen[id] = struct{}{}
		}
	})
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, err
}

// PruneRoom rewrites the log without the room's lines. Malformed lines are
// dropped as well.
func (l *BackupLog) PruneRoom(roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := os.Stat(l.path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".prune-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var writeErr error
	err = l.each(func(msg models.Message) {
		if msg.RoomID == roomID || writeErr != nil {
			return
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return
		}
		_, writeErr = w.Write(append(data, '\n'))
	})
	if err == nil {
		err = writeErr
	}
	if err == nil {
		err = w.Flush()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), l.path)
}
