package tokenstore

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// FileStore keeps the token in a 0600 file and watches its directory so that
// writes by other processes (another gateway, the CLI) reach subscribers.
// Mutations made through this instance are not echoed to its own subscribers.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu          sync.Mutex
	last        string
	lastPresent bool

	subs    subscribers
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewFileStore opens the token file at path and starts watching it.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create token directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create token watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch token directory: %w", err)
	}

	s := &FileStore{
		path:    path,
		logger:  logger,
		watcher: watcher,
		done:    make(chan struct{}),
	}
	token, ok, err := s.read()
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	s.last, s.lastPresent = token, ok

	s.wg.Add(1)
	go s.processEvents()
	return s, nil
}

// Path returns the token file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store. It does not touch the change baseline, so a read
// that races an external write still produces a notification.
func (s *FileStore) Load() (string, bool, error) {
	return s.read()
}

// Save implements Store. The file is replaced atomically.
func (s *FileStore) Save(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".token-*")
	if err != nil {
		return fmt.Errorf("create temp token file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp token file: %w", err)
	}
	if _, err := tmp.WriteString(token); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp token file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp token file: %w", err)
	}

	// Record before the rename so the resulting fs event is recognized as ours.
	s.last, s.lastPresent = token, true
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("install token file: %w", err)
	}
	return nil
}

// Clear implements Store.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last, s.lastPresent = "", false
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove token file: %w", err)
	}
	return nil
}

// Subscribe implements Store.
func (s *FileStore) Subscribe(fn func(Change)) func() {
	return s.subs.add(fn)
}

// Close stops watching the token file.
func (s *FileStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	close(s.done)
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *FileStore) read() (string, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", false, nil
	}
	return token, true, nil
}

func (s *FileStore) processEvents() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != s.path {
				continue
			}
			s.reconcile()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("Token watcher error", "path", s.path, "error", err)
		}
	}
}

// reconcile re-reads the file and notifies subscribers if the state differs
// from what this instance last wrote or observed.
func (s *FileStore) reconcile() {
	s.mu.Lock()
	token, ok, err := s.read()
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("Failed to read token file after change", "path", s.path, "error", err)
		return
	}
	if ok == s.lastPresent && token == s.last {
		s.mu.Unlock()
		return
	}
	s.last, s.lastPresent = token, ok
	s.mu.Unlock()

	s.logger.Debug("Token changed externally", "path", s.path, "present", ok)
	s.subs.notify(Change{Present: ok, Token: token})
}
