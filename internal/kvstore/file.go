// Package kvstore provides the persistent key/value stores backing the
// auto-unload rule set.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"pkt.systems/pslog"
)

// ErrInvalidValue indicates a value that is not a JSON document.
var ErrInvalidValue = errors.New("value is not valid json")

const (
	stateFileName = "state.json"
	lockRetry     = 20 * time.Millisecond
)

// FileStore keeps every key in one JSON document on disk. Access is
// serialized across processes with an advisory lock next to the document.
type FileStore struct {
	path string
	lock *flock.Flock
	log  pslog.Logger
}

// NewFileStore constructs a store under dir.
func NewFileStore(dir string) (*FileStore, error) {
	return NewFileStoreWithLogger(dir, nil)
}

// NewFileStoreWithLogger constructs a store under dir with logging.
func NewFileStoreWithLogger(dir string, logger pslog.Logger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	path := filepath.Join(dir, stateFileName)
	return &FileStore{
		path: path,
		lock: flock.New(path + ".lock"),
		log:  logger.With("state_path", path),
	}, nil
}

// Path returns the document path.
func (s *FileStore) Path() string { return s.path }

// Get returns the raw JSON stored under key.
func (s *FileStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	locked, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil || !locked {
		s.log.Warn("state load failed", "key", key, "err", err)
		return nil, false, fmt.Errorf("lock state: %w", lockErr(err))
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.readDoc()
	if err != nil {
		s.log.Warn("state load failed", "key", key, "err", err)
		return nil, false, err
	}
	if len(doc) > 0 && !gjson.ValidBytes(doc) {
		err := fmt.Errorf("%w: %s", ErrInvalidValue, s.path)
		s.log.Warn("state load failed", "key", key, "err", err)
		return nil, false, err
	}
	result := gjson.GetBytes(doc, gjson.Escape(key))
	if !result.Exists() {
		s.log.Debug("state load miss", "key", key)
		return nil, false, nil
	}
	s.log.Debug("state load ok", "key", key, "bytes", len(result.Raw))
	return []byte(result.Raw), true, nil
}

// Set stores value, which must be valid JSON, under key.
func (s *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if !gjson.ValidBytes(value) {
		return ErrInvalidValue
	}
	locked, err := s.lock.TryLockContext(ctx, lockRetry)
	if err != nil || !locked {
		s.log.Warn("state save failed", "key", key, "err", err)
		return fmt.Errorf("lock state: %w", lockErr(err))
	}
	defer func() { _ = s.lock.Unlock() }()

	doc, err := s.readDoc()
	if err != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
		return err
	}
	if len(doc) == 0 || !gjson.ValidBytes(doc) {
		doc = []byte("{}")
	}
	doc, err = sjson.SetRawBytes(doc, gjson.Escape(key), value)
	if err != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
		return err
	}
	if err := s.writeDoc(doc); err != nil {
		s.log.Warn("state save failed", "key", key, "err", err)
		return err
	}
	s.log.Trace("state save ok", "key", key, "bytes", len(value))
	return nil
}

// Keys lists the top-level keys.
func (s *FileStore) Keys(ctx context.Context) ([]string, error) {
	locked, err := s.lock.TryRLockContext(ctx, lockRetry)
	if err != nil || !locked {
		return nil, fmt.Errorf("lock state: %w", lockErr(err))
	}
	defer func() { _ = s.lock.Unlock() }()
	doc, err := s.readDoc()
	if err != nil {
		return nil, err
	}
	var keys []string
	gjson.ParseBytes(doc).ForEach(func(key, _ gjson.Result) bool {
		keys = append(keys, key.String())
		return true
	})
	return keys, nil
}

func (s *FileStore) readDoc() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (s *FileStore) writeDoc(data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "state-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}

func lockErr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("lock not acquired")
}
