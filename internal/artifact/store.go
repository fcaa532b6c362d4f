package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"capforge/internal/config"
	"capforge/internal/logging"
)

// Store persists one JSON registry file per capability identity under the
// configured root. Writes go through a temp file and rename so a crash
// never leaves a half-written registry. Corrupt files are moved to
// quarantine and the identity restarts from empty state.
type Store struct {
	mu         sync.RWMutex
	root       string
	quarantine string
	cache      map[string]*Record
}

// NewStore creates the store, ensuring its directories exist.
func NewStore(cfg config.StoreConfig) (*Store, error) {
	root := cfg.Root
	if root == "" {
		root = "data/artifacts"
	}
	quarantine := cfg.QuarantineDir
	if quarantine == "" {
		quarantine = filepath.Join(root, "quarantine")
	}
	for _, dir := range []string{root, quarantine} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}
	return &Store{
		root:       root,
		quarantine: quarantine,
		cache:      make(map[string]*Record),
	}, nil
}

// Root returns the store's base directory.
func (s *Store) Root() string { return s.root }

// Load returns the record for an identity. A missing file yields a fresh
// empty record; a corrupt one is quarantined first.
func (s *Store) Load(id CapabilityID) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

func (s *Store) loadLocked(id CapabilityID) (*Record, error) {
	name := id.FileName()
	if rec, ok := s.cache[name]; ok {
		return rec, nil
	}

	path := filepath.Join(s.root, name)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		rec := &Record{ID: id}
		s.cache[name] = rec
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", name, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		s.quarantineLocked(path, err)
		rec := &Record{ID: id}
		s.cache[name] = rec
		return rec, nil
	}

	// A record whose versions fail their own checksums is as corrupt as
	// unparseable JSON.
	for i := range rec.Versions {
		if ChecksumOf(rec.Versions[i].Source) != rec.Versions[i].Checksum {
			s.quarantineLocked(path, fmt.Errorf("checksum mismatch on version %s", rec.Versions[i].ID))
			fresh := &Record{ID: id}
			s.cache[name] = fresh
			return fresh, nil
		}
	}

	s.cache[name] = &rec
	return &rec, nil
}

// Save persists a record atomically.
func (s *Store) Save(rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact %s: %w", rec.ID, err)
	}

	name := rec.ID.FileName()
	path := filepath.Join(s.root, name)
	tmp, err := os.CreateTemp(s.root, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename into place: %w", err)
	}

	s.cache[name] = rec
	return nil
}

// LoadAll restores every persisted record, quarantining corrupt files.
// Called once at boot to rebuild the registry.
func (s *Store) LoadAll() ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list store root: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		rec, err := s.loadLocked(id)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	logging.Get(logging.CategoryStore).Infow("registry restored", "records", len(records))
	return records, nil
}

// Invalidate drops the cached record so the next Load rereads disk. The
// watcher calls this when a file changes underneath us.
func (s *Store) Invalidate(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, name)
}

// quarantineLocked moves a corrupt file aside with a timestamp suffix.
func (s *Store) quarantineLocked(path string, cause error) {
	base := filepath.Base(path)
	dest := filepath.Join(s.quarantine, fmt.Sprintf("%s.%d", base, time.Now().UnixNano()))
	if err := os.Rename(path, dest); err != nil {
		logging.Get(logging.CategoryStore).Errorw("quarantine failed",
			"file", base, "error", err)
		return
	}
	logging.Get(logging.CategoryStore).Warnw("corrupt artifact quarantined",
		"file", base, "cause", cause)
}

// parseFileName recovers the identity from a <role>__<op>.json filename.
func parseFileName(name string) (CapabilityID, bool) {
	base := strings.TrimSuffix(name, ".json")
	parts := strings.SplitN(base, "__", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return CapabilityID{}, false
	}
	return CapabilityID{Role: parts[0], Operation: parts[1]}, true
}
