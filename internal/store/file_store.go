package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FileStore is the file-blob persistence backend. Each sheet and
// template is one JSON file; settings live in settings.json. Writes go
// through the same op queue as the SQLite backend and land via a
// temp-file rename so a crash never leaves a half-written blob.
type FileStore struct {
	mu    sync.RWMutex
	root  string
	queue *opQueue
	log   *zap.Logger
}

const (
	sheetsDir     = "sheets"
	templatesDir  = "templates"
	settingsBlob  = "settings.json"
	blobExtension = ".json"
)

// NewFileStore creates (or reopens) a file-backed store rooted at dir.
func NewFileStore(dir string, log *zap.Logger) (*FileStore, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, sub := range []string{sheetsDir, templatesDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s dir: %w", sub, err)
		}
	}
	return &FileStore{
		root:  dir,
		queue: newOpQueue(log.Named("queue")),
		log:   log,
	}, nil
}

func (s *FileStore) sheetPath(uid string) string {
	return filepath.Join(s.root, sheetsDir, uid+blobExtension)
}

func (s *FileStore) templatePath(uid string) string {
	return filepath.Join(s.root, templatesDir, uid+blobExtension)
}

// writeBlob writes JSON to path via temp file + rename.
func writeBlob(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readBlob(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal(data, v)
}

// =============================================================================
// Sheets
// =============================================================================

func (s *FileStore) SaveSheet(sheet *Sheet) error {
	return wrapOp("save sheet", s.queue.Do("save sheet", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return writeBlob(s.sheetPath(sheet.UID), sheet)
	}))
}

func (s *FileStore) GetSheet(uid string) (*Sheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sheet Sheet
	if err := readBlob(s.sheetPath(uid), &sheet); err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get sheet %s: %w", uid, err)
	}
	sheet.SortCells()
	return &sheet, nil
}

func (s *FileStore) DeleteSheet(uid string) error {
	return wrapOp("delete sheet", s.queue.Do("delete sheet", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		err := os.Remove(s.sheetPath(uid))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}))
}

func (s *FileStore) ListSheets() ([]*Sheet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listSheetsLocked()
}

func (s *FileStore) listSheetsLocked() ([]*Sheet, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sheetsDir))
	if err != nil {
		return nil, fmt.Errorf("store: list sheets: %w", err)
	}

	var sheets []*Sheet
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobExtension) {
			continue
		}
		var sheet Sheet
		path := filepath.Join(s.root, sheetsDir, entry.Name())
		if err := readBlob(path, &sheet); err != nil {
			// Corrupt blobs are skipped, not fatal.
			s.log.Warn("store: skipping unreadable sheet blob",
				zap.String("path", path), zap.Error(err))
			continue
		}
		sheet.SortCells()
		sheets = append(sheets, &sheet)
	}
	sort.Slice(sheets, func(i, j int) bool {
		return sheets[i].CreatedAt < sheets[j].CreatedAt
	})
	return sheets, nil
}

// GetSheetsByCharacter mirrors the SQLite backend: exact
// (character, conversation) matches first, then adoption of the
// character's orphaned sheets into the requested conversation.
func (s *FileStore) GetSheetsByCharacter(characterID, conversationID string) ([]*Sheet, error) {
	s.mu.RLock()
	all, err := s.listSheetsLocked()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	var exact, orphans []*Sheet
	for _, sheet := range all {
		if sheet.CharacterID != characterID {
			continue
		}
		if sheet.ConversationID == conversationID {
			exact = append(exact, sheet)
		} else {
			orphans = append(orphans, sheet)
		}
	}
	if len(exact) > 0 || conversationID == "" {
		return exact, nil
	}

	for _, sheet := range orphans {
		sheet.ConversationID = conversationID
		if err := s.SaveSheet(sheet); err != nil {
			s.log.Warn("store: failed to repair sheet conversation id",
				zap.String("sheet", sheet.UID), zap.Error(err))
		}
	}
	return orphans, nil
}

// =============================================================================
// Templates
// =============================================================================

func (s *FileStore) SaveTemplate(tmpl *Template) error {
	return wrapOp("save template", s.queue.Do("save template", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		return writeBlob(s.templatePath(tmpl.UID), tmpl)
	}))
}

func (s *FileStore) GetTemplate(uid string) (*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var tmpl Template
	if err := readBlob(s.templatePath(uid), &tmpl); err != nil {
		if err == ErrNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get template %s: %w", uid, err)
	}
	return &tmpl, nil
}

func (s *FileStore) DeleteTemplate(uid string) error {
	return wrapOp("delete template", s.queue.Do("delete template", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		err := os.Remove(s.templatePath(uid))
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}))
}

func (s *FileStore) ListTemplates() ([]*Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(filepath.Join(s.root, templatesDir))
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}

	var tmpls []*Template
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobExtension) {
			continue
		}
		var tmpl Template
		path := filepath.Join(s.root, templatesDir, entry.Name())
		if err := readBlob(path, &tmpl); err != nil {
			s.log.Warn("store: skipping unreadable template blob",
				zap.String("path", path), zap.Error(err))
			continue
		}
		tmpls = append(tmpls, &tmpl)
	}
	sort.Slice(tmpls, func(i, j int) bool {
		return tmpls[i].CreatedAt < tmpls[j].CreatedAt
	})
	return tmpls, nil
}

// =============================================================================
// Settings
// =============================================================================

func (s *FileStore) readSettingsLocked() (map[string]string, error) {
	settings := make(map[string]string)
	err := readBlob(filepath.Join(s.root, settingsBlob), &settings)
	if err != nil && err != ErrNotFound {
		return nil, fmt.Errorf("store: read settings: %w", err)
	}
	return settings, nil
}

func (s *FileStore) GetSetting(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	settings, err := s.readSettingsLocked()
	if err != nil {
		return "", err
	}
	value, ok := settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

func (s *FileStore) SetSetting(key, value string) error {
	return wrapOp("set setting", s.queue.Do("set setting", func() error {
		s.mu.Lock()
		defer s.mu.Unlock()

		settings, err := s.readSettingsLocked()
		if err != nil {
			return err
		}
		settings[key] = value
		return writeBlob(filepath.Join(s.root, settingsBlob), settings)
	}))
}

// =============================================================================
// Health
// =============================================================================

func (s *FileStore) QueueStatus() (int, bool) {
	return s.queue.Status()
}

// Reset is a recovery action, not a wipe: drain the queue, force-clear
// leftovers, and repair the directory layout. Files on disk survive.
func (s *FileStore) Reset() error {
	if !s.queue.WaitIdle(drainTimeout) {
		cleared := s.queue.ForceClear()
		s.log.Warn("store: reset force-cleared pending ops", zap.Int("cleared", cleared))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sub := range []string{sheetsDir, templatesDir} {
		if err := os.MkdirAll(filepath.Join(s.root, sub), 0o755); err != nil {
			return fmt.Errorf("store: reset %s: %w", sub, err)
		}
	}
	s.log.Info("store: recovery reset complete")
	return nil
}

func (s *FileStore) Close() error {
	s.queue.Close()
	return nil
}
