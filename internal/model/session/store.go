package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// ErrNotFound reports that no document exists for the requested session id.
var ErrNotFound = errors.New("session not found")

const (
	titleLimit   = 40
	defaultTitle = "Untitled Dialogue"
)

// Store persists session documents as <dir>/<id>.json. Writes replace the whole
// document; a crash mid-write can leave a corrupt file, which List skips.
type Store struct {
	dir string
}

// NewStore creates the sessions directory if needed and returns a Store over it.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the full document for doc.SessionID, overwriting any prior file.
func (s *Store) Save(doc Session) error {
	if !validID(doc.SessionID) {
		return fmt.Errorf("invalid session id %q", doc.SessionID)
	}

	data, err := json.MarshalIndent(doc, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", doc.SessionID, err)
	}

	if err := os.WriteFile(s.path(doc.SessionID), data, 0o644); err != nil {
		return fmt.Errorf("failed to write session %s: %w", doc.SessionID, err)
	}
	return nil
}

// Load reads the document for the given id. Missing files map to ErrNotFound so
// callers can distinguish "new session" from a real I/O failure.
func (s *Store) Load(sessionID string) (Session, error) {
	if !validID(sessionID) {
		return Session{}, ErrNotFound
	}

	data, err := os.ReadFile(s.path(sessionID))
	if errors.Is(err, os.ErrNotExist) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	var doc Session
	if err := json.Unmarshal(data, &doc); err != nil {
		return Session{}, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}
	doc.SessionID = sessionID
	return doc, nil
}

// List scans the sessions directory and returns summaries ordered by file
// modification time, most recent first. Unparseable files are skipped.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions directory: %w", err)
	}

	type row struct {
		summary Summary
		modTime time.Time
	}

	rows := make([]row, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		sessionID := strings.TrimSuffix(entry.Name(), ".json")

		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			log.Printf("[store] warning: failed to read %s: %v", entry.Name(), err)
			continue
		}

		var doc Session
		if err := json.Unmarshal(data, &doc); err != nil {
			log.Printf("[store] warning: skipping unparseable session file %s: %v", entry.Name(), err)
			continue
		}

		info, err := entry.Info()
		if err != nil {
			log.Printf("[store] warning: failed to stat %s: %v", entry.Name(), err)
			continue
		}

		rows = append(rows, row{
			summary: Summary{SessionID: sessionID, Title: makeTitle(doc.InitialProblem)},
			modTime: info.ModTime(),
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].modTime.After(rows[j].modTime)
	})

	summaries := make([]Summary, 0, len(rows))
	for _, r := range rows {
		summaries = append(summaries, r.summary)
	}
	return summaries, nil
}

// Delete removes the on-disk document. Deleting a session that does not exist
// is not an error.
func (s *Store) Delete(sessionID string) error {
	if !validID(sessionID) {
		return nil
	}

	err := os.Remove(s.path(sessionID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	return nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// validID rejects ids that could escape the sessions directory.
func validID(sessionID string) bool {
	if sessionID == "" || sessionID == "." || sessionID == ".." {
		return false
	}
	return !strings.ContainsAny(sessionID, `/\`)
}

// makeTitle derives the listing title: a rune-safe 40-character prefix of the
// initial problem, with an ellipsis marker when truncated.
func makeTitle(initialProblem string) string {
	if strings.TrimSpace(initialProblem) == "" {
		return defaultTitle
	}
	runes := []rune(initialProblem)
	if len(runes) > titleLimit {
		return string(runes[:titleLimit]) + "..."
	}
	return initialProblem
}
