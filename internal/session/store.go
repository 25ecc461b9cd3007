// Package session persists exchange transcripts, one file per session id,
// isolated per project directory.
package session

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"aictl/internal/common/fsutil"
	"aictl/pkg/types"
)

const previewMaxRunes = 80

// Store writes transcripts under <root>/sessions/<projectID>/<sessionID>.md.
// The project id folds the absolute working directory into the storage key
// so records of different projects never collide.
type Store struct {
	root string
}

func NewStore(dataDir string) *Store {
	return &Store{root: filepath.Join(dataDir, "sessions")}
}

// projectID derives a stable short key from the absolute working directory.
func projectID(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16], nil
}

func (s *Store) sessionPath(dir, sessionID string) (string, error) {
	pid, err := projectID(dir)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, pid, sessionID+".md"), nil
}

// Save writes the full transcript for a session, overwriting prior content.
// The in-memory transcript is what grows across continuations; on disk each
// save is a whole-file replace.
func (s *Store) Save(dir, sessionID, content string) error {
	p, err := s.sessionPath(dir, sessionID)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(p, []byte(content), 0o644)
}

// Load returns the stored transcript; ok is false when the session has no
// record for that project.
func (s *Store) Load(dir, sessionID string) (content string, ok bool, err error) {
	p, err := s.sessionPath(dir, sessionID)
	if err != nil {
		return "", false, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(b), true, nil
}

// List returns session summaries for a project, newest first.
func (s *Store) List(dir string) ([]types.SessionSummary, error) {
	pid, err := projectID(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.root, pid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []types.SessionSummary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.root, pid, name))
		if err != nil {
			continue
		}
		out = append(out, types.SessionSummary{
			ID:           strings.TrimSuffix(name, ".md"),
			Preview:      previewLine(string(b)),
			ModifiedUnix: info.ModTime().Unix(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ModifiedUnix != out[j].ModifiedUnix {
			return out[i].ModifiedUnix > out[j].ModifiedUnix
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// previewLine picks the first non-empty line that carries content rather
// than markdown decoration, truncated to a fixed length.
func previewLine(content string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(line)
		if t == "" || isDecorative(t) {
			continue
		}
		t = strings.TrimSpace(strings.TrimLeft(t, "*- \t"))
		if t == "" {
			continue
		}
		return truncateRunes(t, previewMaxRunes)
	}
	return ""
}

// isDecorative reports markdown furniture: headings, quotes, rules, fences.
func isDecorative(line string) bool {
	if strings.HasPrefix(line, "#") || strings.HasPrefix(line, ">") || strings.HasPrefix(line, "```") {
		return true
	}
	return strings.Trim(line, "=-*_~ \t") == ""
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
