// Package cache memoizes successful plan executions. A hit lets a repeated
// run skip planning, validation, and execution entirely — provided the
// policy rule set is unchanged; entries record the policy revision they were
// committed under, and the session re-validates the cached plan when the
// revision differs.
//
// Layout on disk: <dir>/<fp[0:2]>/<fp>/metadata.json. Corrupt entries are a
// miss, never a fatal error.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/jkaninda/runbox/internal/domain"
)

// Entry is one committed cache record. Immutable; a commit for the same key
// replaces the previous entry whole, never merges.
type Entry struct {
	RepoIdentity   string             `json:"repo_identity"`
	Fingerprint    string             `json:"fingerprint"`
	Operations     []domain.Operation `json:"operations"`
	PolicyRevision string             `json:"policy_revision"`
	ArtifactPaths  []string           `json:"artifact_paths,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Cache is a file-backed store of Entries. Safe for concurrent lookups and
// commits; commits are last-writer-wins per key via atomic rename.
type Cache struct {
	dir    string
	logger *slog.Logger
}

// New creates a Cache rooted at dir.
func New(dir string, logger *slog.Logger) *Cache {
	return &Cache{dir: dir, logger: logger}
}

// Fingerprint derives the cache key from the repository identity and the
// plan's operation list. Every component is length-prefixed so distinct
// plans cannot collide by concatenation; env vars are sorted for stability.
func Fingerprint(repoIdentity string, ops []domain.Operation) string {
	h := sha256.New()
	writeField(h, repoIdentity)
	for _, op := range ops {
		writeField(h, string(op.Intent))
		writeField(h, op.WorkingDir)
		fmt.Fprintf(h, "%d:", len(op.Command))
		for _, arg := range op.Command {
			writeField(h, arg)
		}
		keys := make([]string, 0, len(op.Env))
		for k := range op.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(h, k+"="+op.Env[k])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Lookup returns the entry for (repoIdentity, fingerprint), or nil on a
// miss. An unreadable entry is removed and reported as a miss.
func (c *Cache) Lookup(repoIdentity, fingerprint string) (*Entry, error) {
	path := c.metadataPath(fingerprint)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache entry: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.discardCorrupt(fingerprint, err)
		return nil, nil
	}
	// An entry filed under the wrong key is as unreadable as bad JSON.
	if entry.Fingerprint != fingerprint || entry.RepoIdentity != repoIdentity {
		c.discardCorrupt(fingerprint, fmt.Errorf("%w: key mismatch", domain.ErrCacheCorrupt))
		return nil, nil
	}

	return &entry, nil
}

// Commit writes the entry atomically: marshal to a temp file in the entry
// directory, then rename over metadata.json. Concurrent committers race
// benignly; the last rename wins.
func (c *Cache) Commit(entry *Entry) error {
	if entry.Fingerprint == "" {
		return fmt.Errorf("entry has no fingerprint")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	entryDir := c.entryDir(entry.Fingerprint)
	if err := os.MkdirAll(entryDir, 0750); err != nil {
		return fmt.Errorf("creating cache entry dir: %w", err)
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling cache entry: %w", err)
	}

	tmp, err := os.CreateTemp(entryDir, "metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp cache file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp cache file: %w", err)
	}

	if err := os.Rename(tmpName, c.metadataPath(entry.Fingerprint)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("committing cache entry: %w", err)
	}

	c.logger.Info("cache entry committed",
		slog.String("repo", entry.RepoIdentity),
		slog.String("fingerprint", entry.Fingerprint[:12]),
		slog.Int("operations", len(entry.Operations)),
	)
	return nil
}

// List returns all readable entries, newest first.
func (c *Cache) List() ([]Entry, error) {
	var entries []Entry

	shards, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading cache dir: %w", err)
	}

	for _, shard := range shards {
		if !shard.IsDir() {
			continue
		}
		fps, err := os.ReadDir(filepath.Join(c.dir, shard.Name()))
		if err != nil {
			continue
		}
		for _, fp := range fps {
			data, err := os.ReadFile(filepath.Join(c.dir, shard.Name(), fp.Name(), "metadata.json"))
			if err != nil {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(data, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	return entries, nil
}

// Latest returns the newest entry committed for repoIdentity, or nil when
// the repository has never been cached. Corrupt entries are skipped by List
// and therefore never surface here.
func (c *Cache) Latest(repoIdentity string) (*Entry, error) {
	entries, err := c.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].RepoIdentity == repoIdentity {
			return &entries[i], nil
		}
	}
	return nil, nil
}

// Prune removes every entry.
func (c *Cache) Prune() error {
	shards, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading cache dir: %w", err)
	}
	for _, shard := range shards {
		if err := os.RemoveAll(filepath.Join(c.dir, shard.Name())); err != nil {
			return fmt.Errorf("pruning cache shard %s: %w", shard.Name(), err)
		}
	}
	return nil
}

func (c *Cache) entryDir(fingerprint string) string {
	return filepath.Join(c.dir, fingerprint[:2], fingerprint)
}

func (c *Cache) metadataPath(fingerprint string) string {
	return filepath.Join(c.entryDir(fingerprint), "metadata.json")
}

func (c *Cache) discardCorrupt(fingerprint string, cause error) {
	c.logger.Warn("discarding corrupt cache entry",
		slog.String("fingerprint", fingerprint[:12]),
		slog.String("error", cause.Error()),
	)
	_ = os.RemoveAll(c.entryDir(fingerprint))
}

func writeField(h interface{ Write([]byte) (int, error) }, s string) {
	fmt.Fprintf(h, "%d:%s", len(s), s)
}
