package embedder

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// KeyRing manages API credentials stored one per line in a file. The first
// key is the active one; when a key is invalidated it is removed from the
// file so a restart never picks it up again.
type KeyRing struct {
	mu   sync.Mutex
	path string
	keys []string
}

// LoadKeyRing reads the credentials file. Blank lines and lines starting
// with '#' are ignored. An empty ring is an error: callers select the API
// provider only when credentials exist.
func LoadKeyRing(path string) (*KeyRing, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open credentials file: %w", err)
	}
	defer f.Close()

	var keys []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		keys = append(keys, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read credentials file: %w", err)
	}

	if len(keys) == 0 {
		return nil, fmt.Errorf("credentials file %s contains no keys", path)
	}

	return &KeyRing{path: path, keys: keys}, nil
}

// Current returns the active key, or an error when the ring is exhausted.
func (r *KeyRing) Current() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.keys) == 0 {
		return "", fmt.Errorf("no credentials left in %s", r.path)
	}
	return r.keys[0], nil
}

// Invalidate removes key from the ring and rewrites the file. Removing a key
// that is no longer present is a no-op, so concurrent rotators converge on
// the same next key.
func (r *KeyRing) Invalidate(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.keys[:0]
	removed := false
	for _, k := range r.keys {
		if k == key && !removed {
			removed = true
			continue
		}
		kept = append(kept, k)
	}
	r.keys = kept

	if !removed {
		return nil
	}
	return r.rewrite()
}

// Len returns the number of keys remaining.
func (r *KeyRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.keys)
}

// rewrite persists the ring atomically: write a temp file in the same
// directory, then rename over the original. Caller holds the lock.
func (r *KeyRing) rewrite() error {
	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, ".keys-*")
	if err != nil {
		return fmt.Errorf("failed to create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()

	for _, k := range r.keys {
		if _, err := fmt.Fprintln(tmp, k); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("failed to write credentials: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp credentials file: %w", err)
	}

	if err := os.Rename(tmpName, r.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}
