package embedder

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeKeysFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.txt")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadKeyRing(t *testing.T) {
	path := writeKeysFile(t, "# primary\nsk-aaa\n\nsk-bbb\n")

	ring, err := LoadKeyRing(path)
	if err != nil {
		t.Fatal(err)
	}
	if ring.Len() != 2 {
		t.Errorf("expected 2 keys, got %d", ring.Len())
	}

	key, err := ring.Current()
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-aaa" {
		t.Errorf("expected first key, got %q", key)
	}
}

func TestLoadKeyRing_Empty(t *testing.T) {
	path := writeKeysFile(t, "# only comments\n\n")

	if _, err := LoadKeyRing(path); err == nil {
		t.Error("expected error for empty credentials file")
	}
}

func TestLoadKeyRing_Missing(t *testing.T) {
	if _, err := LoadKeyRing(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestKeyRing_Invalidate(t *testing.T) {
	path := writeKeysFile(t, "sk-aaa\nsk-bbb\n")

	ring, err := LoadKeyRing(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := ring.Invalidate("sk-aaa"); err != nil {
		t.Fatal(err)
	}

	key, err := ring.Current()
	if err != nil {
		t.Fatal(err)
	}
	if key != "sk-bbb" {
		t.Errorf("expected rotation to sk-bbb, got %q", key)
	}

	// The file reflects the rotation.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-aaa") {
		t.Error("invalidated key still present in file")
	}
	if !strings.Contains(string(data), "sk-bbb") {
		t.Error("remaining key missing from file")
	}

	// Invalidating again is a no-op.
	if err := ring.Invalidate("sk-aaa"); err != nil {
		t.Fatal(err)
	}
	if ring.Len() != 1 {
		t.Errorf("expected 1 key after repeat invalidation, got %d", ring.Len())
	}
}

func TestKeyRing_Exhausted(t *testing.T) {
	path := writeKeysFile(t, "sk-aaa\n")

	ring, err := LoadKeyRing(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := ring.Invalidate("sk-aaa"); err != nil {
		t.Fatal(err)
	}

	if _, err := ring.Current(); err == nil {
		t.Error("expected error from exhausted ring")
	}
}
