package histolog

import (
	"os"
	"testing"
)

func symlink(target, link string) error {
	return os.Symlink(target, link)
}

func writeRaw(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write raw file: %v", err)
	}
}
