package artifact

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
)

// FileSHA256 returns the lowercase hex sha256 of the file at path.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifySHA256 checks that the file's sha256 matches expected (hex).
func VerifySHA256(path, expected string) error {
	got, err := FileSHA256(path)
	if err != nil {
		return err
	}
	exp := strings.ToLower(strings.TrimSpace(expected))
	if got != exp {
		return fmt.Errorf("sha256 mismatch: got %s want %s", got, exp)
	}
	return nil
}

// SameContent reports whether both files exist and have identical bytes.
func SameContent(a, b string) bool {
	sa, err := os.Stat(a)
	if err != nil {
		return false
	}
	sb, err := os.Stat(b)
	if err != nil || sa.Size() != sb.Size() {
		return false
	}
	ha, err := FileSHA256(a)
	if err != nil {
		return false
	}
	return VerifySHA256(b, ha) == nil
}
