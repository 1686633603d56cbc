package utils

import (
	"crypto/md5"
	"fmt"
	"os"
	"strings"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Fingerprint hashes the parts joined by NUL so ("ab","c") and ("a","bc")
// differ.
func Fingerprint(parts ...string) string {
	return HashString(strings.Join(parts, "\x00"))
}

// FileFingerprint identifies a file by path, size and modification time. It
// falls back to the path alone when the file cannot be stat'ed.
func FileFingerprint(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return Fingerprint(path)
	}
	return Fingerprint(path, fmt.Sprint(info.Size()), fmt.Sprint(info.ModTime().UnixNano()))
}
