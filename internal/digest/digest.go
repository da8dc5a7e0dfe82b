// Package digest computes whole-file digests used to verify finished downloads.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultAlgorithm is used when no algorithm is configured.
const DefaultAlgorithm = "sha256"

const chunkSize = 4096

var ErrUnknownAlgorithm = errors.New("unknown digest algorithm")

var algorithms = map[string]func() hash.Hash{
	"sha256": sha256.New,
	"sha1":   sha1.New,
	"sha512": sha512.New,
	"md5":    md5.New,
	"blake2b-256": func() hash.Hash {
		// New256 only fails for keys longer than 64 bytes.
		h, _ := blake2b.New256(nil)

		return h
	},
}

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Verifier hashes files with a single configured algorithm.
type Verifier struct {
	algorithm string
	newHash   func() hash.Hash
}

// New returns a Verifier for the named algorithm. An empty name selects sha256.
func New(algorithm string) (*Verifier, error) {
	name := strings.ToLower(strings.TrimSpace(algorithm))
	if name == "" {
		name = DefaultAlgorithm
	}

	newHash, ok := algorithms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAlgorithm, algorithm)
	}

	return &Verifier{algorithm: name, newHash: newHash}, nil
}

func (v *Verifier) Algorithm() string {
	return v.algorithm
}

// FileDigest streams the file through the hash and returns the lowercase hex digest.
func (v *Verifier) FileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := v.newHash()

	if _, err := io.CopyBuffer(h, f, make([]byte, chunkSize)); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify hashes the file and compares it with expected. The actual digest is
// returned in both the matching and the mismatching case.
func (v *Verifier) Verify(path, expected string) (bool, string, error) {
	actual, err := v.FileDigest(path)
	if err != nil {
		return false, "", err
	}

	return Matches(actual, expected), actual, nil
}

// Matches compares two hex digests ignoring case and surrounding whitespace.
func Matches(actual, expected string) bool {
	return strings.EqualFold(strings.TrimSpace(actual), strings.TrimSpace(expected))
}
