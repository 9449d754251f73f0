package integrity

import (
	"ModelVault/internal/store"
	"ModelVault/utils"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/net/context"
)

const (
	AlgoSHA256  = "sha256"
	AlgoBlake2b = "blake2b"
)

// MismatchError is returned when a computed hash diverges from the expected
// one. The partial data must be discarded by the caller.
type MismatchError struct {
	Expected string
	Computed string
	Algo     string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s mismatch: expected %.16s…, got %.16s…", e.Algo, e.Expected, e.Computed)
}

// Checker verifies downloaded files and answers dedup lookups against the
// download history and the managed storage root.
type Checker struct {
	history    *store.History
	modelsRoot string
}

func NewChecker(history *store.History, modelsRoot string) *Checker {
	return &Checker{history: history, modelsRoot: modelsRoot}
}

func newHasher(algo string) (hash.Hash, error) {
	switch strings.ToLower(strings.TrimSpace(algo)) {
	case "", AlgoSHA256:
		return sha256.New(), nil
	case AlgoBlake2b:
		return blake2b.New256(nil)
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algo)
	}
}

// HashFile streams path through the given algorithm.
func HashFile(path, algo string) (string, error) {
	h, err := newHasher(algo)
	if err != nil {
		return "", err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify computes the content hash of path and compares it against expected
// when one was supplied. The computed hash is returned either way so callers
// can record it for future dedup.
func (c *Checker) Verify(path, expected, algo string) (string, error) {
	computed, err := HashFile(path, algo)
	if err != nil {
		return "", err
	}
	if expected != "" && !strings.EqualFold(expected, computed) {
		return computed, &MismatchError{Expected: strings.ToLower(expected), Computed: computed, Algo: normalizeAlgo(algo)}
	}
	return computed, nil
}

func normalizeAlgo(algo string) string {
	if strings.TrimSpace(algo) == "" {
		return AlgoSHA256
	}
	return strings.ToLower(algo)
}

// Existing describes an already-satisfied request.
type Existing struct {
	Path string
	Hash string
	Size int64
}

// LookupExisting checks whether the request is already satisfied: first by
// content hash in history (verifying the recorded file is still on disk),
// then by the destination itself, hashed with the request's algorithm.
// Returns nil when a transfer is needed.
func (c *Checker) LookupExisting(ctx context.Context, expectedHash, algo, directory, fileName string) (*Existing, error) {
	if expectedHash != "" {
		entry, err := c.history.FindByHash(strings.ToLower(expectedHash))
		if err != nil {
			return nil, err
		}
		if entry != nil {
			path, err := utils.ValidateDownloadPath(c.modelsRoot, entry.Directory, entry.FileName)
			if err == nil {
				if info, statErr := os.Stat(path); statErr == nil && !info.IsDir() {
					return &Existing{Path: path, Hash: entry.Hash, Size: info.Size()}, nil
				}
			}
		}
	}

	path, err := utils.ValidateDownloadPath(c.modelsRoot, directory, fileName)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, nil
	}
	// A file is already at the destination. With an expected hash we verify
	// before trusting it; a mismatched local file forces a fresh transfer.
	if expectedHash != "" {
		computed, err := HashFile(path, algo)
		if err != nil {
			return nil, nil
		}
		if !strings.EqualFold(computed, expectedHash) {
			return nil, nil
		}
		return &Existing{Path: path, Hash: computed, Size: info.Size()}, nil
	}
	entry, err := c.history.FindByDestination(directory, fileName)
	if err != nil {
		return nil, err
	}
	hash := ""
	if entry != nil {
		hash = entry.Hash
	}
	return &Existing{Path: path, Hash: hash, Size: info.Size()}, nil
}
