package integrity

import (
	"ModelVault/internal/repo"
	"ModelVault/internal/store"
	"ModelVault/model"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/net/context"
)

func newTestChecker(t *testing.T) (*Checker, *store.History, string) {
	t.Helper()
	root := t.TempDir()
	db, err := repo.OpenSqlite(t.TempDir())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	history := store.NewHistory(db)
	return NewChecker(history, root), history, root
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestHashFileSHA256(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "hello world")

	got, err := HashFile(path, AlgoSHA256)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if got != want {
		t.Fatalf("sha256 = %s, want %s", got, want)
	}

	// Empty algo defaults to sha256.
	def, err := HashFile(path, "")
	if err != nil || def != want {
		t.Fatalf("default algo: %s %v", def, err)
	}
}

func TestHashFileBlake2b(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	writeFile(t, path, "abc")

	got, err := HashFile(path, AlgoBlake2b)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	want := "bddd813c634239723171ef3fee98579b94964e3bb1cb3e427262c8c068d52319"
	if got != want {
		t.Fatalf("blake2b = %s, want %s", got, want)
	}
}

func TestHashFileUnknownAlgo(t *testing.T) {
	if _, err := HashFile("irrelevant", "md5"); err == nil {
		t.Fatal("expected error for unsupported algorithm")
	}
}

func TestVerifyMismatch(t *testing.T) {
	c, _, root := newTestChecker(t)
	path := filepath.Join(root, "f.txt")
	writeFile(t, path, "hello world")

	computed, err := c.Verify(path, "deadbeef", AlgoSHA256)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected MismatchError, got %v", err)
	}
	if computed == "" {
		t.Fatal("computed hash should be returned on mismatch")
	}

	// Expected hash comparison is case-insensitive.
	if _, err := c.Verify(path, "B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9", AlgoSHA256); err != nil {
		t.Fatalf("case-insensitive match failed: %v", err)
	}
}

func TestLookupExistingByHash(t *testing.T) {
	c, history, root := newTestChecker(t)
	path := filepath.Join(root, "loras", "style.safetensors")
	writeFile(t, path, "payload")

	hash, err := HashFile(path, AlgoSHA256)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if err := history.Add(&model.DownloadHistory{
		TaskID:      "old",
		FileName:    "style.safetensors",
		Directory:   "loras",
		Hash:        hash,
		HashAlgo:    AlgoSHA256,
		SizeBytes:   7,
		CompletedAt: time.Now(),
	}); err != nil {
		t.Fatalf("history add: %v", err)
	}

	// Same content requested at a different destination: history hit.
	existing, err := c.LookupExisting(context.Background(), hash, AlgoSHA256, "checkpoints", "other.safetensors")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing == nil || existing.Path != path {
		t.Fatalf("expected history hit at %s, got %+v", path, existing)
	}
}

func TestLookupExistingStaleHistory(t *testing.T) {
	c, history, _ := newTestChecker(t)
	if err := history.Add(&model.DownloadHistory{
		TaskID:      "old",
		FileName:    "gone.safetensors",
		Directory:   "loras",
		Hash:        "cafe01",
		CompletedAt: time.Now(),
	}); err != nil {
		t.Fatalf("history add: %v", err)
	}

	// The recorded file no longer exists, so the entry must not satisfy the
	// request.
	existing, err := c.LookupExisting(context.Background(), "cafe01", AlgoSHA256, "loras", "new.safetensors")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing != nil {
		t.Fatalf("stale history entry satisfied the request: %+v", existing)
	}
}

func TestLookupExistingDestinationFile(t *testing.T) {
	c, _, root := newTestChecker(t)
	path := filepath.Join(root, "checkpoints", "base.ckpt")
	writeFile(t, path, "weights")

	existing, err := c.LookupExisting(context.Background(), "", AlgoSHA256, "checkpoints", "base.ckpt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing == nil || existing.Size != int64(len("weights")) {
		t.Fatalf("expected destination hit, got %+v", existing)
	}

	// A destination file that does not match the expected hash forces a
	// fresh transfer.
	existing, err = c.LookupExisting(context.Background(), "deadbeef", AlgoSHA256, "checkpoints", "base.ckpt")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing != nil {
		t.Fatalf("mismatched destination file should not satisfy the request: %+v", existing)
	}
}

func TestLookupExistingBlake2bDestination(t *testing.T) {
	c, _, root := newTestChecker(t)
	path := filepath.Join(root, "checkpoints", "vae.safetensors")
	writeFile(t, path, "vae-weights")

	hash, err := HashFile(path, AlgoBlake2b)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	// A blake2b-identified request must hash the destination file with
	// blake2b, not the default algorithm.
	existing, err := c.LookupExisting(context.Background(), hash, AlgoBlake2b, "checkpoints", "vae.safetensors")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing == nil || existing.Hash != hash {
		t.Fatalf("expected blake2b destination hit, got %+v", existing)
	}
}

func TestLookupExistingMiss(t *testing.T) {
	c, _, _ := newTestChecker(t)
	existing, err := c.LookupExisting(context.Background(), "", AlgoSHA256, "checkpoints", "nothing.bin")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if existing != nil {
		t.Fatalf("unexpected hit: %+v", existing)
	}
}
