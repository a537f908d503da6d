package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilesystemStore(t *testing.T) {
	store, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	content := []byte("hello assetstore")
	wantsum := sha256.Sum256(content)
	wanthex := hex.EncodeToString(wantsum[:])

	key, size, sum, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, int64(len(content)), size)
	assert.Equal(t, wanthex, sum)
	assert.Equal(t, path.Join(wanthex[:2], wanthex[2:4], wanthex), key)

	rc, err := store.Open(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, content, got)

	// same content lands on the same key
	key2, _, _, err := store.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}
	assert.Equal(t, key, key2)

	if err := store.Delete(ctx, key); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Open(ctx, key); err == nil {
		t.Fatal("expected an error opening a deleted blob")
	}
	// deleting twice is fine
	assert.NoError(t, store.Delete(ctx, key))
}
