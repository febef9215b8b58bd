package local_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/product-automation/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "assets")
		store, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		assert.NotNil(t, store)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})
	t.Run("BaseDirIsFile", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	dir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: dir})
	require.NoError(t, err)

	t.Run("WritesNestedPath", func(t *testing.T) {
		uri, err := store.PutObject(context.Background(), "images/ab/cd/abcd.png", "image/png", strings.NewReader("png"))
		require.NoError(t, err)
		full := filepath.Join(dir, "images", "ab", "cd", "abcd.png")
		abs, err := filepath.Abs(full)
		require.NoError(t, err)
		assert.Equal(t, "file://"+abs, uri)
		data, err := os.ReadFile(abs)
		require.NoError(t, err)
		assert.Equal(t, "png", string(data))
	})
	t.Run("RejectsTraversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.png", "image/png", strings.NewReader("x"))
		assert.Error(t, err)
	})
	t.Run("RejectsEmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), " ", "image/png", strings.NewReader("x"))
		assert.Error(t, err)
	})
}
