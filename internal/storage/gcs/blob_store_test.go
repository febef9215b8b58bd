package gcs

import (
	"context"
	"fmt"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer client.Close()

	_, err = New(client, Config{})
	require.Error(t, err)

	store, err := New(client, Config{Bucket: "assets", Prefix: "/generated/"})
	require.NoError(t, err)
	require.Equal(t, "generated/images/ab/x.png", store.ObjectName("/images/ab/x.png"))

	bare, err := New(client, Config{Bucket: "assets"})
	require.NoError(t, err)
	require.Equal(t, "images/x.png", bare.ObjectName("images/x.png"))
}

func TestIsPreconditionFailed(t *testing.T) {
	t.Parallel()

	require.True(t, isPreconditionFailed(fmt.Errorf("close: %w", &googleapi.Error{Code: 412})))
	require.False(t, isPreconditionFailed(&googleapi.Error{Code: 500}))
	require.False(t, isPreconditionFailed(fmt.Errorf("plain")))
}
