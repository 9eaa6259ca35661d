package graph

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kyleking/sqlcontext/internal/errors"
)

type fakeObjectClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func (f *fakeObjectClient) Put(_ context.Context, bucket, key string, body io.Reader, _ int64) error {
	if f.putErr != nil {
		return f.putErr
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.objects[bucket+"/"+key] = data

	return nil
}

func (f *fakeObjectClient) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, errObjectNotFound
	}

	return io.NopCloser(bytes.NewReader(data)), nil
}

func TestS3SnapshotStore(t *testing.T) {
	ctx := context.Background()
	client := &fakeObjectClient{objects: map[string][]byte{}}

	persist, err := newS3SnapshotStore(client, "metadata", "/graph/relations.json")
	require.NoError(t, err)

	store, err := Open(ctx, persist)
	require.NoError(t, err)
	assert.Equal(t, 0, store.Snapshot().NodeCount())

	require.NoError(t, store.AddRelation(ctx, retailRelations()))
	assert.Contains(t, client.objects, "metadata/graph/relations.json")

	reopened, err := Open(ctx, persist)
	require.NoError(t, err)
	assert.Equal(t, store.Snapshot().Snapshot(), reopened.Snapshot().Snapshot())
}

func TestS3SnapshotStoreUploadFailure(t *testing.T) {
	client := &fakeObjectClient{objects: map[string][]byte{}, putErr: fmt.Errorf("503 slow down")}

	persist, err := newS3SnapshotStore(client, "metadata", "")
	require.NoError(t, err)

	err = persist.Save(context.Background(), New().Snapshot())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeUpstream))
}

func TestS3SnapshotStoreRejectsEscapingKey(t *testing.T) {
	_, err := newS3SnapshotStore(&fakeObjectClient{}, "metadata", "../outside.json")
	assert.Error(t, err)
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		raw     string
		useSSL  bool
		host    string
		secure  bool
		wantErr bool
	}{
		{"localhost:9000", false, "localhost:9000", false, false},
		{"https://s3.example.com", false, "s3.example.com", true, false},
		{"http://minio:9000", true, "minio:9000", false, false},
		{"", true, "", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, secure, err := parseEndpoint(tt.raw, tt.useSSL)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.secure, secure)
		})
	}
}
