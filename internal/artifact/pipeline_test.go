package artifact

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/genkernel/orchestrator/internal/bus"
	"github.com/genkernel/orchestrator/internal/obslog"
)

type memStorage struct {
	stored int32
}

func (m *memStorage) Store(ctx context.Context, stream io.Reader, meta Metadata) (StoredObject, error) {
	data, err := io.ReadAll(stream)
	if err != nil {
		return StoredObject{}, err
	}
	atomic.AddInt32(&m.stored, 1)
	return StoredObject{URL: "https://blob.example/" + meta.Filename, StorageKey: meta.Filename, SizeBytes: int64(len(data))}, nil
}

func TestPipeline_PreservesIndexOrder(t *testing.T) {
	storage := &memStorage{}
	b := bus.NewInProcess()
	p := New(storage, http.DefaultClient, DefaultConfig(), b, obslog.Nop())

	descriptors := []Descriptor{
		{Index: 0, InlineBase64: base64.StdEncoding.EncodeToString([]byte("one"))},
		{Index: 1, InlineBase64: base64.StdEncoding.EncodeToString([]byte("two"))},
	}

	results, err := p.Process(context.Background(), descriptors, Metadata{Prompt: "a cat", Model: "m1", ProviderID: "p1"}, "corr-1", nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, 0, results[0].Index)
	require.Equal(t, 1, results[1].Index)
	require.EqualValues(t, 2, storage.stored)
}

func TestPipeline_BestEffortFallbackOnStorageFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	storage := &memStorage{}
	p := New(storage, http.DefaultClient, DefaultConfig(), nil, obslog.Nop())

	descriptors := []Descriptor{{Index: 0, SourceURL: server.URL + "/img.png"}}
	results, err := p.Process(context.Background(), descriptors, Metadata{}, "corr-2", nil)
	require.NoError(t, err)
	require.Equal(t, server.URL+"/img.png", results[0].URL)
}

func TestPipeline_ReportsProgress(t *testing.T) {
	storage := &memStorage{}
	p := New(storage, http.DefaultClient, DefaultConfig(), nil, obslog.Nop())

	var seen []int
	descriptors := []Descriptor{
		{Index: 0, InlineBase64: base64.StdEncoding.EncodeToString([]byte("a"))},
		{Index: 1, InlineBase64: base64.StdEncoding.EncodeToString([]byte("b"))},
		{Index: 2, InlineBase64: base64.StdEncoding.EncodeToString([]byte("c"))},
	}
	_, err := p.Process(context.Background(), descriptors, Metadata{}, "corr-3", func(n int) { seen = append(seen, n) })
	require.NoError(t, err)
	require.Len(t, seen, 3)
}
