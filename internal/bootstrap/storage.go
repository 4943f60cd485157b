package bootstrap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/genkernel/orchestrator/internal/artifact"
)

// localDiskStorage is a minimal artifact.Storage backed by the local
// filesystem, suitable for single-node deployments and the zero-
// dependency "run it locally" path; production deployments wire a
// blob-store client behind the same narrow Storage interface instead,
// per spec.md §1's scope boundary (only put/get is consumed).
type localDiskStorage struct {
	root    string
	baseURL string
}

func newLocalDiskStorage(root string) (*localDiskStorage, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &localDiskStorage{root: root, baseURL: "file://" + root}, nil
}

func (s *localDiskStorage) Store(ctx context.Context, stream io.Reader, meta artifact.Metadata) (artifact.StoredObject, error) {
	key := meta.Filename
	if key == "" {
		key = randomKey()
	}
	path := filepath.Join(s.root, key)

	f, err := os.Create(path)
	if err != nil {
		return artifact.StoredObject{}, err
	}
	defer f.Close()

	n, err := io.Copy(f, stream)
	if err != nil {
		return artifact.StoredObject{}, err
	}

	return artifact.StoredObject{
		URL:        s.baseURL + "/" + key,
		StorageKey: key,
		SizeBytes:  n,
	}, nil
}

func randomKey() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
