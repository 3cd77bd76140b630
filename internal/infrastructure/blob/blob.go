// Package blob implements the claim-check byte backend (C4): node
// payloads over the inline threshold are offloaded here and replaced in
// the event log by a blob reference, keyed by
// "execution_id-node_id" (model.BlobID). Storage is local disk, laid out
// the way the file storage provider this package is adapted from lays
// its own content out: a base directory, one file per key, directories
// created on demand.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/kuro6061/nexum/internal/domain/nexumerr"
	"github.com/kuro6061/nexum/internal/domain/repository"
)

// envelope is the on-disk msgpack encoding of a stored blob, per §10.3's
// domain-stack wiring note: a denser on-disk format than JSON for large
// payloads, while the pointer returned to callers stays the normative
// claim-check JSON shape.
type envelope struct {
	Size    int    `msgpack:"size"`
	Path    string `msgpack:"path"`
	Payload []byte `msgpack:"payload"`
}

// Store is a disk-backed blob store addressed by caller-chosen keys. Writes to the
// same key are serialized per-key via a striped lock map rather than one
// global mutex, since concurrent dispatch of unrelated nodes must not
// contend on unrelated blobs.
type Store struct {
	basePath string
	locks    *xsync.MapOf[string, *keyLock]
}

type keyLock struct {
	mu sync.Mutex
}

// NewStore creates a disk-backed blob store rooted at basePath, creating
// the directory if it does not yet exist.
func NewStore(basePath string) (*Store, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("create blob directory: %w", err)
	}
	return &Store{
		basePath: basePath,
		locks:    xsync.NewMapOf[string, *keyLock](),
	}, nil
}

var _ repository.BlobStore = (*Store)(nil)

func (s *Store) lockFor(blobID string) *keyLock {
	lock, _ := s.locks.LoadOrCompute(blobID, func() *keyLock {
		return &keyLock{}
	})
	return lock
}

func (s *Store) pathFor(blobID string) string {
	return filepath.Join(s.basePath, blobID+".json")
}

// Put stores payload under blobID, overwriting any existing blob with
// the same key (a re-dispatched node retrying after a crash produces an
// identical payload, so overwrite is safe). Returns the stored size and
// the on-disk path, matching the engine's BlobStore contract.
func (s *Store) Put(ctx context.Context, blobID string, payload []byte) (int, string, error) {
	lock := s.lockFor(blobID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	path := s.pathFor(blobID)
	env := envelope{
		Size:    len(payload),
		Path:    path,
		Payload: payload,
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return 0, "", nexumerr.Internal(err, "encode blob envelope")
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, "", nexumerr.Internal(err, "write blob %q", blobID)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return 0, "", nexumerr.Internal(err, "finalize blob %q", blobID)
	}
	return env.Size, path, nil
}

// Get retrieves the payload stored under blobID.
func (s *Store) Get(ctx context.Context, blobID string) ([]byte, error) {
	lock := s.lockFor(blobID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	data, err := os.ReadFile(s.pathFor(blobID))
	if os.IsNotExist(err) {
		return nil, nexumerr.NotFound("blob %q not found", blobID)
	}
	if err != nil {
		return nil, nexumerr.Internal(err, "read blob %q", blobID)
	}

	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, nexumerr.Internal(err, "decode blob envelope %q", blobID)
	}
	return env.Payload, nil
}
