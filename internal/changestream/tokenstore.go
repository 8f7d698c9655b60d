package changestream

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/ledgermesh/ledgermesh/faults"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// TokenStore persists resume tokens across restarts (spec §4.E, three
// strategies: memory, file, external document store). MemoryTokenStore and
// FileTokenStore guard every read and write with their own mutex (spec §5
// shared-resource policy).
type TokenStore interface {
	Save(ctx context.Context, subscriptionID, token string) error
	Get(ctx context.Context, subscriptionID string) (string, error)
	Clear(ctx context.Context, subscriptionID string) error
}

// MemoryTokenStore keeps tokens in a map; tokens do not survive a process
// restart, but the uniform TokenStore contract means callers never notice.
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (m *MemoryTokenStore) Save(ctx context.Context, subscriptionID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[subscriptionID] = token
	return nil
}

func (m *MemoryTokenStore) Get(ctx context.Context, subscriptionID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tokens[subscriptionID], nil
}

func (m *MemoryTokenStore) Clear(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens, subscriptionID)
	return nil
}

// FileTokenStore persists one file per subscription under
// <root>/subscriptions/<id>.token (spec §6 Persisted state layout), written
// atomically via temp-then-rename, grounded on the teacher's
// backend_disk.go persistence idiom.
type FileTokenStore struct {
	mu   sync.Mutex
	root string
}

func NewFileTokenStore(root string) (*FileTokenStore, error) {
	dir := filepath.Join(root, "subscriptions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, faults.Wrap(faults.KindIO, "create subscriptions directory", err)
	}
	return &FileTokenStore{root: dir}, nil
}

func (f *FileTokenStore) path(subscriptionID string) string {
	return filepath.Join(f.root, subscriptionID+".token")
}

func (f *FileTokenStore) Save(ctx context.Context, subscriptionID, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	target := f.path(subscriptionID)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, []byte(token), 0o644); err != nil {
		return faults.Wrap(faults.KindIO, "write resume token temp file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		return faults.Wrap(faults.KindIO, "rename resume token file", err)
	}
	return nil
}

func (f *FileTokenStore) Get(ctx context.Context, subscriptionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(subscriptionID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", faults.Wrap(faults.KindIO, "read resume token file", err)
	}
	return string(data), nil
}

func (f *FileTokenStore) Clear(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(subscriptionID))
	if err != nil && !os.IsNotExist(err) {
		return faults.Wrap(faults.KindIO, "remove resume token file", err)
	}
	return nil
}

// EtcdTokenStore delegates resume-token persistence to an external document
// store (spec §9 Open Question 2), grounded on estuary-flow's direct use of
// go.etcd.io/etcd/client/v3 for shared cluster state.
type EtcdTokenStore struct {
	client *clientv3.Client
	prefix string
}

func NewEtcdTokenStore(client *clientv3.Client, prefix string) *EtcdTokenStore {
	return &EtcdTokenStore{client: client, prefix: prefix}
}

func (e *EtcdTokenStore) key(subscriptionID string) string {
	return e.prefix + "/" + subscriptionID
}

func (e *EtcdTokenStore) Save(ctx context.Context, subscriptionID, token string) error {
	if _, err := e.client.Put(ctx, e.key(subscriptionID), token); err != nil {
		return faults.Wrap(faults.KindIO, "put resume token in etcd", err)
	}
	return nil
}

func (e *EtcdTokenStore) Get(ctx context.Context, subscriptionID string) (string, error) {
	resp, err := e.client.Get(ctx, e.key(subscriptionID))
	if err != nil {
		return "", faults.Wrap(faults.KindIO, "get resume token from etcd", err)
	}
	if len(resp.Kvs) == 0 {
		return "", nil
	}
	return string(resp.Kvs[0].Value), nil
}

func (e *EtcdTokenStore) Clear(ctx context.Context, subscriptionID string) error {
	if _, err := e.client.Delete(ctx, e.key(subscriptionID)); err != nil {
		return faults.Wrap(faults.KindIO, "delete resume token from etcd", err)
	}
	return nil
}
