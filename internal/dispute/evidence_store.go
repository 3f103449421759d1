package dispute

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// MemoryEvidenceStore keeps serialized evidence documents in memory,
// addressed by content hash. Suitable for demo mode and tests; a real
// deployment backs this with IPFS pinning.
type MemoryEvidenceStore struct {
	docs map[string][]byte
	mu   sync.RWMutex
}

// NewMemoryEvidenceStore creates an in-memory evidence store.
func NewMemoryEvidenceStore() *MemoryEvidenceStore {
	return &MemoryEvidenceStore{docs: make(map[string][]byte)}
}

func (m *MemoryEvidenceStore) Put(ctx context.Context, doc interface{}) (string, error) {
	body, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(body)
	uri := "evidence://sha256/" + hex.EncodeToString(sum[:])

	m.mu.Lock()
	m.docs[uri] = body
	m.mu.Unlock()
	return uri, nil
}

// Get returns the stored document body for a URI.
func (m *MemoryEvidenceStore) Get(uri string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	body, ok := m.docs[uri]
	return body, ok
}

var _ EvidenceStore = (*MemoryEvidenceStore)(nil)
