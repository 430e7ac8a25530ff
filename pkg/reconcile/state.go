package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jokeworks/deploytrust/pkg/trust"
)

// CloudState is the engine's view of one cloud provider: fetch what
// exists, apply one operation. Implementations must be safe for
// concurrent Apply calls on independent operations.
type CloudState interface {
	// Fetch returns the observed state of the named keys. Keys absent
	// from the cloud are simply absent from the result.
	Fetch(ctx context.Context, keys ObservedKeys) (*Observed, error)

	// Apply performs one mutating operation.
	Apply(ctx context.Context, op Operation) error
}

// ObservedKeys names everything one reconciliation pass must look at:
// the union of what the document declares and what the state file owns.
type ObservedKeys struct {
	Services   []string
	Pools      []string
	Providers  []string
	Principals []string
	Resources  []trust.ManagedResource
	Bindings   []trust.RoleBinding
	Grants     []trust.ImpersonationGrant
}

// ObservedProvider is the drift-relevant subset of a live provider.
type ObservedProvider struct {
	IssuerURI        string
	Audience         string
	AttributeMapping map[string]string
	ConditionCEL     string
}

// Observed is a snapshot of live cloud state, keyed the same way the
// document keys desired state.
type Observed struct {
	Services   map[string]bool
	Pools      map[string]bool
	Providers  map[string]ObservedProvider
	Principals map[string]bool
	Resources  map[string]trust.ManagedResource
	Bindings   map[string]bool
	Grants     map[string]bool
}

// NewObserved returns an empty snapshot with all maps initialized.
func NewObserved() *Observed {
	return &Observed{
		Services:   map[string]bool{},
		Pools:      map[string]bool{},
		Providers:  map[string]ObservedProvider{},
		Principals: map[string]bool{},
		Resources:  map[string]trust.ManagedResource{},
		Bindings:   map[string]bool{},
		Grants:     map[string]bool{},
	}
}

const stateVersion = 1

// ownedRecord is one resource the engine created and therefore owns.
// The full object is kept so deletions can be planned after the
// declaration leaves the document.
type ownedRecord struct {
	Kind     Kind            `json:"kind"`
	ID       string          `json:"id"`
	Object   json.RawMessage `json:"object,omitempty"`
	OwnedAt  time.Time       `json:"owned_at"`
	LastSeen time.Time       `json:"last_seen"`
}

type stateFileData struct {
	Version int                    `json:"version"`
	Owned   map[string]ownedRecord `json:"owned"`
}

// StateFile is the ownership ledger. The engine only ever deletes what
// this file records it created; pre-existing cloud resources are never
// touched. Writes are atomic via temp file and rename.
type StateFile struct {
	mu   sync.Mutex
	path string
	data stateFileData
}

// LoadStateFile opens the ledger at path, creating an empty one in
// memory when the file does not exist yet.
func LoadStateFile(path string) (*StateFile, error) {
	s := &StateFile{
		path: path,
		data: stateFileData{Version: stateVersion, Owned: map[string]ownedRecord{}},
	}

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, trust.ErrConfig(fmt.Sprintf("reading state file %s", path)).WithCause(err)
	}

	var data stateFileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, trust.ErrConfig(fmt.Sprintf("state file %s is corrupt", path)).WithCause(err)
	}
	if data.Version > stateVersion {
		return nil, trust.ErrConfig(fmt.Sprintf("state file %s has version %d, newer than supported %d", path, data.Version, stateVersion))
	}
	if data.Owned == nil {
		data.Owned = map[string]ownedRecord{}
	}
	data.Version = stateVersion
	s.data = data
	return s, nil
}

func ownedKey(kind Kind, id string) string {
	return string(kind) + "|" + id
}

// MarkOwned records that the engine created the given resource. The
// object payload is stored so a later pass can plan its deletion.
func (s *StateFile) MarkOwned(kind Kind, id string, object any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw json.RawMessage
	if object != nil {
		b, err := json.Marshal(object)
		if err != nil {
			return trust.ErrInternal(fmt.Sprintf("encoding owned %s %s", kind, id)).WithCause(err)
		}
		raw = b
	}

	now := time.Now().UTC()
	rec, ok := s.data.Owned[ownedKey(kind, id)]
	if !ok {
		rec = ownedRecord{Kind: kind, ID: id, OwnedAt: now}
	}
	rec.Object = raw
	rec.LastSeen = now
	s.data.Owned[ownedKey(kind, id)] = rec
	return nil
}

// Forget removes a resource from the ledger after its deletion.
func (s *StateFile) Forget(kind Kind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data.Owned, ownedKey(kind, id))
}

// Owns reports whether the ledger records the resource.
func (s *StateFile) Owns(kind Kind, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data.Owned[ownedKey(kind, id)]
	return ok
}

// OwnedOfKind returns the recorded resources of one kind, sorted by ID.
func (s *StateFile) OwnedOfKind(kind Kind) []ownedRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ownedRecord
	for _, rec := range s.data.Owned {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// OwnedObject decodes the stored payload of one owned resource into dst.
func (s *StateFile) OwnedObject(kind Kind, id string, dst any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data.Owned[ownedKey(kind, id)]
	if !ok || rec.Object == nil {
		return trust.ErrNotFound(string(kind), id)
	}
	return json.Unmarshal(rec.Object, dst)
}

// Save writes the ledger to disk atomically.
func (s *StateFile) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return trust.ErrInternal("encoding state file").WithCause(err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return trust.ErrConfig(fmt.Sprintf("creating state directory %s", dir)).WithCause(err)
	}

	tmp, err := os.CreateTemp(dir, ".state-*.json")
	if err != nil {
		return trust.ErrConfig("creating temporary state file").WithCause(err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return trust.ErrConfig("writing state file").WithCause(err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return trust.ErrConfig("closing state file").WithCause(err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return trust.ErrConfig(fmt.Sprintf("replacing state file %s", s.path)).WithCause(err)
	}
	return nil
}
