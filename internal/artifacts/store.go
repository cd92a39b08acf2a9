// Package artifacts persists the per-stage, per-document files a run produces.
package artifacts

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotFound is returned when a key has no stored artifact.
var ErrNotFound = eris.New("artifact not found")

// Store is one stage namespace of keyed artifacts.
type Store interface {
	// Put writes data under key, replacing any previous artifact.
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent writes data only when key is free. It reports whether it wrote.
	PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error)
	// Get returns the artifact or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns the sorted keys that end with suffix.
	List(ctx context.Context, suffix string) ([]string, error)
	// URI locates the artifact for humans and for services that read it directly.
	URI(key string) string
}

// Namespaces used by a run.
const (
	NamespaceBinaries  = "pdfs"
	NamespaceResponses = "responses"
	NamespaceParsed    = "json"
)

// Report keys written at the namespace root.
const (
	AuditTableKey = "filtered_pdfs.csv"
	CorpusKey     = "combined_data.json"
)

// Stores groups every namespace a run writes to.
type Stores struct {
	Binaries  Store
	Responses Store
	Parsed    Store
	Reports   Store
}

// NewStores builds one Store per namespace with open. Reports use the root namespace "".
func NewStores(open func(namespace string) Store) Stores {
	return Stores{
		Binaries:  open(NamespaceBinaries),
		Responses: open(NamespaceResponses),
		Parsed:    open(NamespaceParsed),
		Reports:   open(""),
	}
}

// Key helpers keep the artifact naming in one place.
func BinaryKey(documentID string) string   { return documentID + ".pdf" }
func ResponseKey(documentID string) string { return documentID + ".txt" }
func ParsedKey(documentID string) string   { return documentID + ".json" }

// DocumentID recovers the id from a key produced by one of the helpers above.
func DocumentID(key string) string {
	if i := strings.LastIndexByte(key, '.'); i > 0 {
		return key[:i]
	}
	return key
}

// ValidateKey rejects keys that would escape their namespace.
func ValidateKey(key string) error {
	if key == "" {
		return eris.New("artifacts: empty key")
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return eris.Errorf("artifacts: key %q must be a single path element", key)
	}
	return nil
}
