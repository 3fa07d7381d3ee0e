// Package artifact provides a read-only view over compiled contract artifacts.
//
// Artifacts are produced by an external compiler and addressed by the pair
// (source path, contract name). An artifact with empty bytecode is abstract:
// an interface or an abstract base contract, never deployable.
//
// # Usage
//
//	store, err := artifact.Load("build/contracts.json", artifact.LoadOptions{})
//	a, err := store.Get("trading/Orders.sol", "Orders")
//	if a.IsAbstract() {
//	    // skip
//	}
package artifact

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// =============================================================================
// Types
// =============================================================================

// ID addresses one contract inside one source file.
type ID struct {
	Source string
	Name   string
}

func (id ID) String() string {
	return id.Source + ":" + id.Name
}

// FileName returns the source file's base name without its extension.
// "trading/Orders.sol" becomes "Orders".
func (id ID) FileName() string {
	base := path.Base(id.Source)
	return strings.TrimSuffix(base, path.Ext(base))
}

// Artifact is the compiled output for one contract.
type Artifact struct {
	ID
	ABI      abi.ABI
	Bytecode []byte
}

// IsAbstract reports whether the artifact has no deployable bytecode.
func (a Artifact) IsAbstract() bool {
	return len(a.Bytecode) == 0
}

// HasMethod reports whether the artifact's ABI declares the named method.
func (a Artifact) HasMethod(name string) bool {
	_, ok := a.ABI.Methods[name]
	return ok
}

// =============================================================================
// Store
// =============================================================================

// Store is an immutable, deterministically ordered artifact set.
type Store struct {
	byID map[ID]Artifact
	ids  []ID
}

// NewStore builds a store. Two artifacts with the same ID are rejected.
func NewStore(artifacts ...Artifact) (*Store, error) {
	s := &Store{byID: make(map[ID]Artifact, len(artifacts))}
	for _, a := range artifacts {
		if a.Source == "" || a.Name == "" {
			return nil, fmt.Errorf("%w: artifact with empty source or name", domain.ErrInvalidArtifact)
		}
		if _, dup := s.byID[a.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate artifact %s", domain.ErrInvalidArtifact, a.ID)
		}
		s.byID[a.ID] = a
		s.ids = append(s.ids, a.ID)
	}
	sort.Slice(s.ids, func(i, j int) bool {
		if s.ids[i].Source != s.ids[j].Source {
			return s.ids[i].Source < s.ids[j].Source
		}
		return s.ids[i].Name < s.ids[j].Name
	})
	return s, nil
}

// Get returns the artifact for (source, name) or ErrArtifactNotFound.
func (s *Store) Get(source, name string) (Artifact, error) {
	a, ok := s.Lookup(source, name)
	if !ok {
		return Artifact{}, fmt.Errorf("%w: %s", domain.ErrArtifactNotFound, ID{Source: source, Name: name})
	}
	return a, nil
}

// Lookup returns the artifact for (source, name) and whether it exists.
func (s *Store) Lookup(source, name string) (Artifact, bool) {
	a, ok := s.byID[ID{Source: source, Name: name}]
	return a, ok
}

// FindByName returns the first artifact, in store order, with the given
// contract name regardless of source file.
func (s *Store) FindByName(name string) (Artifact, bool) {
	for _, id := range s.ids {
		if id.Name == name {
			return s.byID[id], true
		}
	}
	return Artifact{}, false
}

// MustFindByName is FindByName returning ErrArtifactNotFound on a miss.
func (s *Store) MustFindByName(name string) (Artifact, error) {
	a, ok := s.FindByName(name)
	if !ok {
		return Artifact{}, fmt.Errorf("%w: no contract named %q", domain.ErrArtifactNotFound, name)
	}
	return a, nil
}

// All returns every artifact sorted by source path, then contract name.
func (s *Store) All() []Artifact {
	out := make([]Artifact, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.byID[id])
	}
	return out
}

// Sources returns the distinct source paths in sorted order.
func (s *Store) Sources() []string {
	var out []string
	for _, id := range s.ids {
		if len(out) == 0 || out[len(out)-1] != id.Source {
			out = append(out, id.Source)
		}
	}
	return out
}

// Len returns the number of artifacts.
func (s *Store) Len() int {
	return len(s.ids)
}
