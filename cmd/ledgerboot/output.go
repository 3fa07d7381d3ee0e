package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/artpar/ledgerboot/internal/shell/bootstrap"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Manifest formats.
const (
	FormatYAML = "yaml"
	FormatJSON = "json"
)

// =============================================================================
// Manifest
// =============================================================================

// Manifest is the written form of a bootstrap result. Addresses are
// checksummed hex strings; zero addresses are omitted.
type Manifest struct {
	RunID     string            `yaml:"run_id" json:"run_id"`
	Registry  string            `yaml:"registry,omitempty" json:"registry,omitempty"`
	Universe  string            `yaml:"universe,omitempty" json:"universe,omitempty"`
	Cash      string            `yaml:"cash,omitempty" json:"cash,omitempty"`
	Contracts map[string]string `yaml:"contracts" json:"contracts"`
	Markets   MarketsManifest   `yaml:"markets" json:"markets"`
	Completed []string          `yaml:"completed" json:"completed"`
	Error     string            `yaml:"error,omitempty" json:"error,omitempty"`
	Retryable bool              `yaml:"retryable,omitempty" json:"retryable,omitempty"`
}

// MarketsManifest lists the sample markets.
type MarketsManifest struct {
	Binary      string `yaml:"binary,omitempty" json:"binary,omitempty"`
	Categorical string `yaml:"categorical,omitempty" json:"categorical,omitempty"`
	Scalar      string `yaml:"scalar,omitempty" json:"scalar,omitempty"`
}

// NewManifest builds a manifest from a (possibly partial) result and the
// error the run ended with.
func NewManifest(res *bootstrap.Result, runErr error) *Manifest {
	m := &Manifest{
		Contracts: map[string]string{},
		Completed: []string{},
	}
	if res != nil {
		m.RunID = res.RunID
		m.Registry = hexAddress(res.Registry)
		m.Universe = hexAddress(res.Universe)
		m.Cash = hexAddress(res.Cash)
		for name, addr := range res.Contracts {
			m.Contracts[name] = addr.Hex()
		}
		m.Markets = MarketsManifest{
			Binary:      hexAddress(res.Markets.Binary),
			Categorical: hexAddress(res.Markets.Categorical),
			Scalar:      hexAddress(res.Markets.Scalar),
		}
		for _, state := range res.Completed {
			m.Completed = append(m.Completed, state.String())
		}
	}
	if runErr != nil {
		m.Error = runErr.Error()
		m.Retryable = domain.IsRetryable(runErr)
	}
	return m
}

func hexAddress(addr common.Address) string {
	if addr == (common.Address{}) {
		return ""
	}
	return addr.Hex()
}

// Known returns the manifest's contracts as addresses, for reuse by a
// later run.
func (m *Manifest) Known() (map[string]common.Address, error) {
	known := make(map[string]common.Address, len(m.Contracts))
	for name, hex := range m.Contracts {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("%w: manifest contract %s has invalid address %q", domain.ErrConfiguration, name, hex)
		}
		known[name] = common.HexToAddress(hex)
	}
	return known, nil
}

// =============================================================================
// Encoding
// =============================================================================

// WriteManifest encodes m to w in the given format.
func WriteManifest(w io.Writer, m *Manifest, format string) error {
	switch strings.ToLower(format) {
	case "", FormatYAML, "yml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(m); err != nil {
			return fmt.Errorf("encode manifest: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown output format %q", domain.ErrConfiguration, format)
	}
}

// SaveManifest writes m to path, or to stdout when path is empty.
func SaveManifest(path string, m *Manifest, format string) error {
	if path == "" {
		return WriteManifest(os.Stdout, m, format)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create manifest: %w", err)
	}
	if err := WriteManifest(f, m, format); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadManifest reads a manifest written by SaveManifest. Both formats are
// accepted since YAML decodes JSON.
func ReadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read manifest %s: %v", domain.ErrConfiguration, path, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest %s: %v", domain.ErrConfiguration, path, err)
	}
	return &m, nil
}
