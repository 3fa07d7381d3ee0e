package artifact

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/artpar/ledgerboot/internal/core/domain"
	"github.com/ethereum/go-ethereum/accounts/abi"
)

// DefaultSourcePrefix is stripped from source paths so that artifacts are
// addressed relative to the contracts root.
const DefaultSourcePrefix = "../source/contracts/"

// LoadOptions controls how compiler output is mapped onto the store.
type LoadOptions struct {
	// SourcePrefix is removed from every source path. Defaults to
	// DefaultSourcePrefix.
	SourcePrefix string
}

type compiledContract struct {
	ABI json.RawMessage `json:"abi"`
	EVM struct {
		Bytecode struct {
			Object string `json:"object"`
		} `json:"bytecode"`
	} `json:"evm"`
}

// Load reads compiler standard-JSON output from path.
func Load(path string, opts LoadOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read artifacts %s: %v", domain.ErrConfiguration, path, err)
	}
	return Parse(data, opts)
}

// Parse decodes compiler standard-JSON output. Both the full output object
// ({"contracts": {...}}) and the bare contracts map are accepted.
func Parse(data []byte, opts LoadOptions) (*Store, error) {
	if opts.SourcePrefix == "" {
		opts.SourcePrefix = DefaultSourcePrefix
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("%w: decode compiler output: %v", domain.ErrInvalidArtifact, err)
	}
	if wrapped, ok := top["contracts"]; ok {
		if err := json.Unmarshal(wrapped, &top); err != nil {
			return nil, fmt.Errorf("%w: decode contracts section: %v", domain.ErrInvalidArtifact, err)
		}
	}

	var artifacts []Artifact
	for source, raw := range top {
		var contracts map[string]compiledContract
		if err := json.Unmarshal(raw, &contracts); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", domain.ErrInvalidArtifact, source, err)
		}
		source = strings.TrimPrefix(source, opts.SourcePrefix)
		for name, c := range contracts {
			a, err := decodeContract(ID{Source: source, Name: name}, c)
			if err != nil {
				return nil, err
			}
			artifacts = append(artifacts, a)
		}
	}
	return NewStore(artifacts...)
}

func decodeContract(id ID, c compiledContract) (Artifact, error) {
	parsed := abi.ABI{}
	if len(c.ABI) > 0 && string(c.ABI) != "null" {
		var err error
		parsed, err = abi.JSON(bytes.NewReader(c.ABI))
		if err != nil {
			return Artifact{}, fmt.Errorf("%w: abi of %s: %v", domain.ErrInvalidArtifact, id, err)
		}
	}

	code, err := DecodeBytecode(c.EVM.Bytecode.Object)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: bytecode of %s: %v", domain.ErrInvalidArtifact, id, err)
	}

	return Artifact{ID: id, ABI: parsed, Bytecode: code}, nil
}

// DecodeBytecode decodes a hex bytecode string with or without 0x prefix.
// Unlinked library placeholders are rejected.
func DecodeBytecode(object string) ([]byte, error) {
	object = strings.TrimPrefix(strings.TrimSpace(object), "0x")
	if object == "" {
		return nil, nil
	}
	if strings.Contains(object, "__") {
		return nil, errors.New("unlinked library placeholder")
	}
	return hex.DecodeString(object)
}
