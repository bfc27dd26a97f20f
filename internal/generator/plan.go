package generator

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"
	"os"
	"slices"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"gopkg.in/yaml.v3"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

var (
	// ErrEmptyPlan is returned for a plan with no entries.
	ErrEmptyPlan = errors.New("plan has no entries")

	// ErrUnboundContract is returned by Bind when a referenced contract has
	// no address.
	ErrUnboundContract = errors.New("contract reference not bound")
)

// contractRefPrefix marks a `to` value naming a contract deployed before the
// run instead of a literal address.
const contractRefPrefix = "@"

// Plan is a cyclic list of request templates loaded from YAML:
//
//	name: mixed
//	entries:
//	  - kind: eth-transfer
//	    value: "1000"
//	    weight: 3
//	  - kind: storage-write
//	    to: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
//	  - kind: erc20-transfer
//	    to: "@erc20"
//	  - bundle:
//	      - kind: eth-transfer
//	      - kind: eth-transfer
type Plan struct {
	Name    string  `yaml:"name"`
	Entries []Entry `yaml:"entries"`
}

// Entry is one template. Either Kind or Bundle is set.
type Entry struct {
	Kind      types.TxKind      `yaml:"kind,omitempty"`
	To        string            `yaml:"to,omitempty"`
	Recipient string            `yaml:"recipient,omitempty"`
	Value     string            `yaml:"value,omitempty"`
	Amount    string            `yaml:"amount,omitempty"`
	Data      string            `yaml:"data,omitempty"`
	Weight    int               `yaml:"weight,omitempty"`
	Meta      map[string]string `yaml:"meta,omitempty"`
	Bundle    []Entry           `yaml:"bundle,omitempty"`

	to        *common.Address
	ref       string
	recipient *common.Address
	value     *big.Int
	amount    *big.Int
	data      []byte
}

// DefaultPlan sends plain value transfers, each sender paying itself.
func DefaultPlan() *Plan {
	p := &Plan{Name: "transfers", Entries: []Entry{{Kind: types.KindTransfer}}}
	if err := p.compile(); err != nil {
		panic(err)
	}
	return p
}

// LoadPlan reads and validates a plan file.
func LoadPlan(path string) (*Plan, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	p, err := ParsePlan(b)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return p, nil
}

// ParsePlan decodes and validates a YAML plan. Unknown fields are rejected.
func ParsePlan(b []byte) (*Plan, error) {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	if err := p.compile(); err != nil {
		return nil, err
	}
	return &p, nil
}

func (p *Plan) compile() error {
	if len(p.Entries) == 0 {
		return ErrEmptyPlan
	}
	for i := range p.Entries {
		e := &p.Entries[i]
		if len(e.Bundle) > 0 {
			if e.Kind != "" {
				return fmt.Errorf("entry %d: kind and bundle are mutually exclusive", i)
			}
			for j := range e.Bundle {
				m := &e.Bundle[j]
				if len(m.Bundle) > 0 {
					return fmt.Errorf("entry %d member %d: nested bundles are not supported", i, j)
				}
				if err := m.parse(); err != nil {
					return fmt.Errorf("entry %d member %d: %w", i, j, err)
				}
			}
		} else if err := e.parse(); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		if e.Weight < 0 {
			return fmt.Errorf("entry %d: negative weight", i)
		}
	}
	return nil
}

func (e *Entry) parse() error {
	if e.Kind == "" {
		return errors.New("missing kind")
	}
	var err error
	if ref, ok := strings.CutPrefix(e.To, contractRefPrefix); ok {
		if ref == "" {
			return errors.New("to: empty contract reference")
		}
		e.ref = ref
	} else if e.to, err = parseAddress(e.To); err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if e.recipient, err = parseAddress(e.Recipient); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	if e.value, err = parseAmount(e.Value); err != nil {
		return fmt.Errorf("value: %w", err)
	}
	if e.amount, err = parseAmount(e.Amount); err != nil {
		return fmt.Errorf("amount: %w", err)
	}
	if e.Data != "" {
		if e.data, err = hexutil.Decode(e.Data); err != nil {
			return fmt.Errorf("data: %w", err)
		}
	}
	return nil
}

// ContractRefs returns the sorted, de-duplicated contract names referenced
// with "@name" targets.
func (p *Plan) ContractRefs() []string {
	var refs []string
	p.eachEntry(func(e *Entry) {
		if e.ref != "" && !slices.Contains(refs, e.ref) {
			refs = append(refs, e.ref)
		}
	})
	slices.Sort(refs)
	return refs
}

// Bind resolves every contract reference to its deployed address. It must be
// called before the plan is handed to New.
func (p *Plan) Bind(addrs map[string]common.Address) error {
	var err error
	p.eachEntry(func(e *Entry) {
		if e.ref == "" || err != nil {
			return
		}
		addr, ok := addrs[e.ref]
		if !ok {
			err = fmt.Errorf("%w: %s", ErrUnboundContract, e.ref)
			return
		}
		e.to = &addr
	})
	return err
}

func (p *Plan) eachEntry(fn func(e *Entry)) {
	for i := range p.Entries {
		e := &p.Entries[i]
		if len(e.Bundle) == 0 {
			fn(e)
			continue
		}
		for j := range e.Bundle {
			fn(&e.Bundle[j])
		}
	}
}

func parseAddress(s string) (*common.Address, error) {
	if s == "" {
		return nil, nil
	}
	if !common.IsHexAddress(s) {
		return nil, fmt.Errorf("invalid address %q", s)
	}
	a := common.HexToAddress(s)
	return &a, nil
}

// parseAmount accepts decimal or 0x-prefixed hex wei.
func parseAmount(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	v, ok := math.ParseBig256(s)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	return v, nil
}

func (e *Entry) valueOr(def *big.Int) *big.Int {
	return copyOr(e.value, def)
}

func (e *Entry) amountOr(def *big.Int) *big.Int {
	return copyOr(e.amount, def)
}

func copyOr(v, def *big.Int) *big.Int {
	if v != nil {
		return new(big.Int).Set(v)
	}
	if def != nil {
		return new(big.Int).Set(def)
	}
	return nil
}
