// Package generator produces the ordered intent sequence a run consumes.
package generator

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/blockspammer/pkg/types"
)

// ErrNoSenders is returned when a generator has no sender pool.
var ErrNoSenders = errors.New("no sender addresses")

// Generator yields count intents in dispatch order.
type Generator interface {
	Intents(ctx context.Context, count int) ([]types.ExecutionIntent, error)
}

// Metadata keys set on every generated intent.
const (
	MetaPlan  = "plan"
	MetaEntry = "entry"
	MetaSeq   = "seq"
)

// PlanGenerator cycles a Plan, expanding entries by weight, and assigns
// senders round-robin. Each bundle member takes the next sender.
type PlanGenerator struct {
	plan     *Plan
	senders  []common.Address
	registry *Registry
	cycle    []int
}

// Config configures a PlanGenerator.
type Config struct {
	Plan     *Plan // default: DefaultPlan()
	Senders  []common.Address
	Registry *Registry // default: NewDefaultRegistry()
}

// New creates a PlanGenerator. Every kind used by the plan must have a
// builder.
func New(cfg Config) (*PlanGenerator, error) {
	if len(cfg.Senders) == 0 {
		return nil, ErrNoSenders
	}
	plan := cfg.Plan
	if plan == nil {
		plan = DefaultPlan()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewDefaultRegistry()
	}

	var cycle []int
	for i, e := range plan.Entries {
		kinds := []types.TxKind{e.Kind}
		if len(e.Bundle) > 0 {
			kinds = kinds[:0]
			for _, m := range e.Bundle {
				kinds = append(kinds, m.Kind)
			}
		}
		for _, k := range kinds {
			if _, err := registry.Get(k); err != nil {
				return nil, fmt.Errorf("entry %d: %w", i, err)
			}
		}

		w := e.Weight
		if w == 0 {
			w = 1
		}
		for j := 0; j < w; j++ {
			cycle = append(cycle, i)
		}
	}

	senders := make([]common.Address, len(cfg.Senders))
	copy(senders, cfg.Senders)
	return &PlanGenerator{plan: plan, senders: senders, registry: registry, cycle: cycle}, nil
}

// Senders returns the sender pool in assignment order.
func (g *PlanGenerator) Senders() []common.Address {
	return g.senders
}

// Intents builds count intents. The same count always yields the same
// sequence.
func (g *PlanGenerator) Intents(ctx context.Context, count int) ([]types.ExecutionIntent, error) {
	out := make([]types.ExecutionIntent, 0, count)
	next := 0
	sender := func() common.Address {
		a := g.senders[next%len(g.senders)]
		next++
		return a
	}

	for seq := 0; seq < count; seq++ {
		if seq%1024 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		idx := g.cycle[seq%len(g.cycle)]
		e := g.plan.Entries[idx]

		meta := types.Metadata{}
		for k, v := range e.Meta {
			meta[k] = v
		}
		meta[MetaPlan] = g.plan.Name
		meta[MetaEntry] = strconv.Itoa(idx)
		meta[MetaSeq] = strconv.Itoa(seq)

		if len(e.Bundle) == 0 {
			req, err := g.build(e, sender(), uint64(seq))
			if err != nil {
				return nil, fmt.Errorf("intent %d: %w", seq, err)
			}
			out = append(out, types.NewSingle(req, meta))
			continue
		}

		reqs := make([]types.TxRequest, 0, len(e.Bundle))
		for _, m := range e.Bundle {
			req, err := g.build(m, sender(), uint64(seq))
			if err != nil {
				return nil, fmt.Errorf("intent %d: %w", seq, err)
			}
			reqs = append(reqs, req)
		}
		intent, err := types.NewBundle(reqs, meta)
		if err != nil {
			return nil, fmt.Errorf("intent %d: %w", seq, err)
		}
		out = append(out, intent)
	}
	return out, nil
}

func (g *PlanGenerator) build(e Entry, from common.Address, seq uint64) (types.TxRequest, error) {
	b, err := g.registry.Get(e.Kind)
	if err != nil {
		return types.TxRequest{}, err
	}
	return b.Build(e, from, seq)
}
