package bundle

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/gateway-fm/blockspammer/internal/rpc"
)

// ErrUnknownVenue is returned by Build for an unregistered venue name.
var ErrUnknownVenue = errors.New("unknown bundle venue")

// VenueConfig carries everything a venue factory may need.
type VenueConfig struct {
	// Target is the client for the node receiving single transactions.
	Target Caller
	// RelayURL is the endpoint for relay venues.
	RelayURL string
	// AuthKey is the hex key relays use to identify the sender.
	AuthKey string
	Logger  *slog.Logger
}

// Venue describes one place bundles can be sent.
type Venue struct {
	Name         string
	Description  string
	RequiresAuth bool
	New          func(cfg VenueConfig) (Submitter, error)
}

// Registry holds named bundle venues. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Venue
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Venue)}
}

// Register adds or replaces a venue.
func (r *Registry) Register(v *Venue) {
	if v == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[v.Name] = v
}

// Get returns the venue named name, or nil.
func (r *Registry) Get(name string) *Venue {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[name]
}

// Names returns registered venue names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build constructs the submitter for venue name.
func (r *Registry) Build(name string, cfg VenueConfig) (Submitter, error) {
	v := r.Get(name)
	if v == nil {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownVenue, name, r.Names())
	}
	if v.RequiresAuth && cfg.AuthKey == "" {
		return nil, fmt.Errorf("bundle venue %q requires an auth key", name)
	}
	return v.New(cfg)
}

// DefaultRegistry returns a registry with the built-in venues.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(RPCVenue())
	r.Register(RelayVenue())
	r.Register(DisabledVenue())
	return r
}

// RPCVenue sends eth_sendBundle to the target node.
func RPCVenue() *Venue {
	return &Venue{
		Name:        "rpc",
		Description: "eth_sendBundle on the target RPC endpoint",
		New: func(cfg VenueConfig) (Submitter, error) {
			if cfg.Target == nil {
				return nil, errors.New("rpc venue needs a target client")
			}
			return NewRPCSubmitter("rpc", cfg.Target), nil
		},
	}
}

// RelayVenue sends signed eth_sendBundle requests to a Flashbots-style relay.
func RelayVenue() *Venue {
	return &Venue{
		Name:         "relay",
		Description:  "eth_sendBundle on a relay with X-Flashbots-Signature auth",
		RequiresAuth: true,
		New: func(cfg VenueConfig) (Submitter, error) {
			if cfg.RelayURL == "" {
				return nil, errors.New("relay venue needs a relay URL")
			}
			auth, err := NewRelayAuth(cfg.AuthKey)
			if err != nil {
				return nil, err
			}
			clientCfg := rpc.DefaultClientConfig(cfg.RelayURL)
			clientCfg.RequestHook = auth.Hook
			clientCfg.Logger = cfg.Logger
			return NewRPCSubmitter("relay", rpc.NewHTTPClient(clientCfg)), nil
		},
	}
}

// DisabledVenue rejects bundles.
func DisabledVenue() *Venue {
	return &Venue{
		Name:        "none",
		Description: "bundles fail per intent",
		New: func(cfg VenueConfig) (Submitter, error) {
			return Disabled{}, nil
		},
	}
}
