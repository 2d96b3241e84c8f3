// Package registry tracks live capability advertisements: who provides what,
// how fresh the claim is, and how much the relaying sender is trusted.
// Advertisements are never mutated in place; a re-advertise replaces the
// prior entry and TTL expiry or an explicit offline notice removes it.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// DefaultTTL is how long an advertisement stays live without a refresh.
const DefaultTTL = 60 * time.Second

// Advertisement is a capability advertisement enriched with receiver-side
// metadata.
type Advertisement struct {
	hsp.CapabilityAdvertisement

	// DirectSenderID is who relayed the advertisement, not necessarily the
	// owning agent.
	DirectSenderID string    `json:"direct_sender_id"`
	EffectiveTrust float64   `json:"effective_trust"`
	ReceivedAt     time.Time `json:"received_at"`
}

type entryKey struct {
	agentID      string
	capabilityID string
}

// Filter narrows ListAll results.
type Filter struct {
	AgentID string
	Name    string
	Tag     string
	// IncludeHidden includes entries below the trust floor, which discovery
	// normally hides but the registry retains for audit.
	IncludeHidden bool
}

// Config holds registry tuning.
type Config struct {
	// TTL is the staleness window for advertisements.
	TTL time.Duration
	// TrustFloor hides advertisements whose effective trust falls below it.
	TrustFloor float64
}

// Registry is the live set of capability advertisements.
type Registry struct {
	cfg    Config
	trust  TrustPolicy
	clock  hsp.Clock
	logger *slog.Logger

	mu      sync.RWMutex
	entries map[entryKey]*Advertisement
	// Watchers waiting for the next ingest from a given agent id. One-shot.
	watchers map[string][]chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a registry. A zero TTL falls back to DefaultTTL; a nil trust
// policy falls back to the constant default trust.
func New(cfg Config, trust TrustPolicy, clock hsp.Clock) *Registry {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if trust == nil {
		trust = NewStaticTrustPolicy(nil, DefaultTrust)
	}
	if clock == nil {
		clock = hsp.SystemClock()
	}
	return &Registry{
		cfg:      cfg,
		trust:    trust,
		clock:    clock,
		logger:   slog.With("component", "registry"),
		entries:  make(map[entryKey]*Advertisement),
		watchers: make(map[string][]chan struct{}),
	}
}

// TTL returns the configured staleness window.
func (r *Registry) TTL() time.Duration { return r.cfg.TTL }

// Start launches the background eviction loop, which runs every TTL/3.
// Calling Start twice is a no-op.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go r.evictionLoop(ctx)
}

// Stop halts the eviction loop.
func (r *Registry) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
}

// Bind subscribes the registry to the advertisement broadcast topic on the
// given connector.
func (r *Registry) Bind(ctx context.Context, conn *bus.Connector) error {
	return conn.Subscribe(ctx, hsp.TopicAdvertisements, func(_ context.Context, env *hsp.Envelope) {
		ad, err := hsp.DecodePayload[hsp.CapabilityAdvertisement](env)
		if err != nil {
			r.logger.Warn("Dropping malformed advertisement", "error", err)
			return
		}
		if err := r.Ingest(*ad, env.SenderID); err != nil {
			r.logger.Warn("Rejected advertisement", "capability_id", ad.CapabilityID, "error", err)
		}
	})
}

// Ingest upserts an advertisement keyed by (agent id, capability id) and
// stamps it with the receive time and the trust of its direct sender. An
// offline advertisement evicts the entry immediately.
func (r *Registry) Ingest(ad hsp.CapabilityAdvertisement, directSenderID string) error {
	if err := ad.Validate(); err != nil {
		return err
	}
	key := entryKey{agentID: ad.AgentID, capabilityID: ad.CapabilityID}

	r.mu.Lock()
	if ad.Availability == hsp.AvailabilityOffline {
		delete(r.entries, key)
		r.mu.Unlock()
		r.logger.Debug("Capability withdrawn", "capability_id", ad.CapabilityID, "agent_id", ad.AgentID)
		return nil
	}

	entry := &Advertisement{
		CapabilityAdvertisement: ad,
		DirectSenderID:          directSenderID,
		EffectiveTrust:          r.trust.TrustOf(directSenderID),
		ReceivedAt:              r.clock.Now(),
	}
	r.entries[key] = entry

	waiters := r.watchers[ad.AgentID]
	delete(r.watchers, ad.AgentID)
	r.mu.Unlock()

	for _, w := range waiters {
		close(w)
	}
	return nil
}

// FindByName returns all live, discoverable advertisements for a capability
// name, ordered by effective trust, then semantic version, then freshness,
// then capability id. The order is strictly total.
func (r *Registry) FindByName(name string) []*Advertisement {
	now := r.clock.Now()
	r.mu.RLock()
	matches := make([]*Advertisement, 0, 4)
	for _, e := range r.entries {
		if e.Name != name || !r.discoverable(e, now) {
			continue
		}
		matches = append(matches, e)
	}
	r.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.EffectiveTrust != b.EffectiveTrust {
			return a.EffectiveTrust > b.EffectiveTrust
		}
		if c := compareVersions(a.Version, b.Version); c != 0 {
			return c > 0
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.After(b.ReceivedAt)
		}
		return a.CapabilityID < b.CapabilityID
	})
	return matches
}

// FindByID returns the live advertisement with the given capability id, or
// nil when none is discoverable.
func (r *Registry) FindByID(capabilityID string) *Advertisement {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.entries {
		if e.CapabilityID == capabilityID && r.discoverable(e, now) {
			return e
		}
	}
	return nil
}

// FindByAgent returns all live advertisements owned by an agent.
func (r *Registry) FindByAgent(agentID string) []*Advertisement {
	return r.ListAll(Filter{AgentID: agentID})
}

// ListAll returns live advertisements matching the filter.
func (r *Registry) ListAll(filter Filter) []*Advertisement {
	now := r.clock.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Advertisement, 0, len(r.entries))
	for _, e := range r.entries {
		if r.stale(e, now) {
			continue
		}
		if !filter.IncludeHidden && e.EffectiveTrust < r.cfg.TrustFloor {
			continue
		}
		if filter.AgentID != "" && e.AgentID != filter.AgentID {
			continue
		}
		if filter.Name != "" && e.Name != filter.Name {
			continue
		}
		if filter.Tag != "" && !containsTag(e.Tags, filter.Tag) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Watch returns a channel closed on the next advertisement ingested from the
// given agent id. Used by the lifecycle manager's readiness handshake.
func (r *Registry) Watch(agentID string) <-chan struct{} {
	ch := make(chan struct{})
	r.mu.Lock()
	r.watchers[agentID] = append(r.watchers[agentID], ch)
	r.mu.Unlock()
	return ch
}

func (r *Registry) discoverable(e *Advertisement, now time.Time) bool {
	return !r.stale(e, now) &&
		e.Availability != hsp.AvailabilityOffline &&
		e.EffectiveTrust >= r.cfg.TrustFloor
}

func (r *Registry) stale(e *Advertisement, now time.Time) bool {
	return now.Sub(e.ReceivedAt) > r.cfg.TTL
}

func (r *Registry) evictionLoop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.cfg.TTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evictStale()
		}
	}
}

func (r *Registry) evictStale() {
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, e := range r.entries {
		if r.stale(e, now) {
			delete(r.entries, key)
			r.logger.Info("Evicted stale advertisement",
				"capability_id", e.CapabilityID, "agent_id", e.AgentID,
				"age", now.Sub(e.ReceivedAt))
		}
	}
}

func containsTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// compareVersions compares dotted numeric versions ("1.2" vs "1.10").
// Non-numeric segments compare lexicographically as a fallback.
func compareVersions(a, b string) int {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var av, bv string
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		an, aerr := strconv.Atoi(av)
		bn, berr := strconv.Atoi(bv)
		if aerr == nil && berr == nil {
			if an != bn {
				if an > bn {
					return 1
				}
				return -1
			}
			continue
		}
		if av != bv {
			if av > bv {
				return 1
			}
			return -1
		}
	}
	return 0
}
