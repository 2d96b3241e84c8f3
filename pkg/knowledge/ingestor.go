// Package knowledge guards the shared fact store against popularity
// amplification: hearing the same claim many times never raises its stored
// confidence. Repetition corroborates, only a strictly more credible
// conflicting claim supersedes.
package knowledge

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivemesh/hivemesh/pkg/bus"
	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

// Defaults, overridable via Config.
const (
	DefaultTrustFloor   = 0.2
	DefaultNoveltyBonus = 0.05
	DefaultEpsilon      = 0.01

	lockStripes = 64
)

// Strategy names the outcome of one ingestion.
type Strategy string

// Ingestion strategies.
const (
	StrategyCommittedNovel Strategy = "committed_novel"
	StrategyCorroborated   Strategy = "corroborated"
	StrategySuperseded     Strategy = "superseded"
	StrategyContradiction  Strategy = "contradiction"
	StrategyRejected       Strategy = "rejected"
	StrategyQuarantined    Strategy = "quarantined"
)

// Resolution describes what the ingestor did with a fact.
type Resolution struct {
	Strategy            Strategy `json:"strategy"`
	FactID              string   `json:"fact_id"`
	RecordID            string   `json:"record_id,omitempty"`
	SemanticKey         string   `json:"semantic_key"`
	EffectiveConfidence float64  `json:"effective_confidence"`
	// SupersededID is set when the strategy displaced a stored record.
	SupersededID string `json:"superseded_id,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Config holds ingestor tuning.
type Config struct {
	// TrustFloor quarantines facts whose effective confidence is below it.
	TrustFloor float64
	// NoveltyBonus is added to the stored confidence of first-seen claims.
	NoveltyBonus float64
	// Epsilon is the band within which conflicting confidences count as equal.
	Epsilon float64
}

func (c Config) withDefaults() Config {
	if c.TrustFloor <= 0 {
		c.TrustFloor = DefaultTrustFloor
	}
	if c.NoveltyBonus <= 0 {
		c.NoveltyBonus = DefaultNoveltyBonus
	}
	if c.Epsilon <= 0 {
		c.Epsilon = DefaultEpsilon
	}
	return c
}

// Ingestor applies the fact scorecard. Ingestion is serialized per
// (subject, predicate) through striped locks; distinct assertion slots
// proceed in parallel.
type Ingestor struct {
	cfg      Config
	analyzer ContentAnalyzer
	trust    registry.TrustPolicy
	store    Store
	logger   *slog.Logger

	locks [lockStripes]sync.Mutex
}

// New creates an ingestor. A nil analyzer falls back to DefaultAnalyzer; a
// nil trust policy scores every sender at the registry default.
func New(cfg Config, analyzer ContentAnalyzer, trust registry.TrustPolicy, store Store) *Ingestor {
	if store == nil {
		panic("knowledge.New: store must not be nil")
	}
	if analyzer == nil {
		analyzer = DefaultAnalyzer{}
	}
	if trust == nil {
		trust = registry.NewStaticTrustPolicy(nil, registry.DefaultTrust)
	}
	return &Ingestor{
		cfg:      cfg.withDefaults(),
		analyzer: analyzer,
		trust:    trust,
		store:    store,
		logger:   slog.With("component", "knowledge"),
	}
}

// Bind subscribes the ingestor to a fact topic on the given connector.
func (i *Ingestor) Bind(ctx context.Context, conn *bus.Connector, topic string) error {
	return conn.Subscribe(ctx, hsp.FactTopic(topic), func(_ context.Context, env *hsp.Envelope) {
		fact, err := hsp.DecodePayload[hsp.Fact](env)
		if err != nil {
			i.logger.Warn("Dropping malformed fact", "error", err)
			return
		}
		if _, err := i.Ingest(context.Background(), *fact, env.SenderID); err != nil {
			i.logger.Warn("Fact ingestion failed", "fact_id", fact.FactID, "error", err)
		}
	})
}

// Ingest runs the scorecard for one fact from a direct sender and returns
// the resolution applied. Contradictions and quarantines are outcomes, not
// errors; the error return covers analyzer and storage failures only.
func (i *Ingestor) Ingest(ctx context.Context, f hsp.Fact, senderID string) (*Resolution, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	key, err := i.analyzer.Analyze(&f)
	if err != nil {
		return nil, err
	}

	trust := i.trust.TrustOf(senderID)
	effective := f.Confidence * trust

	res := &Resolution{
		FactID:              f.FactID,
		SemanticKey:         key.FullKey(),
		EffectiveConfidence: effective,
	}

	if effective < i.cfg.TrustFloor {
		rec := i.newRecord(f, key, senderID, effective, f.Confidence, StatusQuarantined)
		if err := i.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		res.Strategy = StrategyQuarantined
		res.RecordID = rec.ID
		res.Reason = "effective confidence below ingestion floor"
		i.logger.Info("Fact quarantined",
			"fact_id", f.FactID, "sender", senderID, "effective_confidence", effective)
		return res, nil
	}

	lock := &i.locks[stripeFor(key.PairKey())]
	lock.Lock()
	defer lock.Unlock()

	// Type-1 duplicate: the same fact id seen again.
	if existing, err := i.store.GetByFactID(ctx, f.FactID); err != nil {
		return nil, err
	} else if existing != nil {
		return i.corroborate(ctx, res, existing, senderID)
	}

	live, err := i.store.LiveByPair(ctx, key.Subject, key.Predicate)
	if err != nil {
		return nil, err
	}

	// Type-2 duplicate: a different fact id asserting the identical claim.
	for _, rec := range live {
		if rec.Object == key.Object {
			return i.corroborate(ctx, res, rec, senderID)
		}
	}

	// Conflict: the assertion slot is occupied by a different object.
	if len(live) > 0 {
		return i.resolveConflict(ctx, res, f, key, senderID, effective, live)
	}

	// Novelty: first claim for this slot.
	stored := math.Min(1.0, f.Confidence+i.cfg.NoveltyBonus)
	rec := i.newRecord(f, key, senderID, effective, stored, StatusLive)
	if err := i.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	res.Strategy = StrategyCommittedNovel
	res.RecordID = rec.ID
	i.logger.Debug("Fact committed", "fact_id", f.FactID, "record_id", rec.ID)
	return res, nil
}

// corroborate bumps the counter without touching confidence. This is the
// anti-amplification rule.
func (i *Ingestor) corroborate(ctx context.Context, res *Resolution, rec *Record, senderID string) (*Resolution, error) {
	if err := i.store.IncrementCorroboration(ctx, rec.ID, senderID); err != nil {
		return nil, err
	}
	res.Strategy = StrategyCorroborated
	res.RecordID = rec.ID
	i.logger.Debug("Fact corroborated", "fact_id", res.FactID, "record_id", rec.ID)
	return res, nil
}

func (i *Ingestor) resolveConflict(ctx context.Context, res *Resolution, f hsp.Fact, key SemanticKey, senderID string, effective float64, live []*Record) (*Resolution, error) {
	incumbent := live[0]
	for _, rec := range live[1:] {
		if rec.EffectiveConfidence > incumbent.EffectiveConfidence {
			incumbent = rec
		}
	}

	switch {
	case math.Abs(effective-incumbent.EffectiveConfidence) <= i.cfg.Epsilon:
		// Effectively equal: keep both, marked as mutually conflicting.
		rec := i.newRecord(f, key, senderID, effective, f.Confidence, StatusLive)
		if err := i.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		if err := i.store.MarkConflicting(ctx, incumbent.ID, rec.ID); err != nil {
			return nil, err
		}
		res.Strategy = StrategyContradiction
		res.RecordID = rec.ID
		res.Reason = "effective confidence within epsilon of incumbent"
		i.logger.Warn("Unresolved contradiction",
			"fact_id", f.FactID, "incumbent_id", incumbent.ID,
			"new_confidence", effective, "incumbent_confidence", incumbent.EffectiveConfidence)
		return res, nil

	case effective > incumbent.EffectiveConfidence:
		rec := i.newRecord(f, key, senderID, effective, f.Confidence, StatusLive)
		if err := i.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		if err := i.store.Supersede(ctx, incumbent.ID, rec.ID); err != nil {
			return nil, err
		}
		res.Strategy = StrategySuperseded
		res.RecordID = rec.ID
		res.SupersededID = incumbent.ID
		i.logger.Info("Fact superseded",
			"fact_id", f.FactID, "superseded_record_id", incumbent.ID,
			"new_confidence", effective, "old_confidence", incumbent.EffectiveConfidence)
		return res, nil

	default:
		// Lower confidence than the incumbent: keep for audit, not live.
		rec := i.newRecord(f, key, senderID, effective, f.Confidence, StatusRejected)
		if err := i.store.Insert(ctx, rec); err != nil {
			return nil, err
		}
		res.Strategy = StrategyRejected
		res.RecordID = rec.ID
		res.Reason = "effective confidence below incumbent"
		i.logger.Debug("Fact rejected",
			"fact_id", f.FactID, "incumbent_id", incumbent.ID)
		return res, nil
	}
}

func (i *Ingestor) newRecord(f hsp.Fact, key SemanticKey, senderID string, effective, stored float64, status RecordStatus) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:                  uuid.NewString(),
		Fact:                f,
		Subject:             key.Subject,
		Predicate:           key.Predicate,
		Object:              key.Object,
		StoredConfidence:    stored,
		EffectiveConfidence: effective,
		Corroboration:       1,
		Provenance:          []string{senderID},
		Status:              status,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
}

func stripeFor(pairKey string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(pairKey))
	return int(h.Sum32() % lockStripes)
}
