package knowledge

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hivemesh/hivemesh/pkg/hsp"
	"github.com/hivemesh/hivemesh/pkg/registry"
)

func tripleFact(factID, subject, predicate string, object any, confidence float64) hsp.Fact {
	return hsp.Fact{
		FactID:        factID,
		StatementType: hsp.StatementSemanticTriple,
		Triple:        &hsp.SemanticTriple{Subject: subject, Predicate: predicate, Object: object},
		OriginAgentID: "did:hsp:origin",
		CreatedAt:     time.Now().UTC(),
		Confidence:    confidence,
	}
}

func newTestIngestor(t *testing.T, trustScores map[string]float64) (*Ingestor, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	trust := registry.NewStaticTrustPolicy(trustScores, registry.DefaultTrust)
	return New(Config{}, nil, trust, store), store
}

func TestCorroborationNeverRaisesConfidence(t *testing.T) {
	// Scenario: a claim from a trusted sender, then the identical claim from
	// a second sender. Confidence must not move; the counter must.
	ing, store := newTestIngestor(t, map[string]float64{
		"did:hsp:T": 0.9,
		"did:hsp:U": 0.5,
	})
	ctx := context.Background()

	res1, err := ing.Ingest(ctx, tripleFact("f1", "Sky", "hasColor", "blue", 0.8), "did:hsp:T")
	require.NoError(t, err)
	assert.Equal(t, StrategyCommittedNovel, res1.Strategy)
	assert.InDelta(t, 0.72, res1.EffectiveConfidence, 1e-9)

	committed := store.Get(res1.RecordID)
	require.NotNil(t, committed)
	storedConfidence := committed.StoredConfidence
	effectiveConfidence := committed.EffectiveConfidence

	res2, err := ing.Ingest(ctx, tripleFact("f2", "Sky", "hasColor", "blue", 0.8), "did:hsp:U")
	require.NoError(t, err)
	assert.Equal(t, StrategyCorroborated, res2.Strategy)
	assert.Equal(t, res1.RecordID, res2.RecordID)

	after := store.Get(res1.RecordID)
	assert.Equal(t, 2, after.Corroboration)
	assert.Equal(t, storedConfidence, after.StoredConfidence, "repetition must not raise stored confidence")
	assert.Equal(t, effectiveConfidence, after.EffectiveConfidence, "repetition must not raise effective confidence")
	assert.Equal(t, []string{"did:hsp:T", "did:hsp:U"}, after.Provenance)
}

func TestSupersessionWithBackLink(t *testing.T) {
	// Continues the corroboration scenario: a higher-credibility conflicting
	// claim displaces the incumbent.
	ing, store := newTestIngestor(t, map[string]float64{
		"did:hsp:T": 0.9,
		"did:hsp:U": 0.5,
		"did:hsp:V": 0.95,
	})
	ctx := context.Background()

	res1, err := ing.Ingest(ctx, tripleFact("f1", "Sky", "hasColor", "blue", 0.8), "did:hsp:T")
	require.NoError(t, err)
	_, err = ing.Ingest(ctx, tripleFact("f2", "Sky", "hasColor", "blue", 0.8), "did:hsp:U")
	require.NoError(t, err)

	res3, err := ing.Ingest(ctx, tripleFact("f3", "Sky", "hasColor", "grey", 0.95), "did:hsp:V")
	require.NoError(t, err)
	assert.Equal(t, StrategySuperseded, res3.Strategy)
	assert.InDelta(t, 0.9025, res3.EffectiveConfidence, 1e-9)
	assert.Equal(t, res1.RecordID, res3.SupersededID)

	old := store.Get(res1.RecordID)
	assert.Equal(t, StatusSuperseded, old.Status)
	assert.Equal(t, res3.RecordID, old.SupersededBy)

	committed := store.Get(res3.RecordID)
	assert.Equal(t, StatusLive, committed.Status)
	assert.Equal(t, res1.RecordID, committed.Supersedes, "new record back-links the displaced one")

	// The live slot now holds only the superseding claim.
	live, err := store.LiveByPair(ctx, "urn:hsp:sky", "urn:hsp:hascolor")
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, res3.RecordID, live[0].ID)
}

func TestQuarantineBelowFloor(t *testing.T) {
	ing, store := newTestIngestor(t, map[string]float64{"did:hsp:shady": 0.1})

	res, err := ing.Ingest(context.Background(), tripleFact("f1", "Sky", "hasColor", "green", 0.9), "did:hsp:shady")
	require.NoError(t, err)
	assert.Equal(t, StrategyQuarantined, res.Strategy)

	rec := store.Get(res.RecordID)
	require.NotNil(t, rec, "quarantined facts are stored for audit")
	assert.Equal(t, StatusQuarantined, rec.Status)

	// Quarantined claims never occupy the live slot.
	live, err := store.LiveByPair(context.Background(), "urn:hsp:sky", "urn:hsp:hascolor")
	require.NoError(t, err)
	assert.Empty(t, live)
}

func TestContradictionKeepsBoth(t *testing.T) {
	ing, store := newTestIngestor(t, map[string]float64{
		"did:hsp:a": 0.8,
		"did:hsp:b": 0.8,
	})
	ctx := context.Background()

	res1, err := ing.Ingest(ctx, tripleFact("f1", "Door", "isState", "open", 0.5), "did:hsp:a")
	require.NoError(t, err)
	res2, err := ing.Ingest(ctx, tripleFact("f2", "Door", "isState", "closed", 0.5), "did:hsp:b")
	require.NoError(t, err)
	assert.Equal(t, StrategyContradiction, res2.Strategy)

	first := store.Get(res1.RecordID)
	second := store.Get(res2.RecordID)
	assert.Equal(t, StatusLive, first.Status)
	assert.Equal(t, StatusLive, second.Status)
	assert.Contains(t, first.ConflictsWith, second.ID)
	assert.Contains(t, second.ConflictsWith, first.ID)

	live, err := store.LiveByPair(ctx, "urn:hsp:door", "urn:hsp:isstate")
	require.NoError(t, err)
	assert.Len(t, live, 2)
}

func TestLowerConfidenceRejected(t *testing.T) {
	ing, store := newTestIngestor(t, map[string]float64{
		"did:hsp:strong": 0.9,
		"did:hsp:weak":   0.5,
	})
	ctx := context.Background()

	res1, err := ing.Ingest(ctx, tripleFact("f1", "Sky", "hasColor", "blue", 0.9), "did:hsp:strong")
	require.NoError(t, err)

	res2, err := ing.Ingest(ctx, tripleFact("f2", "Sky", "hasColor", "red", 0.9), "did:hsp:weak")
	require.NoError(t, err)
	assert.Equal(t, StrategyRejected, res2.Strategy)

	assert.Equal(t, StatusRejected, store.Get(res2.RecordID).Status)
	assert.Equal(t, StatusLive, store.Get(res1.RecordID).Status)
}

func TestNoveltyBonusCapped(t *testing.T) {
	ing, store := newTestIngestor(t, map[string]float64{"did:hsp:t": 0.9})

	res, err := ing.Ingest(context.Background(), tripleFact("f1", "Water", "isWet", true, 0.98), "did:hsp:t")
	require.NoError(t, err)

	rec := store.Get(res.RecordID)
	assert.Equal(t, 1.0, rec.StoredConfidence, "novelty bonus caps at 1.0")
	assert.InDelta(t, 0.98*0.9, rec.EffectiveConfidence, 1e-9)
}

func TestType1DuplicateSameFactID(t *testing.T) {
	ing, store := newTestIngestor(t, map[string]float64{"did:hsp:t": 0.9})
	ctx := context.Background()

	fact := tripleFact("f1", "Sky", "hasColor", "blue", 0.8)
	res1, err := ing.Ingest(ctx, fact, "did:hsp:t")
	require.NoError(t, err)
	res2, err := ing.Ingest(ctx, fact, "did:hsp:t")
	require.NoError(t, err)

	assert.Equal(t, StrategyCorroborated, res2.Strategy)

	before := store.Get(res1.RecordID)
	// Identical except corroboration and provenance.
	assert.Equal(t, 2, before.Corroboration)
	assert.Len(t, before.Provenance, 2)
	assert.Equal(t, res1.SemanticKey, res2.SemanticKey)
}

func TestAnalyzerNormalization(t *testing.T) {
	a := DefaultAnalyzer{}

	f1 := tripleFact("f1", "Sky", "hasColor", "blue", 0.8)
	f2 := tripleFact("f2", " sky ", "HasColor", "blue", 0.8)
	k1, err := a.Analyze(&f1)
	require.NoError(t, err)
	k2, err := a.Analyze(&f2)
	require.NoError(t, err)
	assert.Equal(t, k1.FullKey(), k2.FullKey(), "case and spacing normalize away")

	obj1 := tripleFact("f3", "s", "p", map[string]any{"b": 2, "a": 1}, 0.8)
	obj2 := tripleFact("f4", "s", "p", map[string]any{"a": 1, "b": 2}, 0.8)
	k3, err := a.Analyze(&obj1)
	require.NoError(t, err)
	k4, err := a.Analyze(&obj2)
	require.NoError(t, err)
	assert.Equal(t, k3.Object, k4.Object, "object key ordering normalizes away")

	nl := hsp.Fact{
		FactID:        "f5",
		StatementType: hsp.StatementNaturalLanguage,
		StatementNL:   "  The   SKY is blue  ",
		OriginAgentID: "o",
		Confidence:    0.5,
	}
	k5, err := a.Analyze(&nl)
	require.NoError(t, err)
	assert.Equal(t, "the sky is blue", k5.Object)
}

func TestIngestRejectsInvalidFact(t *testing.T) {
	ing, _ := newTestIngestor(t, nil)
	_, err := ing.Ingest(context.Background(), hsp.Fact{FactID: "f1"}, "did:hsp:t")
	require.Error(t, err)
}
