package knowledge

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hivemesh/hivemesh/pkg/hsp"
)

// SemanticKey identifies what a fact asserts. Subject and Predicate are
// normalized URIs; Object is a canonical representation of the asserted
// value. Two facts with the same full key say the same thing; the same
// subject and predicate with a different object is a conflict.
type SemanticKey struct {
	Subject   string
	Predicate string
	Object    string
}

// PairKey identifies the assertion slot (subject, predicate) that conflicting
// facts compete for.
func (k SemanticKey) PairKey() string {
	return k.Subject + "|" + k.Predicate
}

// FullKey includes the object representation.
func (k SemanticKey) FullKey() string {
	return k.PairKey() + "|" + k.Object
}

// ContentAnalyzer normalizes a fact into its semantic key. Pluggable so
// deployments can bring NLP-backed analyzers; the default is purely
// syntactic.
type ContentAnalyzer interface {
	Analyze(f *hsp.Fact) (SemanticKey, error)
}

// DefaultAnalyzer normalizes triples syntactically: subject and predicate
// are lowercased and URI-formed, objects are canonical JSON. Natural-language
// and structured-doc facts key on their normalized content.
type DefaultAnalyzer struct{}

func (DefaultAnalyzer) Analyze(f *hsp.Fact) (SemanticKey, error) {
	switch f.StatementType {
	case hsp.StatementSemanticTriple:
		obj, err := canonicalJSON(f.Triple.Object)
		if err != nil {
			return SemanticKey{}, fmt.Errorf("canonicalize object: %w", err)
		}
		return SemanticKey{
			Subject:   normalizeURI(f.Triple.Subject),
			Predicate: normalizeURI(f.Triple.Predicate),
			Object:    obj,
		}, nil
	case hsp.StatementNaturalLanguage:
		return SemanticKey{
			Subject:   "urn:hsp:statement",
			Predicate: "urn:hsp:asserts",
			Object:    strings.ToLower(strings.Join(strings.Fields(f.StatementNL), " ")),
		}, nil
	case hsp.StatementStructuredDoc:
		var doc any
		if err := json.Unmarshal(f.Document, &doc); err != nil {
			return SemanticKey{}, fmt.Errorf("parse document: %w", err)
		}
		obj, err := canonicalJSON(doc)
		if err != nil {
			return SemanticKey{}, fmt.Errorf("canonicalize document: %w", err)
		}
		return SemanticKey{
			Subject:   "urn:hsp:document",
			Predicate: "urn:hsp:contains",
			Object:    obj,
		}, nil
	default:
		return SemanticKey{}, fmt.Errorf("unknown statement type %q", f.StatementType)
	}
}

// normalizeURI lowercases a term and gives bare names a urn prefix so that
// "Sky" and "sky" key identically.
func normalizeURI(term string) string {
	term = strings.ToLower(strings.TrimSpace(term))
	term = strings.Join(strings.Fields(term), "-")
	if strings.Contains(term, ":") {
		return term
	}
	return "urn:hsp:" + term
}

// canonicalJSON renders a value deterministically: encoding/json sorts map
// keys, so a decode/encode round trip canonicalizes object layouts.
func canonicalJSON(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(encoded, &generic); err != nil {
		return "", err
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
