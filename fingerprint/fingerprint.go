// Package fingerprint computes the content-addressed key that names a
// unique (question, persona, provider, model, prompt_version, settings)
// combination (C1).
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/answerlens/engine/core"
)

// delimiter cannot appear in any normalized input field: the question text
// is lowercased with collapsed whitespace, and every other field is an
// identifier or canonical JSON, none of which contain a bare pipe after
// normalization.
const delimiter = "|"

// Compute returns the 64-hex-digit fingerprint for one provider invocation
// of one question. providerSettings is serialized in canonical form (object
// keys sorted lexicographically at every nesting level) before hashing, so
// two semantically identical settings objects with differently ordered keys
// produce the same fingerprint (P1).
func Compute(provider, model, promptVersion, questionID, personaID, questionText string, providerSettings core.JSONValue) (string, error) {
	canonicalSettings, err := core.CanonicalJSON(providerSettings)
	if err != nil {
		return "", err
	}

	normalizedText := NormalizeText(questionText)

	parts := []string{
		provider,
		model,
		promptVersion,
		questionID,
		personaID,
		normalizedText,
		string(canonicalSettings),
	}

	h := sha256.Sum256([]byte(strings.Join(parts, delimiter)))
	return hex.EncodeToString(h[:]), nil
}

// NormalizeText lowercases text and collapses every maximal run of
// whitespace to a single space, per §4.1.
func NormalizeText(text string) string {
	fields := strings.Fields(strings.ToLower(text))
	return strings.Join(fields, " ")
}
