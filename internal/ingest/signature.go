package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/vietddude/mender/internal/core/domain"
)

// Normalizer computes stable failure signatures. Volatile context fields
// (timestamps, trace ids, attempt counters) are excluded so repeats of the
// same failure hash identically.
type Normalizer struct {
	volatile map[string]bool
}

// NewNormalizer creates a normalizer excluding the given context keys.
func NewNormalizer(volatileKeys []string) *Normalizer {
	m := make(map[string]bool, len(volatileKeys))
	for _, k := range volatileKeys {
		m[strings.ToLower(k)] = true
	}
	return &Normalizer{volatile: m}
}

// rawSignature is the persisted pre-hash form: the salient fields only,
// in a stable order. Workers parse it back for re-evaluation.
type rawSignature struct {
	ErrorCode     string            `json:"error_code"`
	ErrorCategory string            `json:"error_category"`
	Skill         string            `json:"skill"`
	Context       map[string]string `json:"context,omitempty"`
}

// Normalize returns (raw, signature): the canonical JSON of the salient
// fields and its SHA-256 hex digest.
func (n *Normalizer) Normalize(report *domain.FailureReport) (string, string) {
	ctx := make(map[string]string)
	for k, v := range report.Context {
		if n.volatile[strings.ToLower(k)] {
			continue
		}
		ctx[k] = v
	}

	raw := rawSignature{
		ErrorCode:     strings.ToUpper(strings.TrimSpace(report.ErrorCode)),
		ErrorCategory: strings.ToLower(strings.TrimSpace(report.ErrorCategory)),
		Skill:         strings.ToLower(strings.TrimSpace(report.Skill)),
		Context:       ctx,
	}

	// json.Marshal sorts map keys, but build the digest over an explicit
	// key order anyway so the hash never depends on encoder behavior.
	h := sha256.New()
	h.Write([]byte(raw.ErrorCode))
	h.Write([]byte{0})
	h.Write([]byte(raw.ErrorCategory))
	h.Write([]byte{0})
	h.Write([]byte(raw.Skill))
	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte{0})
		h.Write([]byte(k))
		h.Write([]byte{1})
		h.Write([]byte(ctx[k]))
	}

	rawJSON, _ := json.Marshal(raw)
	return string(rawJSON), hex.EncodeToString(h.Sum(nil))
}

// ParseRaw decodes a stored raw signature back into a report skeleton.
func ParseRaw(raw string) (*domain.FailureReport, error) {
	var sig rawSignature
	if err := json.Unmarshal([]byte(raw), &sig); err != nil {
		return nil, err
	}
	return &domain.FailureReport{
		ErrorCode:     sig.ErrorCode,
		ErrorCategory: sig.ErrorCategory,
		Skill:         sig.Skill,
		Context:       sig.Context,
	}, nil
}
