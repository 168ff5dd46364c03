package types

// ProofCandidate is one attempted derivation of a claim. Candidates are
// transient: successful ones are promoted into axioms or persisted as
// axiom-derived memory units, the rest live only in the proof cache.
type ProofCandidate struct {
	Claim       string       `json:"claim"`
	FormalClaim string       `json:"formal_claim,omitempty"`
	Domain      string       `json:"domain"`
	Steps       []string     `json:"steps,omitempty"`
	AxiomsUsed  []string     `json:"axioms_used,omitempty"`
	Outcome     ProofOutcome `json:"outcome"`
	Confidence  float64      `json:"confidence"`
	Verifier    string       `json:"verifier"` // "solver", "self_verify"
}
