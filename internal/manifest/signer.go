// Package manifest builds and signs deliverable manifests. The manifest is
// encoded canonically (sorted keys at every depth), hashed with SHA-256, and
// signed with HMAC-SHA256 over the same canonical bytes. Identical manifests
// always produce byte-identical hashes and signatures.
package manifest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"near-autopilot/pkg/canonical"
)

// Algorithm is the only supported signature algorithm tag.
const Algorithm = "hmac-sha256"

// ErrSignatureMismatch is returned when a signed manifest fails verification.
var ErrSignatureMismatch = errors.New("manifest signature mismatch")

// Manifest describes one delivered artifact.
type Manifest struct {
	JobID          string         `json:"jobId"`
	AssignmentID   string         `json:"assignmentId"`
	BidID          string         `json:"bidId"`
	AgentID        string         `json:"agentId"`
	DeliverableURL string         `json:"deliverableUrl"`
	ArtifactHash   string         `json:"artifactHash"`
	CreatedAt      string         `json:"createdAt"`
	Metadata       map[string]any `json:"metadata"`
}

// Signature is the keyed signature over the canonical manifest bytes.
type Signature struct {
	Algorithm    string `json:"algorithm"`
	SignerID     string `json:"signerId"`
	SignatureHex string `json:"signatureHex"`
}

// Signed carries the manifest together with its content address and
// signature.
type Signed struct {
	Manifest     Manifest  `json:"manifest"`
	ManifestHash string    `json:"manifestHash"`
	Signature    Signature `json:"signature"`
}

// Sign canonically encodes m, hashes it, and signs the same bytes.
func Sign(m Manifest, signingKey []byte, signerID string) (Signed, error) {
	data, err := canonical.Marshal(m)
	if err != nil {
		return Signed{}, err
	}

	sum := sha256.Sum256(data)

	mac := hmac.New(sha256.New, signingKey)
	mac.Write(data)

	return Signed{
		Manifest:     m,
		ManifestHash: hex.EncodeToString(sum[:]),
		Signature: Signature{
			Algorithm:    Algorithm,
			SignerID:     signerID,
			SignatureHex: hex.EncodeToString(mac.Sum(nil)),
		},
	}, nil
}

// Verify recomputes the canonical bytes from s.Manifest and compares the
// HMAC in constant time. The boolean is the verdict; the error reports
// malformed input only.
func Verify(s Signed, signingKey []byte) (bool, error) {
	if s.Signature.Algorithm != Algorithm {
		return false, nil
	}
	data, err := canonical.Marshal(s.Manifest)
	if err != nil {
		return false, err
	}
	want, err := hex.DecodeString(s.Signature.SignatureHex)
	if err != nil {
		return false, nil
	}
	mac := hmac.New(sha256.New, signingKey)
	mac.Write(data)
	return hmac.Equal(mac.Sum(nil), want), nil
}
