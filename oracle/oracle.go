// Package oracle models numeric-event oracle announcements and attestations
// and derives the curve points that bind CET adaptor signatures to
// not-yet-revealed outcomes.
//
// The oracle signs each digit of the outcome independently with
// EC-Schnorr-DCRv0 using nonces committed in the announcement. For a digit at
// position i with nonce point R_i, oracle key P and digit message m_i, the
// future signature scalar s_i satisfies
//
//	s_i*G = R_i - e_i*P,  e_i = BLAKE256(R_i.x || m_i)
//
// so both sides can compute the anticipation point S_i before the oracle
// publishes anything. The adaptor point for a digit prefix is the sum of the
// per-digit anticipation points; the matching decryption secret is the sum of
// the revealed digit scalars.
package oracle

import (
	"encoding/binary"
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"

	"github.com/vctt94/dcrdlc/adaptor"
)

// Announcement commits an oracle to a future numeric attestation.
type Announcement struct {
	EventID   string   `json:"event_id"`
	PublicKey []byte   `json:"public_key"` // 33-byte compressed, even-Y
	Nonces    [][]byte `json:"nonces"`     // one 33-byte even-Y point per digit
	Base      int      `json:"base"`
	NbDigits  int      `json:"nb_digits"`
}

// Attestation is the oracle's published outcome: one digit and one revealed
// signature scalar per announced nonce.
type Attestation struct {
	EventID string   `json:"event_id"`
	Digits  []int    `json:"digits"`  // most significant first
	Scalars [][]byte `json:"scalars"` // 32 bytes each
}

// Validate checks structural well-formedness of an announcement. Every point
// must be a valid even-Y compressed point; the digit space must be non-empty.
func (a *Announcement) Validate() error {
	if a.EventID == "" {
		return fmt.Errorf("missing event id")
	}
	if a.Base < 2 {
		return fmt.Errorf("base must be >= 2, got %d", a.Base)
	}
	if a.NbDigits < 1 {
		return fmt.Errorf("nb_digits must be >= 1, got %d", a.NbDigits)
	}
	if len(a.PublicKey) != 33 || a.PublicKey[0] != 0x02 {
		return fmt.Errorf("oracle pubkey must be 33-byte even-Y compressed")
	}
	if _, err := secp256k1.ParsePubKey(a.PublicKey); err != nil {
		return fmt.Errorf("bad oracle pubkey: %w", err)
	}
	if len(a.Nonces) != a.NbDigits {
		return fmt.Errorf("announcement has %d nonces for %d digits",
			len(a.Nonces), a.NbDigits)
	}
	for i, nb := range a.Nonces {
		if len(nb) != 33 || nb[0] != 0x02 {
			return fmt.Errorf("nonce %d must be 33-byte even-Y compressed", i)
		}
		if _, err := secp256k1.ParsePubKey(nb); err != nil {
			return fmt.Errorf("bad nonce %d: %w", i, err)
		}
	}
	return nil
}

// DigitMessage is the canonical 32-byte message the oracle signs for one
// digit of one event. Both parties and the oracle must derive it identically.
// Position and digit are encoded fixed width so no two (position, digit)
// pairs share a message, whatever the announced base.
func DigitMessage(eventID string, position, digit int) [32]byte {
	h := blake256.New()
	h.Write([]byte("Oracle/Digit/v1"))
	h.Write([]byte(eventID))
	var buf [9]byte
	buf[0] = '|'
	binary.BigEndian.PutUint32(buf[1:5], uint32(position))
	binary.BigEndian.PutUint32(buf[5:9], uint32(digit))
	h.Write(buf[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// challenge computes e = BLAKE256(r_x || m) reduced mod n, the
// EC-Schnorr-DCRv0 challenge.
func challenge(rX [32]byte, m [32]byte) secp256k1.ModNScalar {
	h := blake256.Sum256(append(rX[:], m[:]...))
	var e secp256k1.ModNScalar
	e.SetByteSlice(h[:])
	return e
}

// AnticipationPoint returns S_i = R_i - e_i*P for one digit value at one
// position: the point the oracle's future digit signature scalar will be the
// discrete log of, should it attest that digit.
func (a *Announcement) AnticipationPoint(position, digit int) (*secp256k1.PublicKey, error) {
	if position < 0 || position >= len(a.Nonces) {
		return nil, fmt.Errorf("digit position %d out of range", position)
	}
	if digit < 0 || digit >= a.Base {
		return nil, fmt.Errorf("digit %d out of range for base %d", digit, a.Base)
	}
	R, err := secp256k1.ParsePubKey(a.Nonces[position])
	if err != nil {
		return nil, fmt.Errorf("parse nonce %d: %w", position, err)
	}
	P, err := secp256k1.ParsePubKey(a.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("parse oracle pubkey: %w", err)
	}
	var rX [32]byte
	copy(rX[:], a.Nonces[position][1:33])
	e := challenge(rX, DigitMessage(a.EventID, position, digit))
	eP, err := adaptor.ScalarMult(&e, P)
	if err != nil {
		return nil, err
	}
	return adaptor.SubPoints(R, eP)
}

// AdaptorPoint sums the anticipation points over a digit prefix. The result
// is the encryption point for the CET covering every outcome under that
// prefix.
func (a *Announcement) AdaptorPoint(prefix []int) (*secp256k1.PublicKey, error) {
	if len(prefix) == 0 || len(prefix) > a.NbDigits {
		return nil, fmt.Errorf("prefix length %d out of range", len(prefix))
	}
	var sum *secp256k1.PublicKey
	for i, d := range prefix {
		S, err := a.AnticipationPoint(i, d)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = S
			continue
		}
		sum, err = adaptor.AddPoints(sum, S)
		if err != nil {
			return nil, fmt.Errorf("sum anticipation points: %w", err)
		}
	}
	return sum, nil
}

// VerifyAttestation checks every revealed digit scalar against the committed
// nonce via the schnorr verifier (the revealed pair (R_i.x, s_i) is a
// standard EC-Schnorr-DCRv0 signature over the digit message).
func (a *Announcement) VerifyAttestation(att *Attestation) error {
	if att == nil {
		return fmt.Errorf("nil attestation")
	}
	if att.EventID != a.EventID {
		return fmt.Errorf("attestation event %q does not match announcement %q",
			att.EventID, a.EventID)
	}
	if len(att.Digits) != a.NbDigits || len(att.Scalars) != a.NbDigits {
		return fmt.Errorf("attestation has %d digits / %d scalars, want %d",
			len(att.Digits), len(att.Scalars), a.NbDigits)
	}
	pub, err := schnorr.ParsePubKey(a.PublicKey)
	if err != nil {
		return fmt.Errorf("parse oracle pubkey: %w", err)
	}
	for i, d := range att.Digits {
		if d < 0 || d >= a.Base {
			return fmt.Errorf("digit %d out of range at position %d", d, i)
		}
		if len(att.Scalars[i]) != 32 {
			return fmt.Errorf("scalar %d must be 32 bytes", i)
		}
		sig64 := make([]byte, 0, 64)
		sig64 = append(sig64, a.Nonces[i][1:33]...)
		sig64 = append(sig64, att.Scalars[i]...)
		sig, err := schnorr.ParseSignature(sig64)
		if err != nil {
			return fmt.Errorf("parse digit signature %d: %w", i, err)
		}
		m := DigitMessage(a.EventID, i, d)
		if !sig.Verify(m[:], pub) {
			return fmt.Errorf("digit signature %d invalid", i)
		}
	}
	return nil
}

// Outcome recomposes the attested digits into the numeric outcome.
func (att *Attestation) Outcome(base int) uint64 {
	var out uint64
	for _, d := range att.Digits {
		out = out*uint64(base) + uint64(d)
	}
	return out
}

// AggregateSecret sums the first prefixLen revealed digit scalars. The result
// is the discrete log of the adaptor point for that digit prefix and decrypts
// the matching CET adaptor signature.
func (att *Attestation) AggregateSecret(prefixLen int) (*secp256k1.ModNScalar, error) {
	if prefixLen < 1 || prefixLen > len(att.Scalars) {
		return nil, fmt.Errorf("prefix length %d out of range", prefixLen)
	}
	var sum secp256k1.ModNScalar
	for i := 0; i < prefixLen; i++ {
		var s secp256k1.ModNScalar
		if overflow := s.SetByteSlice(att.Scalars[i]); overflow {
			return nil, fmt.Errorf("scalar %d overflow", i)
		}
		sum.Add(&s)
	}
	if sum.IsZero() {
		return nil, fmt.Errorf("aggregate secret is zero")
	}
	return &sum, nil
}
