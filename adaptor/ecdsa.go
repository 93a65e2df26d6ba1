// Package adaptor implements ECDSA adaptor signatures over secp256k1.
//
// An adaptor signature is a signature encrypted under a point Y whose
// discrete log y is not yet known to either party (here: the oracle's
// anticipated attestation point for one outcome group). The counterparty can
// verify the encrypted signature is well formed without y; once y is
// revealed, anyone holding the adaptor signature can decrypt it into a
// standard on-chain-valid ECDSA signature.
package adaptor

import (
	"fmt"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signature is an ECDSA adaptor signature: the encrypted nonce point R = k*Y,
// the proof nonce point Ra = k*G, the encrypted scalar s' = k⁻¹(m + r*x) with
// r = R.x, and a DLEQ proof tying R and Ra to the same nonce k.
type Signature struct {
	R      *secp256k1.PublicKey
	Ra     *secp256k1.PublicKey
	SPrime secp256k1.ModNScalar
	Proof  DLEQProof
}

// SerializedSize is the length of a wire-serialized adaptor signature:
// R (33) || Ra (33) || s' (32) || e (32) || z (32).
const SerializedSize = 33 + 33 + 32 + 32 + 32

// Serialize returns the fixed-length byte form used for persistence and
// protocol messages.
func (sig *Signature) Serialize() []byte {
	out := make([]byte, 0, SerializedSize)
	out = append(out, sig.R.SerializeCompressed()...)
	out = append(out, sig.Ra.SerializeCompressed()...)
	sp := sig.SPrime.Bytes()
	out = append(out, sp[:]...)
	e := sig.Proof.E.Bytes()
	out = append(out, e[:]...)
	z := sig.Proof.Z.Bytes()
	out = append(out, z[:]...)
	return out
}

// ParseSignature decodes the fixed-length form produced by Serialize.
func ParseSignature(b []byte) (*Signature, error) {
	if len(b) != SerializedSize {
		return nil, fmt.Errorf("adaptor signature must be %d bytes, got %d",
			SerializedSize, len(b))
	}
	R, err := secp256k1.ParsePubKey(b[0:33])
	if err != nil {
		return nil, fmt.Errorf("parse R: %w", err)
	}
	Ra, err := secp256k1.ParsePubKey(b[33:66])
	if err != nil {
		return nil, fmt.Errorf("parse Ra: %w", err)
	}
	var sig Signature
	sig.R = R
	sig.Ra = Ra
	if overflow := sig.SPrime.SetByteSlice(b[66:98]); overflow {
		return nil, fmt.Errorf("s' overflow")
	}
	if overflow := sig.Proof.E.SetByteSlice(b[98:130]); overflow {
		return nil, fmt.Errorf("proof e overflow")
	}
	if overflow := sig.Proof.Z.SetByteSlice(b[130:162]); overflow {
		return nil, fmt.Errorf("proof z overflow")
	}
	return &sig, nil
}

// Sign produces an adaptor signature for the 32-byte digest m under priv,
// encrypted to the point Y. Nonces are derived with RFC6979 keyed to both the
// digest and Y so construction is deterministic and both parties can audit a
// re-derivation.
func Sign(priv *secp256k1.PrivateKey, m32 []byte, Y *secp256k1.PublicKey) (*Signature, error) {
	if len(m32) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes")
	}
	var x secp256k1.ModNScalar
	xb := priv.Serialize()
	if overflow := x.SetByteSlice(xb); overflow || x.IsZero() {
		return nil, fmt.Errorf("invalid private key scalar")
	}
	var m secp256k1.ModNScalar
	m.SetByteSlice(m32)

	// Domain separation: bind the nonce stream to the encryption point.
	extra := blake256.Sum256(append([]byte("Adaptor/ECDSA/v1"), Y.SerializeCompressed()...))

	for iter := uint32(0); ; iter++ {
		k := secp256k1.NonceRFC6979(xb, m32, extra[:], nil, iter)
		if k == nil || k.IsZero() {
			continue
		}
		Ra, err := ScalarBaseMult(k)
		if err != nil {
			continue
		}
		R, err := ScalarMult(k, Y)
		if err != nil {
			continue
		}
		r := xScalar(R)
		if r.IsZero() {
			continue
		}

		// s' = k⁻¹ * (m + r*x)
		var rx, sum, kInv, sPrime secp256k1.ModNScalar
		rx.Set(&r)
		rx.Mul(&x)
		sum.Set(&m)
		sum.Add(&rx)
		if sum.IsZero() {
			continue
		}
		kInv.Set(k)
		kInv.InverseNonConst()
		sPrime.Set(&sum)
		sPrime.Mul(&kInv)
		if sPrime.IsZero() {
			continue
		}

		proof, err := dleqProve(k, Ra, R, Y)
		if err != nil {
			return nil, fmt.Errorf("dleq prove: %w", err)
		}
		return &Signature{R: R, Ra: Ra, SPrime: sPrime, Proof: *proof}, nil
	}
}

// Verify checks that sig is a well-formed adaptor signature for digest m32
// under the public key X, encrypted to exactly the point Y. A signature
// encrypted to any other point fails here, which is what prevents a CET
// signature from being reused across outcome groups.
func Verify(X *secp256k1.PublicKey, m32 []byte, Y *secp256k1.PublicKey, sig *Signature) error {
	if sig == nil || sig.R == nil || sig.Ra == nil {
		return fmt.Errorf("nil adaptor signature")
	}
	if len(m32) != 32 {
		return fmt.Errorf("digest must be 32 bytes")
	}
	if sig.SPrime.IsZero() {
		return fmt.Errorf("zero s'")
	}

	// The DLEQ proof binds R to Y: R = k*Y for the same k with Ra = k*G.
	if err := dleqVerify(&sig.Proof, sig.Ra, sig.R, Y); err != nil {
		return fmt.Errorf("dleq: %w", err)
	}

	// ECDSA relation on the proof nonce point: Ra == s'⁻¹ * (m*G + r*X).
	var m secp256k1.ModNScalar
	m.SetByteSlice(m32)
	r := xScalar(sig.R)
	if r.IsZero() {
		return fmt.Errorf("zero r")
	}
	mG, err := ScalarBaseMult(&m)
	if err != nil {
		return fmt.Errorf("zero digest scalar")
	}
	rX, err := ScalarMult(&r, X)
	if err != nil {
		return err
	}
	u, err := AddPoints(mG, rX)
	if err != nil {
		return fmt.Errorf("m*G + r*X: %w", err)
	}
	var sInv secp256k1.ModNScalar
	sInv.Set(&sig.SPrime)
	sInv.InverseNonConst()
	lhs, err := ScalarMult(&sInv, u)
	if err != nil {
		return err
	}
	if !lhs.IsEqual(sig.Ra) {
		return fmt.Errorf("adaptor relation failed")
	}
	return nil
}

// Finalize decrypts the adaptor signature with the revealed secret y and
// returns a standard low-S ECDSA signature valid under the signing key.
func Finalize(sig *Signature, y *secp256k1.ModNScalar) (*ecdsa.Signature, error) {
	if sig == nil {
		return nil, fmt.Errorf("nil adaptor signature")
	}
	if y == nil || y.IsZero() {
		return nil, fmt.Errorf("zero decryption secret")
	}
	r := xScalar(sig.R)
	if r.IsZero() {
		return nil, fmt.Errorf("zero r")
	}

	// s = s' * y⁻¹, normalized to the low-S form required for relay.
	var yInv, s secp256k1.ModNScalar
	yInv.Set(y)
	yInv.InverseNonConst()
	s.Set(&sig.SPrime)
	s.Mul(&yInv)
	if s.IsZero() {
		return nil, fmt.Errorf("zero s")
	}
	if s.IsOverHalfOrder() {
		s.Negate()
	}
	return ecdsa.NewSignature(&r, &s), nil
}

// RecoverSecret extracts the decryption secret from an adaptor signature and
// the final (decrypted) s scalar, checking the candidate against Y. ECDSA
// malleability means the recovered scalar may be the negation of the one used
// at decryption time; both are tried.
func RecoverSecret(sig *Signature, finalS *secp256k1.ModNScalar, Y *secp256k1.PublicKey) (*secp256k1.ModNScalar, error) {
	if sig == nil || finalS == nil || finalS.IsZero() {
		return nil, fmt.Errorf("missing signature data")
	}

	// y = s' * s⁻¹ (up to sign).
	var sInv, y secp256k1.ModNScalar
	sInv.Set(finalS)
	sInv.InverseNonConst()
	y.Set(&sig.SPrime)
	y.Mul(&sInv)

	cand, err := ScalarBaseMult(&y)
	if err != nil {
		return nil, err
	}
	if cand.IsEqual(Y) {
		return &y, nil
	}
	y.Negate()
	cand, err = ScalarBaseMult(&y)
	if err != nil {
		return nil, err
	}
	if cand.IsEqual(Y) {
		return &y, nil
	}
	return nil, fmt.Errorf("recovered secret does not match encryption point")
}
