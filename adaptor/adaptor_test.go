package adaptor

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

func randomDigest(t *testing.T) []byte {
	t.Helper()
	m := make([]byte, 32)
	if _, err := rand.Read(m); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return m
}

func TestSignVerifyFinalize(t *testing.T) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("gen signer key: %v", err)
	}
	X := priv.PubKey()

	secret, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("gen secret: %v", err)
	}
	Y := secret.PubKey()
	m := randomDigest(t)

	sig, err := Sign(priv, m, Y)
	if err != nil {
		t.Fatalf("adaptor sign: %v", err)
	}
	if err := Verify(X, m, Y, sig); err != nil {
		t.Fatalf("adaptor verify: %v", err)
	}

	// Deterministic construction: signing again yields the same bytes.
	sig2, err := Sign(priv, m, Y)
	if err != nil {
		t.Fatalf("re-sign: %v", err)
	}
	if !bytes.Equal(sig.Serialize(), sig2.Serialize()) {
		t.Fatalf("adaptor signing is not deterministic")
	}

	final, err := Finalize(sig, &secret.Key)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if !final.Verify(m, X) {
		t.Fatalf("decrypted signature invalid under signing key")
	}
}

func TestVerifyRejectsWrongEncryptionPoint(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	secret, _ := secp256k1.GeneratePrivateKey()
	other, _ := secp256k1.GeneratePrivateKey()
	m := randomDigest(t)

	sig, err := Sign(priv, m, secret.PubKey())
	if err != nil {
		t.Fatalf("adaptor sign: %v", err)
	}
	if err := Verify(priv.PubKey(), m, other.PubKey(), sig); err == nil {
		t.Fatalf("verify accepted a signature encrypted to a different point")
	}
	if err := Verify(other.PubKey(), m, secret.PubKey(), sig); err == nil {
		t.Fatalf("verify accepted a signature under the wrong signing key")
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	secret, _ := secp256k1.GeneratePrivateKey()
	m := randomDigest(t)

	sig, err := Sign(priv, m, secret.PubKey())
	if err != nil {
		t.Fatalf("adaptor sign: %v", err)
	}
	raw := sig.Serialize()
	if len(raw) != SerializedSize {
		t.Fatalf("serialized size %d, want %d", len(raw), SerializedSize)
	}

	// Corrupt s'; the parsed signature must fail verification.
	raw[70] ^= 0x01
	bad, err := ParseSignature(raw)
	if err == nil {
		if err := Verify(priv.PubKey(), m, secret.PubKey(), bad); err == nil {
			t.Fatalf("verify accepted a tampered s'")
		}
	}
}

func TestParseSignatureRoundTrip(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	secret, _ := secp256k1.GeneratePrivateKey()
	m := randomDigest(t)

	sig, err := Sign(priv, m, secret.PubKey())
	if err != nil {
		t.Fatalf("adaptor sign: %v", err)
	}
	parsed, err := ParseSignature(sig.Serialize())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(parsed.Serialize(), sig.Serialize()) {
		t.Fatalf("round trip changed the signature")
	}
	if err := Verify(priv.PubKey(), m, secret.PubKey(), parsed); err != nil {
		t.Fatalf("parsed signature does not verify: %v", err)
	}
}

func TestRecoverSecret(t *testing.T) {
	priv, _ := secp256k1.GeneratePrivateKey()
	secret, _ := secp256k1.GeneratePrivateKey()
	Y := secret.PubKey()
	m := randomDigest(t)

	sig, err := Sign(priv, m, Y)
	if err != nil {
		t.Fatalf("adaptor sign: %v", err)
	}

	// Reproduce the decrypted s the counterparty would see on chain.
	var yInv, s secp256k1.ModNScalar
	yInv.Set(&secret.Key)
	yInv.InverseNonConst()
	s.Set(&sig.SPrime)
	s.Mul(&yInv)
	if s.IsOverHalfOrder() {
		s.Negate()
	}

	got, err := RecoverSecret(sig, &s, Y)
	if err != nil {
		t.Fatalf("recover secret: %v", err)
	}
	neg := *got
	neg.Negate()
	if !got.Equals(&secret.Key) && !neg.Equals(&secret.Key) {
		t.Fatalf("recovered secret does not match (up to negation)")
	}
}
