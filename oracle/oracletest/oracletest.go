// Package oracletest provides an in-process numeric oracle for tests and
// local harnesses: it issues announcements with freshly drawn nonces and can
// attest any outcome on demand.
package oracletest

import (
	"context"
	"fmt"
	"sync"

	"github.com/decred/dcrd/crypto/blake256"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vctt94/dcrdlc/manager"
	"github.com/vctt94/dcrdlc/oracle"
	"github.com/vctt94/dcrdlc/trie"
)

// Oracle is a manager.OracleGateway whose attestations the test controls.
type Oracle struct {
	priv secp256k1.ModNScalar // even-Y adjusted
	pub  []byte

	mu     sync.Mutex
	events map[string]*event
}

type event struct {
	ann    oracle.Announcement
	nonces []secp256k1.ModNScalar // even-Y adjusted
	att    *oracle.Attestation
}

var _ manager.OracleGateway = (*Oracle)(nil)

// New creates an oracle with a fresh signing key.
func New() (*Oracle, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	d, pub := evenYAdjust(priv)
	return &Oracle{
		priv:   d,
		pub:    pub,
		events: make(map[string]*event),
	}, nil
}

// evenYAdjust negates the scalar when its public point has an odd Y, so the
// compressed form always starts with 0x02.
func evenYAdjust(priv *secp256k1.PrivateKey) (secp256k1.ModNScalar, []byte) {
	var d secp256k1.ModNScalar
	d.Set(&priv.Key)
	pub := priv.PubKey().SerializeCompressed()
	if pub[0] == secp256k1.PubKeyFormatCompressedOdd {
		d.Negate()
		pub = secp256k1.NewPrivateKey(&d).PubKey().SerializeCompressed()
	}
	return d, pub
}

// PublicKey returns the oracle's even-Y compressed signing key.
func (o *Oracle) PublicKey() []byte { return o.pub }

// Announce commits to a future numeric event and returns its announcement.
func (o *Oracle) Announce(eventID string, base, nbDigits int) (*oracle.Announcement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.events[eventID]; ok {
		return nil, fmt.Errorf("event %q already announced", eventID)
	}

	nonces := make([]secp256k1.ModNScalar, nbDigits)
	noncePts := make([][]byte, nbDigits)
	for i := 0; i < nbDigits; i++ {
		kPriv, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		nonces[i], noncePts[i] = evenYAdjust(kPriv)
	}

	ev := &event{
		ann: oracle.Announcement{
			EventID:   eventID,
			PublicKey: o.pub,
			Nonces:    noncePts,
			Base:      base,
			NbDigits:  nbDigits,
		},
		nonces: nonces,
	}
	if err := ev.ann.Validate(); err != nil {
		return nil, err
	}
	o.events[eventID] = ev
	ann := ev.ann
	return &ann, nil
}

// Attest publishes the outcome for an announced event, revealing one
// signature scalar per digit.
func (o *Oracle) Attest(eventID string, outcome uint64) (*oracle.Attestation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %q not announced", eventID)
	}
	if ev.att != nil {
		return nil, fmt.Errorf("event %q already attested", eventID)
	}

	digits := trie.DecomposeOutcome(outcome, ev.ann.Base, ev.ann.NbDigits)
	scalars := make([][]byte, len(digits))
	for i, digit := range digits {
		m := oracle.DigitMessage(eventID, i, digit)
		eh := blake256.Sum256(append(append([]byte(nil), ev.ann.Nonces[i][1:33]...), m[:]...))
		var e secp256k1.ModNScalar
		e.SetByteSlice(eh[:])

		// s = k - e*d, the EC-Schnorr-DCRv0 signature scalar over the
		// committed nonce.
		var s secp256k1.ModNScalar
		s.Set(&e)
		s.Mul(&o.priv)
		s.Negate()
		s.Add(&ev.nonces[i])

		sb := s.Bytes()
		scalars[i] = append([]byte(nil), sb[:]...)
	}

	ev.att = &oracle.Attestation{
		EventID: eventID,
		Digits:  digits,
		Scalars: scalars,
	}
	att := *ev.att
	return &att, nil
}

// GetAnnouncement implements manager.OracleGateway.
func (o *Oracle) GetAnnouncement(ctx context.Context, eventID string) (*oracle.Announcement, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.events[eventID]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", eventID)
	}
	ann := ev.ann
	return &ann, nil
}

// GetAttestation implements manager.OracleGateway, returning
// manager.ErrNoAttestation until Attest is called.
func (o *Oracle) GetAttestation(ctx context.Context, eventID string) (*oracle.Attestation, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ev, ok := o.events[eventID]
	if !ok {
		return nil, fmt.Errorf("unknown event %q", eventID)
	}
	if ev.att == nil {
		return nil, manager.ErrNoAttestation
	}
	att := *ev.att
	return &att, nil
}
