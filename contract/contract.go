// Package contract defines the contract aggregate, its lifecycle states and
// the protocol messages exchanged while negotiating a discreet log contract.
package contract

import (
	crand "crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/vctt94/dcrdlc/oracle"
)

// State is the contract lifecycle state. Offered through Confirmed form the
// main chain; Closed, Refunded, FailedAccept and FailedSign are terminal.
type State string

const (
	StateOffered      State = "offered"
	StateAccepted     State = "accepted"
	StateSigned       State = "signed"
	StateConfirmed    State = "confirmed"
	StatePreClosed    State = "preclosed"
	StateClosed       State = "closed"
	StateRefunded     State = "refunded"
	StateFailedAccept State = "failed_accept"
	StateFailedSign   State = "failed_sign"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StateClosed, StateRefunded, StateFailedAccept, StateFailedSign:
		return true
	}
	return false
}

// FundingInput is one UTXO a party commits to the funding transaction.
// KeyDescriptor is an opaque wallet handle passed back through the wallet
// gateway when the input needs signing.
type FundingInput struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Value         int64  `json:"value"`
	PkScript      []byte `json:"pk_script"`
	KeyDescriptor string `json:"key_descriptor,omitempty"`
}

// OutPoint renders the input in the canonical txid:vout form used for
// deterministic ordering and log lines.
func (fi *FundingInput) OutPoint() string {
	return fmt.Sprintf("%s:%d", fi.TxID, fi.Vout)
}

// Party holds one side's keys, collateral and funding commitments.
type Party struct {
	PubKey        []byte         `json:"pub_key"` // 33-byte compressed funding key
	Collateral    int64          `json:"collateral"`
	PayoutScript  []byte         `json:"payout_script"`
	ChangeScript  []byte         `json:"change_script"`
	FundingInputs []FundingInput `json:"funding_inputs"`
}

// Validate checks structural well-formedness of a party descriptor.
func (p *Party) Validate() error {
	if _, err := secp256k1.ParsePubKey(p.PubKey); err != nil {
		return fmt.Errorf("bad party pubkey: %w", err)
	}
	if p.Collateral <= 0 {
		return fmt.Errorf("collateral must be positive, got %d", p.Collateral)
	}
	if len(p.PayoutScript) == 0 || len(p.ChangeScript) == 0 {
		return fmt.Errorf("missing payout or change script")
	}
	if len(p.FundingInputs) == 0 {
		return fmt.Errorf("party commits no funding inputs")
	}
	var sum int64
	for i, fi := range p.FundingInputs {
		if fi.Value <= 0 {
			return fmt.Errorf("funding input %d has non-positive value", i)
		}
		if _, err := chainhash.NewHashFromStr(fi.TxID); err != nil {
			return fmt.Errorf("funding input %d txid: %w", i, err)
		}
		sum += fi.Value
	}
	if sum < p.Collateral {
		return fmt.Errorf("funding inputs %d below collateral %d", sum, p.Collateral)
	}
	return nil
}

// OracleInfo names the oracles backing the contract and the shared numeric
// decomposition parameters.
type OracleInfo struct {
	Announcements []oracle.Announcement `json:"announcements"`
	Threshold     int                   `json:"threshold"`
	Base          int                   `json:"base"`
	NbDigits      int                   `json:"nb_digits"`
}

// Validate checks the announcements agree on the decomposition parameters
// and the threshold is satisfiable.
func (oi *OracleInfo) Validate() error {
	n := len(oi.Announcements)
	if n == 0 {
		return fmt.Errorf("no oracle announcements")
	}
	if oi.Threshold < 1 || oi.Threshold > n {
		return fmt.Errorf("threshold %d unsatisfiable with %d oracles", oi.Threshold, n)
	}
	for i := range oi.Announcements {
		ann := &oi.Announcements[i]
		if err := ann.Validate(); err != nil {
			return fmt.Errorf("announcement %d: %w", i, err)
		}
		if ann.Base != oi.Base || ann.NbDigits != oi.NbDigits {
			return fmt.Errorf("announcement %d decomposition %d^%d does not match contract %d^%d",
				i, ann.Base, ann.NbDigits, oi.Base, oi.NbDigits)
		}
	}
	return nil
}

// CloseDetail records how a contract left the main lifecycle chain.
type CloseDetail struct {
	Outcome   uint64 `json:"outcome,omitempty"`
	CetTxid   string `json:"cet_txid,omitempty"`
	OfferPnl  int64  `json:"offer_pnl,omitempty"`
	Refunded  bool   `json:"refunded,omitempty"`
	LeafGroup string `json:"leaf_group,omitempty"`
}

// Role marks which side of the contract this node plays.
type Role string

const (
	RoleOffer  Role = "offer"
	RoleAccept Role = "accept"
)

// Contract is the aggregate root persisted across the whole lifecycle.
// Transactions are always re-derived from terms; only data that cannot be
// re-derived (counterparty signatures, funding witness, close bookkeeping)
// is stored.
type Contract struct {
	TemporaryID []byte `json:"temporary_id"`
	ContractID  []byte `json:"contract_id,omitempty"`
	State       State  `json:"state"`
	Role        Role   `json:"role"`

	Offer  Party `json:"offer"`
	Accept Party `json:"accept"`

	FeeRate        int64  `json:"fee_rate"` // atoms per kB
	CETLocktime    uint32 `json:"cet_locktime"`
	RefundLocktime uint32 `json:"refund_locktime"`
	TrieVersion    uint8  `json:"trie_version"`

	OracleInfo  OracleInfo  `json:"oracle_info"`
	PayoutCurve PayoutCurve `json:"payout_curve"`

	// Set once the funding transaction is fixed.
	FundingTxid string `json:"funding_txid,omitempty"`
	FundingVout uint32 `json:"funding_vout,omitempty"`
	FundTxHex   string `json:"fund_tx_hex,omitempty"`

	// Signed settlement transaction, stored before broadcast so a crashed
	// node can rebroadcast without re-deriving signatures.
	SignedCetHex string `json:"signed_cet_hex,omitempty"`

	// Counterparty signatures, keyed by trie leaf group id.
	TheirCetSignatures map[string][]byte `json:"their_cet_signatures,omitempty"`
	TheirRefundSig     []byte            `json:"their_refund_sig,omitempty"`

	// Our signatures, retained so a crashed node can resend its last message
	// without re-entering the wallet.
	OurCetSignatures map[string][]byte `json:"our_cet_signatures,omitempty"`
	OurRefundSig     []byte            `json:"our_refund_sig,omitempty"`

	Close *CloseDetail `json:"close,omitempty"`
}

// TotalCollateral is the funding output value before fees.
func (c *Contract) TotalCollateral() int64 {
	return c.Offer.Collateral + c.Accept.Collateral
}

// ID returns the contract id once known, the temporary id before that.
func (c *Contract) ID() []byte {
	if len(c.ContractID) == 32 {
		return c.ContractID
	}
	return c.TemporaryID
}

// IDString is the hex form used as storage key and in log lines.
func (c *Contract) IDString() string { return hex.EncodeToString(c.ID()) }

// NewTemporaryID draws a random 32-byte temporary contract id.
func NewTemporaryID() ([]byte, error) {
	id := make([]byte, 32)
	if _, err := crand.Read(id); err != nil {
		return nil, fmt.Errorf("rand: %w", err)
	}
	return id, nil
}

// ComputeContractID derives the permanent contract id from the funding txid,
// the funding output index and the temporary id: reversed txid bytes XOR
// temporary id, with the output index folded into the low two bytes. Stable
// once the funding transaction is known, never recomputed afterwards.
func ComputeContractID(fundTxid string, fundVout uint32, temporaryID []byte) ([]byte, error) {
	if len(temporaryID) != 32 {
		return nil, fmt.Errorf("temporary id must be 32 bytes")
	}
	h, err := chainhash.NewHashFromStr(fundTxid)
	if err != nil {
		return nil, fmt.Errorf("bad funding txid: %w", err)
	}
	id := make([]byte, 32)
	for i := 0; i < 32; i++ {
		id[i] = h[31-i] ^ temporaryID[i]
	}
	id[30] ^= byte(fundVout >> 8)
	id[31] ^= byte(fundVout)
	return id, nil
}
