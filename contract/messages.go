package contract

import (
	"encoding/json"
	"fmt"
)

// MessageKind tags the closed set of protocol messages.
type MessageKind string

const (
	KindOffer  MessageKind = "offer"
	KindAccept MessageKind = "accept"
	KindSign   MessageKind = "sign"
)

// Message is the closed sum of protocol messages. The unexported method
// keeps the set sealed so the manager can switch exhaustively.
type Message interface {
	Kind() MessageKind
	message()
}

// OfferMessage opens negotiation: full contract terms plus the offer party's
// keys and funding commitments. TrieVersion pins the boundary tie-break rule
// of the outcome decomposition; both parties must build version-identical
// tries or the accept step fails.
type OfferMessage struct {
	TemporaryID      []byte         `json:"temporary_id"`
	TrieVersion      uint8          `json:"trie_version"`
	OfferCollateral  int64          `json:"offer_collateral"`
	AcceptCollateral int64          `json:"accept_collateral"`
	PayoutCurve      PayoutCurve    `json:"payout_curve"`
	OracleInfo       OracleInfo     `json:"oracle_info"`
	CETLocktime      uint32         `json:"cet_locktime"`
	RefundLocktime   uint32         `json:"refund_locktime"`
	FeeRate          int64          `json:"fee_rate"`
	OfferPubKey      []byte         `json:"offer_pub_key"`
	OfferPayout      []byte         `json:"offer_payout_script"`
	OfferChange      []byte         `json:"offer_change_script"`
	FundingInputs    []FundingInput `json:"funding_inputs"`
}

func (*OfferMessage) Kind() MessageKind { return KindOffer }
func (*OfferMessage) message()          {}

// AcceptMessage answers an offer with the accept party's keys, funding
// commitments and its adaptor signatures over every CET plus the refund
// signature.
type AcceptMessage struct {
	TemporaryID     []byte            `json:"temporary_id"`
	AcceptPubKey    []byte            `json:"accept_pub_key"`
	AcceptPayout    []byte            `json:"accept_payout_script"`
	AcceptChange    []byte            `json:"accept_change_script"`
	FundingInputs   []FundingInput    `json:"funding_inputs"`
	CetSignatures   map[string][]byte `json:"cet_signatures"` // leaf group id -> adaptor sig
	RefundSignature []byte            `json:"refund_signature"`
}

func (*AcceptMessage) Kind() MessageKind { return KindAccept }
func (*AcceptMessage) message()          {}

// SignMessage completes negotiation: the offer party's adaptor and refund
// signatures plus the witness data for its funding inputs, letting the
// accept party assemble and broadcast the funding transaction.
type SignMessage struct {
	ContractID      []byte            `json:"contract_id"`
	CetSignatures   map[string][]byte `json:"cet_signatures"`
	RefundSignature []byte            `json:"refund_signature"`
	FundingWitness  [][]byte          `json:"funding_witness"` // per offer input, signature script
}

func (*SignMessage) Kind() MessageKind { return KindSign }
func (*SignMessage) message()          {}

// Envelope is the kind-tagged JSON transport form of a protocol message.
type Envelope struct {
	Kind    MessageKind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// WrapMessage encodes a message into its transport envelope.
func WrapMessage(msg Message) (*Envelope, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal %s message: %w", msg.Kind(), err)
	}
	return &Envelope{Kind: msg.Kind(), Payload: payload}, nil
}

// Decode parses the envelope payload into the concrete message type.
func (e *Envelope) Decode() (Message, error) {
	var msg Message
	switch e.Kind {
	case KindOffer:
		msg = new(OfferMessage)
	case KindAccept:
		msg = new(AcceptMessage)
	case KindSign:
		msg = new(SignMessage)
	default:
		return nil, fmt.Errorf("unknown message kind %q", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, msg); err != nil {
		return nil, fmt.Errorf("unmarshal %s message: %w", e.Kind, err)
	}
	return msg, nil
}
