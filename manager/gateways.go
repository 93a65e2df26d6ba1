package manager

import (
	"context"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/wire"

	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/oracle"
)

// ErrNotFound is returned by PersistenceGateway.Get when no contract record
// matches the id.
var ErrNotFound = errors.New("contract not found")

// ErrNoAttestation is returned by OracleGateway.GetAttestation while the
// oracle has not yet published an outcome for the event.
var ErrNoAttestation = errors.New("no attestation yet")

// PersistenceGateway stores contract records. Get resolves either the
// temporary id or the permanent contract id; Upsert overwrites the whole
// record atomically.
type PersistenceGateway interface {
	Get(ctx context.Context, id []byte) (*contract.Contract, error)
	Upsert(ctx context.Context, c *contract.Contract) error
	ListByState(ctx context.Context, states ...contract.State) ([]*contract.Contract, error)
}

// BlockchainGateway abstracts the chain backend. Broadcast is idempotent for
// an already-mined transaction; GetConfirmations returns 0 for a transaction
// the backend does not know.
type BlockchainGateway interface {
	Broadcast(ctx context.Context, tx *wire.MsgTx) (string, error)
	GetConfirmations(ctx context.Context, txid string) (int64, error)
	CurrentHeight(ctx context.Context) (int64, error)
	EstimateFeeRate(ctx context.Context) (int64, error)
}

// OracleGateway fetches oracle material by event id.
type OracleGateway interface {
	GetAnnouncement(ctx context.Context, eventID string) (*oracle.Announcement, error)
	GetAttestation(ctx context.Context, eventID string) (*oracle.Attestation, error)
}

// WalletGateway is the key and coin source. Private keys never leave the
// wallet except through FundingKey, which the manager uses to produce CET
// adaptor signatures and the final settlement signature.
type WalletGateway interface {
	// NewFundingKey returns a fresh 33-byte compressed pubkey whose private
	// half the wallet retains.
	NewFundingKey(ctx context.Context) ([]byte, error)

	// FundingKey returns the private key for a pubkey previously issued by
	// NewFundingKey.
	FundingKey(ctx context.Context, pub []byte) (*secp256k1.PrivateKey, error)

	// NewPayoutScript and NewChangeScript return fresh output scripts owned
	// by the wallet.
	NewPayoutScript(ctx context.Context) ([]byte, error)
	NewChangeScript(ctx context.Context) ([]byte, error)

	// SelectInputs reserves spendable UTXOs worth at least target atoms.
	SelectInputs(ctx context.Context, target int64) ([]contract.FundingInput, error)

	// SignFundingInput produces the signature script spending one of this
	// wallet's funding inputs in the given transaction.
	SignFundingInput(ctx context.Context, tx *wire.MsgTx, inputIndex int, in *contract.FundingInput) ([]byte, error)
}
