// Package manager drives the discreet log contract lifecycle: it validates
// and exchanges the offer/accept/sign negotiation messages, persists every
// state transition before acting on it, and settles or refunds confirmed
// contracts as oracle attestations and locktimes arrive.
//
// All state lives behind the persistence gateway; the manager itself keeps
// only per-contract mutexes, so a restarted node resumes exactly where the
// store says it was.
package manager

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/decred/dcrd/wire"
	"github.com/decred/slog"

	"github.com/vctt94/dcrdlc/adaptor"
	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/trie"
	"github.com/vctt94/dcrdlc/txbuilder"
)

// DefaultNbConfirmations is the depth at which funding and settlement
// transactions are considered final.
const DefaultNbConfirmations = 6

// TrieVersion is the outcome decomposition version this implementation
// speaks. Offers carrying any other version are rejected.
const TrieVersion = 1

// Config assembles a Manager from its gateways.
type Config struct {
	Store   PersistenceGateway
	Chain   BlockchainGateway
	Oracles OracleGateway
	Wallet  WalletGateway
	Builder *txbuilder.Builder

	Log             slog.Logger
	NbConfirmations int64
}

// Manager is the contract lifecycle engine. Safe for concurrent use;
// operations on the same contract serialize on a per-contract mutex.
type Manager struct {
	store   PersistenceGateway
	chain   BlockchainGateway
	oracles OracleGateway
	wallet  WalletGateway
	builder *txbuilder.Builder
	log     slog.Logger
	nbConfs int64

	mtx   sync.Mutex
	locks map[string]*contractLock
}

// contractLock is one per-contract mutex plus the count of holders and
// waiters, so the entry can be dropped once the last of them releases.
type contractLock struct {
	mu   sync.Mutex
	refs int
}

// New validates the configuration and returns a Manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Store == nil || cfg.Chain == nil || cfg.Oracles == nil || cfg.Wallet == nil {
		return nil, fmt.Errorf("manager requires store, chain, oracle and wallet gateways")
	}
	if cfg.Builder == nil {
		return nil, fmt.Errorf("manager requires a tx builder")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	nbConfs := cfg.NbConfirmations
	if nbConfs <= 0 {
		nbConfs = DefaultNbConfirmations
	}
	return &Manager{
		store:   cfg.Store,
		chain:   cfg.Chain,
		oracles: cfg.Oracles,
		wallet:  cfg.Wallet,
		builder: cfg.Builder,
		log:     log,
		nbConfs: nbConfs,
		locks:   make(map[string]*contractLock),
	}, nil
}

// lockKey maps a temporary or permanent contract id to the canonical lock
// key: the temporary id of the stored record when the id is known, the id
// itself otherwise. A contract addressed by either id therefore serializes on
// one mutex. The temporary id never changes, so the unlocked read is safe.
func (m *Manager) lockKey(ctx context.Context, id []byte) string {
	if c, err := m.store.Get(ctx, id); err == nil {
		return hex.EncodeToString(c.TemporaryID)
	}
	return hex.EncodeToString(id)
}

// lockContract acquires the mutex for one contract, creating it on first use
// and dropping the entry once the last holder or waiter releases. The
// returned func releases it.
func (m *Manager) lockContract(ctx context.Context, id []byte) func() {
	key := m.lockKey(ctx, id)
	m.mtx.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = new(contractLock)
		m.locks[key] = l
	}
	l.refs++
	m.mtx.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.mtx.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, key)
		}
		m.mtx.Unlock()
	}
}

func (m *Manager) getContract(ctx context.Context, id []byte) (*contract.Contract, error) {
	c, err := m.store.Get(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, protocolf("unknown contract %x", id)
	case err != nil:
		return nil, storagef("get contract: %w", err)
	}
	return c, nil
}

func (m *Manager) persist(ctx context.Context, c *contract.Contract) error {
	if err := m.store.Upsert(ctx, c); err != nil {
		return storagef("persist contract %s: %w", c.IDString(), err)
	}
	return nil
}

// GetContract returns the stored contract record by temporary or permanent
// id.
func (m *Manager) GetContract(ctx context.Context, id []byte) (*contract.Contract, error) {
	return m.getContract(ctx, id)
}

// ListContracts returns the stored contracts matching any of the given
// states; no states means all contracts.
func (m *Manager) ListContracts(ctx context.Context, states ...contract.State) ([]*contract.Contract, error) {
	cs, err := m.store.ListByState(ctx, states...)
	if err != nil {
		return nil, storagef("list contracts: %w", err)
	}
	return cs, nil
}

// OfferTerms are the caller-supplied parameters for a new offer.
type OfferTerms struct {
	OfferCollateral  int64
	AcceptCollateral int64
	PayoutCurve      contract.PayoutCurve
	EventIDs         []string
	Threshold        int
	Base             int
	NbDigits         int
	FeeRate          int64 // atoms/kB; 0 estimates from the chain backend
	CETLocktime      uint32
	RefundLocktime   uint32
}

// CreateOffer builds, persists and returns a new offered contract together
// with the offer message to send the counterparty.
func (m *Manager) CreateOffer(ctx context.Context, terms OfferTerms) (*contract.Contract, *contract.OfferMessage, error) {
	if terms.OfferCollateral <= 0 || terms.AcceptCollateral <= 0 {
		return nil, nil, validationf("collaterals must be positive")
	}
	if terms.CETLocktime >= terms.RefundLocktime {
		return nil, nil, validationf("cet locktime %d must precede refund locktime %d",
			terms.CETLocktime, terms.RefundLocktime)
	}

	oi := contract.OracleInfo{
		Threshold: terms.Threshold,
		Base:      terms.Base,
		NbDigits:  terms.NbDigits,
	}
	for _, ev := range terms.EventIDs {
		ann, err := m.oracles.GetAnnouncement(ctx, ev)
		if err != nil {
			return nil, nil, chainf("fetch announcement %q: %w", ev, err)
		}
		oi.Announcements = append(oi.Announcements, *ann)
	}
	if err := oi.Validate(); err != nil {
		return nil, nil, validationf("oracle info: %w", err)
	}

	max, err := trie.MaxOutcome(terms.Base, terms.NbDigits)
	if err != nil {
		return nil, nil, validationf("%w", err)
	}
	total := terms.OfferCollateral + terms.AcceptCollateral
	if err := terms.PayoutCurve.Validate(total, max); err != nil {
		return nil, nil, validationf("payout curve: %w", err)
	}
	// Dry-run the decomposition so an undecomposable curve fails here, not
	// at accept time on the counterparty.
	t, err := trie.Build(&terms.PayoutCurve, terms.Base, terms.NbDigits,
		len(oi.Announcements), terms.Threshold)
	if err != nil {
		return nil, nil, validationf("outcome decomposition: %w", err)
	}

	feeRate := terms.FeeRate
	if feeRate <= 0 {
		feeRate, err = m.chain.EstimateFeeRate(ctx)
		if err != nil {
			return nil, nil, chainf("estimate fee rate: %w", err)
		}
	}

	offer, err := m.walletParty(ctx, terms.OfferCollateral)
	if err != nil {
		return nil, nil, err
	}

	tempID, err := contract.NewTemporaryID()
	if err != nil {
		return nil, nil, cryptof("temporary id: %w", err)
	}

	c := &contract.Contract{
		TemporaryID:    tempID,
		State:          contract.StateOffered,
		Role:           contract.RoleOffer,
		Offer:          *offer,
		Accept:         contract.Party{Collateral: terms.AcceptCollateral},
		FeeRate:        feeRate,
		CETLocktime:    terms.CETLocktime,
		RefundLocktime: terms.RefundLocktime,
		TrieVersion:    TrieVersion,
		OracleInfo:     oi,
		PayoutCurve:    terms.PayoutCurve,
	}

	unlock := m.lockContract(ctx, tempID)
	defer unlock()
	if err := m.persist(ctx, c); err != nil {
		return nil, nil, err
	}
	m.log.Infof("Offered contract %s: %d CETs over [0,%d), %d-of-%d oracles",
		c.IDString(), t.NumCETs(), max, terms.Threshold, len(oi.Announcements))

	msg := &contract.OfferMessage{
		TemporaryID:      tempID,
		TrieVersion:      TrieVersion,
		OfferCollateral:  terms.OfferCollateral,
		AcceptCollateral: terms.AcceptCollateral,
		PayoutCurve:      terms.PayoutCurve,
		OracleInfo:       oi,
		CETLocktime:      terms.CETLocktime,
		RefundLocktime:   terms.RefundLocktime,
		FeeRate:          feeRate,
		OfferPubKey:      offer.PubKey,
		OfferPayout:      offer.PayoutScript,
		OfferChange:      offer.ChangeScript,
		FundingInputs:    offer.FundingInputs,
	}
	return c, msg, nil
}

// walletParty assembles one side's keys, scripts and funding inputs from the
// wallet. Input selection must over-provision for fees; the builder forfeits
// sub-dust change rather than failing.
func (m *Manager) walletParty(ctx context.Context, collateral int64) (*contract.Party, error) {
	pub, err := m.wallet.NewFundingKey(ctx)
	if err != nil {
		return nil, cryptof("new funding key: %w", err)
	}
	payout, err := m.wallet.NewPayoutScript(ctx)
	if err != nil {
		return nil, cryptof("new payout script: %w", err)
	}
	change, err := m.wallet.NewChangeScript(ctx)
	if err != nil {
		return nil, cryptof("new change script: %w", err)
	}
	inputs, err := m.wallet.SelectInputs(ctx, collateral)
	if err != nil {
		return nil, validationf("select funding inputs: %w", err)
	}
	p := &contract.Party{
		PubKey:        pub,
		Collateral:    collateral,
		PayoutScript:  payout,
		ChangeScript:  change,
		FundingInputs: inputs,
	}
	if err := p.Validate(); err != nil {
		return nil, validationf("wallet party: %w", err)
	}
	return p, nil
}

// OnMessage dispatches one inbound protocol message and returns the reply to
// send back, if the protocol calls for one. The message set is sealed, so the
// switch is exhaustive.
func (m *Manager) OnMessage(ctx context.Context, msg contract.Message) (contract.Message, error) {
	switch msg := msg.(type) {
	case *contract.OfferMessage:
		return nil, m.onOffer(ctx, msg)
	case *contract.AcceptMessage:
		return m.onAccept(ctx, msg)
	case *contract.SignMessage:
		return nil, m.onSign(ctx, msg)
	default:
		return nil, protocolf("unhandled message kind %q", msg.Kind())
	}
}

// onOffer validates and records an inbound offer. Accepting it is a separate,
// explicit decision made through AcceptOffer.
func (m *Manager) onOffer(ctx context.Context, msg *contract.OfferMessage) error {
	if len(msg.TemporaryID) != 32 {
		return validationf("temporary id must be 32 bytes")
	}
	if msg.TrieVersion != TrieVersion {
		return validationf("unsupported decomposition version %d", msg.TrieVersion)
	}
	if msg.AcceptCollateral <= 0 || msg.OfferCollateral <= 0 {
		return validationf("collaterals must be positive")
	}
	if msg.CETLocktime >= msg.RefundLocktime {
		return validationf("cet locktime %d must precede refund locktime %d",
			msg.CETLocktime, msg.RefundLocktime)
	}
	if err := msg.OracleInfo.Validate(); err != nil {
		return validationf("oracle info: %w", err)
	}
	max, err := trie.MaxOutcome(msg.OracleInfo.Base, msg.OracleInfo.NbDigits)
	if err != nil {
		return validationf("%w", err)
	}
	total := msg.OfferCollateral + msg.AcceptCollateral
	if err := msg.PayoutCurve.Validate(total, max); err != nil {
		return validationf("payout curve: %w", err)
	}
	if msg.FeeRate <= 0 {
		return validationf("fee rate must be positive")
	}

	offer := contract.Party{
		PubKey:        msg.OfferPubKey,
		Collateral:    msg.OfferCollateral,
		PayoutScript:  msg.OfferPayout,
		ChangeScript:  msg.OfferChange,
		FundingInputs: msg.FundingInputs,
	}
	if err := offer.Validate(); err != nil {
		return validationf("offer party: %w", err)
	}
	if _, err := trie.Build(&msg.PayoutCurve, msg.OracleInfo.Base, msg.OracleInfo.NbDigits,
		len(msg.OracleInfo.Announcements), msg.OracleInfo.Threshold); err != nil {
		return validationf("outcome decomposition: %w", err)
	}

	unlock := m.lockContract(ctx, msg.TemporaryID)
	defer unlock()
	if _, err := m.store.Get(ctx, msg.TemporaryID); err == nil {
		return protocolf("duplicate offer %x", msg.TemporaryID)
	} else if !errors.Is(err, ErrNotFound) {
		return storagef("get contract: %w", err)
	}

	c := &contract.Contract{
		TemporaryID:    msg.TemporaryID,
		State:          contract.StateOffered,
		Role:           contract.RoleAccept,
		Offer:          offer,
		Accept:         contract.Party{Collateral: msg.AcceptCollateral},
		FeeRate:        msg.FeeRate,
		CETLocktime:    msg.CETLocktime,
		RefundLocktime: msg.RefundLocktime,
		TrieVersion:    msg.TrieVersion,
		OracleInfo:     msg.OracleInfo,
		PayoutCurve:    msg.PayoutCurve,
	}
	if err := m.persist(ctx, c); err != nil {
		return err
	}
	m.log.Infof("Received offer %s: our collateral %d, theirs %d",
		c.IDString(), msg.AcceptCollateral, msg.OfferCollateral)
	return nil
}

// AcceptOffer funds the accept side of a previously received offer, produces
// our adaptor signatures over every CET plus the refund signature, and moves
// the contract to Accepted.
func (m *Manager) AcceptOffer(ctx context.Context, temporaryID []byte) (*contract.AcceptMessage, error) {
	unlock := m.lockContract(ctx, temporaryID)
	defer unlock()

	c, err := m.getContract(ctx, temporaryID)
	if err != nil {
		return nil, err
	}
	if c.Role != contract.RoleAccept {
		return nil, protocolf("contract %s was offered by us", c.IDString())
	}
	if c.State != contract.StateOffered {
		return nil, protocolf("contract %s is %s, not offered", c.IDString(), c.State)
	}

	accept, err := m.walletParty(ctx, c.Accept.Collateral)
	if err != nil {
		return nil, err
	}
	c.Accept = *accept

	// Both funding sides are now fixed, so the funding txid and the permanent
	// contract id are computable before anything is signed.
	fundTxid, fundVout, err := m.builder.FundingOutpoint(c)
	if err != nil {
		return nil, validationf("funding tx: %w", err)
	}
	c.FundingTxid, c.FundingVout = fundTxid, fundVout
	c.ContractID, err = contract.ComputeContractID(fundTxid, fundVout, c.TemporaryID)
	if err != nil {
		return nil, validationf("contract id: %w", err)
	}

	t, err := m.buildTrie(c)
	if err != nil {
		return nil, err
	}
	priv, err := m.wallet.FundingKey(ctx, c.Accept.PubKey)
	if err != nil {
		return nil, cryptof("funding key: %w", err)
	}
	cetSigs, err := m.signCets(c, t, priv)
	if err != nil {
		return nil, err
	}
	refundSig, err := m.signRefund(c, priv)
	if err != nil {
		return nil, err
	}
	c.OurCetSignatures = cetSigs
	c.OurRefundSig = refundSig

	c.State = contract.StateAccepted
	if err := m.persist(ctx, c); err != nil {
		return nil, err
	}
	m.log.Infof("Accepted contract %s: %d CET signatures, funding tx %s",
		c.IDString(), len(cetSigs), fundTxid)

	return &contract.AcceptMessage{
		TemporaryID:     c.TemporaryID,
		AcceptPubKey:    c.Accept.PubKey,
		AcceptPayout:    c.Accept.PayoutScript,
		AcceptChange:    c.Accept.ChangeScript,
		FundingInputs:   c.Accept.FundingInputs,
		CetSignatures:   cetSigs,
		RefundSignature: refundSig,
	}, nil
}

// onAccept handles the counterparty's accept on a contract we offered. A
// verification failure is attributed to the counterparty: the contract moves
// to the terminal FailedAccept state before the error is returned.
func (m *Manager) onAccept(ctx context.Context, msg *contract.AcceptMessage) (contract.Message, error) {
	unlock := m.lockContract(ctx, msg.TemporaryID)
	defer unlock()

	c, err := m.getContract(ctx, msg.TemporaryID)
	if err != nil {
		return nil, err
	}
	if c.Role != contract.RoleOffer {
		return nil, protocolf("contract %s was not offered by us", c.IDString())
	}
	if c.State != contract.StateOffered {
		return nil, protocolf("contract %s is %s, accept not applicable", c.IDString(), c.State)
	}

	fail := func(err error) (contract.Message, error) {
		c.State = contract.StateFailedAccept
		if perr := m.persist(ctx, c); perr != nil {
			return nil, perr
		}
		m.log.Warnf("Contract %s failed at accept: %v", c.IDString(), err)
		return nil, err
	}

	accept := contract.Party{
		PubKey:        msg.AcceptPubKey,
		Collateral:    c.Accept.Collateral,
		PayoutScript:  msg.AcceptPayout,
		ChangeScript:  msg.AcceptChange,
		FundingInputs: msg.FundingInputs,
	}
	if err := accept.Validate(); err != nil {
		return fail(validationf("accept party: %w", err))
	}
	if bytes.Equal(accept.PubKey, c.Offer.PubKey) {
		return fail(validationf("accept party reused our funding key"))
	}
	c.Accept = accept

	fundTxid, fundVout, err := m.builder.FundingOutpoint(c)
	if err != nil {
		return fail(validationf("funding tx: %w", err))
	}
	c.FundingTxid, c.FundingVout = fundTxid, fundVout
	c.ContractID, err = contract.ComputeContractID(fundTxid, fundVout, c.TemporaryID)
	if err != nil {
		return fail(validationf("contract id: %w", err))
	}

	t, err := m.buildTrie(c)
	if err != nil {
		return fail(err)
	}
	if err := m.verifyCets(c, t, c.Accept.PubKey, msg.CetSignatures); err != nil {
		return fail(err)
	}
	if err := m.verifyRefund(c, c.Accept.PubKey, msg.RefundSignature); err != nil {
		return fail(err)
	}
	c.TheirCetSignatures = msg.CetSignatures
	c.TheirRefundSig = msg.RefundSignature

	priv, err := m.wallet.FundingKey(ctx, c.Offer.PubKey)
	if err != nil {
		return nil, cryptof("funding key: %w", err)
	}
	cetSigs, err := m.signCets(c, t, priv)
	if err != nil {
		return nil, err
	}
	refundSig, err := m.signRefund(c, priv)
	if err != nil {
		return nil, err
	}
	c.OurCetSignatures = cetSigs
	c.OurRefundSig = refundSig

	witness, err := m.signFundingInputs(ctx, c, c.Offer.FundingInputs)
	if err != nil {
		return nil, err
	}

	c.State = contract.StateSigned
	if err := m.persist(ctx, c); err != nil {
		return nil, err
	}
	m.log.Infof("Signed contract %s: funding tx %s awaiting counterparty broadcast",
		c.IDString(), fundTxid)

	return &contract.SignMessage{
		ContractID:      c.ContractID,
		CetSignatures:   cetSigs,
		RefundSignature: refundSig,
		FundingWitness:  witness,
	}, nil
}

// onSign handles the offer party's sign message on a contract we accepted:
// verify their signatures, assemble the fully signed funding transaction and
// broadcast it. The signed funding tx is persisted before broadcast so a
// crash between the two is recovered by the periodic check.
func (m *Manager) onSign(ctx context.Context, msg *contract.SignMessage) error {
	unlock := m.lockContract(ctx, msg.ContractID)
	defer unlock()

	c, err := m.getContract(ctx, msg.ContractID)
	if err != nil {
		return err
	}
	if c.Role != contract.RoleAccept {
		return protocolf("contract %s was offered by us", c.IDString())
	}
	if c.State != contract.StateAccepted {
		return protocolf("contract %s is %s, sign not applicable", c.IDString(), c.State)
	}

	fail := func(err error) error {
		c.State = contract.StateFailedSign
		if perr := m.persist(ctx, c); perr != nil {
			return perr
		}
		m.log.Warnf("Contract %s failed at sign: %v", c.IDString(), err)
		return err
	}

	t, err := m.buildTrie(c)
	if err != nil {
		return fail(err)
	}
	if err := m.verifyCets(c, t, c.Offer.PubKey, msg.CetSignatures); err != nil {
		return fail(err)
	}
	if err := m.verifyRefund(c, c.Offer.PubKey, msg.RefundSignature); err != nil {
		return fail(err)
	}
	if len(msg.FundingWitness) != len(c.Offer.FundingInputs) {
		return fail(validationf("funding witness covers %d of %d offer inputs",
			len(msg.FundingWitness), len(c.Offer.FundingInputs)))
	}
	c.TheirCetSignatures = msg.CetSignatures
	c.TheirRefundSig = msg.RefundSignature

	fund, err := m.builder.BuildFunding(c)
	if err != nil {
		return validationf("funding tx: %w", err)
	}
	for i, in := range c.Offer.FundingInputs {
		idx := findInputIndex(fund, in.TxID, in.Vout)
		if idx < 0 {
			return fail(validationf("offer input %s missing from funding tx", in.OutPoint()))
		}
		fund.TxIn[idx].SignatureScript = msg.FundingWitness[i]
	}
	for i := range c.Accept.FundingInputs {
		in := &c.Accept.FundingInputs[i]
		idx := findInputIndex(fund, in.TxID, in.Vout)
		if idx < 0 {
			return validationf("accept input %s missing from funding tx", in.OutPoint())
		}
		sigScript, err := m.wallet.SignFundingInput(ctx, fund, idx, in)
		if err != nil {
			return cryptof("sign funding input %s: %w", in.OutPoint(), err)
		}
		fund.TxIn[idx].SignatureScript = sigScript
	}

	c.FundTxHex, err = txbuilder.SerializeTx(fund)
	if err != nil {
		return validationf("serialize funding tx: %w", err)
	}
	c.State = contract.StateSigned
	if err := m.persist(ctx, c); err != nil {
		return err
	}

	txid, err := m.chain.Broadcast(ctx, fund)
	if err != nil {
		// Persisted as Signed with the full tx; the periodic check retries.
		return chainf("broadcast funding tx: %w", err)
	}
	m.log.Infof("Broadcast funding tx %s for contract %s", txid, c.IDString())
	return nil
}

// signFundingInputs produces the signature scripts for our inputs of the
// funding transaction, ordered like the given input slice.
func (m *Manager) signFundingInputs(ctx context.Context, c *contract.Contract, inputs []contract.FundingInput) ([][]byte, error) {
	fund, err := m.builder.BuildFunding(c)
	if err != nil {
		return nil, validationf("funding tx: %w", err)
	}
	witness := make([][]byte, len(inputs))
	for i := range inputs {
		in := &inputs[i]
		idx := findInputIndex(fund, in.TxID, in.Vout)
		if idx < 0 {
			return nil, validationf("input %s missing from funding tx", in.OutPoint())
		}
		witness[i], err = m.wallet.SignFundingInput(ctx, fund, idx, in)
		if err != nil {
			return nil, cryptof("sign funding input %s: %w", in.OutPoint(), err)
		}
	}
	return witness, nil
}

// buildTrie reconstructs the outcome decomposition from the stored terms.
func (m *Manager) buildTrie(c *contract.Contract) (*trie.Trie, error) {
	if c.TrieVersion != TrieVersion {
		return nil, validationf("unsupported decomposition version %d", c.TrieVersion)
	}
	t, err := trie.Build(&c.PayoutCurve, c.OracleInfo.Base, c.OracleInfo.NbDigits,
		len(c.OracleInfo.Announcements), c.OracleInfo.Threshold)
	if err != nil {
		return nil, validationf("outcome decomposition: %w", err)
	}
	return t, nil
}

// adaptorPointForLeaf sums the per-oracle adaptor points of the leaf's
// combination over the leaf's digit prefix. The CET for the leaf can only be
// decrypted with the matching sum of revealed attestation scalars.
func adaptorPointForLeaf(c *contract.Contract, leaf *trie.Leaf) (*secp256k1.PublicKey, error) {
	var sum *secp256k1.PublicKey
	for _, idx := range leaf.Combination {
		if idx < 0 || idx >= len(c.OracleInfo.Announcements) {
			return nil, fmt.Errorf("oracle index %d out of range", idx)
		}
		pt, err := c.OracleInfo.Announcements[idx].AdaptorPoint(leaf.Prefix)
		if err != nil {
			return nil, err
		}
		if sum == nil {
			sum = pt
			continue
		}
		sum, err = adaptor.AddPoints(sum, pt)
		if err != nil {
			return nil, err
		}
	}
	return sum, nil
}

// signCets produces one adaptor signature per trie leaf, keyed by the leaf
// group id.
func (m *Manager) signCets(c *contract.Contract, t *trie.Trie, priv *secp256k1.PrivateKey) (map[string][]byte, error) {
	leaves := t.Leaves()
	sigs := make(map[string][]byte, len(leaves))
	for i := range leaves {
		leaf := &leaves[i]
		cet, err := m.builder.BuildCET(c, leaf)
		if err != nil {
			return nil, validationf("cet %d: %w", leaf.Index, err)
		}
		sighash, err := m.builder.SpendSighash(c, cet)
		if err != nil {
			return nil, cryptof("cet %d sighash: %w", leaf.Index, err)
		}
		Y, err := adaptorPointForLeaf(c, leaf)
		if err != nil {
			return nil, cryptof("cet %d adaptor point: %w", leaf.Index, err)
		}
		sig, err := adaptor.Sign(priv, sighash, Y)
		if err != nil {
			return nil, cryptof("cet %d adaptor sign: %w", leaf.Index, err)
		}
		sigs[leaf.GroupID()] = sig.Serialize()
	}
	return sigs, nil
}

// verifyCets checks the counterparty supplied a valid adaptor signature,
// encrypted to the correct anticipation point, for every trie leaf.
func (m *Manager) verifyCets(c *contract.Contract, t *trie.Trie, theirPub []byte, sigs map[string][]byte) error {
	X, err := secp256k1.ParsePubKey(theirPub)
	if err != nil {
		return validationf("counterparty pubkey: %w", err)
	}
	leaves := t.Leaves()
	for i := range leaves {
		leaf := &leaves[i]
		raw, ok := sigs[leaf.GroupID()]
		if !ok {
			return cryptof("missing adaptor signature for leaf %q", leaf.GroupID())
		}
		sig, err := adaptor.ParseSignature(raw)
		if err != nil {
			return cryptof("leaf %q: %w", leaf.GroupID(), err)
		}
		cet, err := m.builder.BuildCET(c, leaf)
		if err != nil {
			return validationf("cet %d: %w", leaf.Index, err)
		}
		sighash, err := m.builder.SpendSighash(c, cet)
		if err != nil {
			return cryptof("cet %d sighash: %w", leaf.Index, err)
		}
		Y, err := adaptorPointForLeaf(c, leaf)
		if err != nil {
			return cryptof("cet %d adaptor point: %w", leaf.Index, err)
		}
		if err := adaptor.Verify(X, sighash, Y, sig); err != nil {
			return cryptof("leaf %q adaptor signature: %w", leaf.GroupID(), err)
		}
	}
	if len(sigs) != len(leaves) {
		return cryptof("got %d adaptor signatures for %d leaves", len(sigs), len(leaves))
	}
	return nil
}

// signRefund produces our plain DER signature over the refund transaction.
func (m *Manager) signRefund(c *contract.Contract, priv *secp256k1.PrivateKey) ([]byte, error) {
	refund, err := m.builder.BuildRefund(c)
	if err != nil {
		return nil, validationf("refund tx: %w", err)
	}
	sighash, err := m.builder.SpendSighash(c, refund)
	if err != nil {
		return nil, cryptof("refund sighash: %w", err)
	}
	return ecdsa.Sign(priv, sighash).Serialize(), nil
}

// verifyRefund checks the counterparty's plain signature over the refund
// transaction.
func (m *Manager) verifyRefund(c *contract.Contract, theirPub, sig []byte) error {
	X, err := secp256k1.ParsePubKey(theirPub)
	if err != nil {
		return validationf("counterparty pubkey: %w", err)
	}
	refund, err := m.builder.BuildRefund(c)
	if err != nil {
		return validationf("refund tx: %w", err)
	}
	sighash, err := m.builder.SpendSighash(c, refund)
	if err != nil {
		return cryptof("refund sighash: %w", err)
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return cryptof("refund signature: %w", err)
	}
	if !parsed.Verify(sighash, X) {
		return cryptof("refund signature invalid")
	}
	return nil
}

// findInputIndex locates the input spending txid:vout, or -1.
func findInputIndex(tx *wire.MsgTx, txid string, vout uint32) int {
	for i, in := range tx.TxIn {
		if in.PreviousOutPoint.Index == vout && in.PreviousOutPoint.Hash.String() == txid {
			return i
		}
	}
	return -1
}
