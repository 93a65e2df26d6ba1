package manager

import (
	"context"
	"errors"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/vctt94/dcrdlc/adaptor"
	"github.com/vctt94/dcrdlc/contract"
	"github.com/vctt94/dcrdlc/oracle"
	"github.com/vctt94/dcrdlc/trie"
	"github.com/vctt94/dcrdlc/txbuilder"
)

// Locktimes at or above this value are unix timestamps, below it block
// heights, mirroring consensus locktime interpretation.
const lockTimeThreshold = 500000000

// PeriodicCheck advances one contract as far as the chain and the oracles
// allow: funding confirmation, attestation-driven settlement, locktime
// refund, and settlement confirmation. Transient gateway failures return a
// typed error and leave the contract to be retried on the next call.
func (m *Manager) PeriodicCheck(ctx context.Context, id []byte) error {
	unlock := m.lockContract(ctx, id)
	defer unlock()

	c, err := m.getContract(ctx, id)
	if err != nil {
		return err
	}
	switch c.State {
	case contract.StateSigned:
		return m.checkSigned(ctx, c)
	case contract.StateConfirmed:
		return m.checkConfirmed(ctx, c)
	case contract.StatePreClosed:
		return m.checkPreClosed(ctx, c)
	case contract.StateRefunded:
		return m.rebroadcastSettlement(ctx, c)
	default:
		return nil
	}
}

// PeriodicCheckAll runs PeriodicCheck over every contract in a pollable
// state. Per-contract failures are logged and do not stop the sweep.
func (m *Manager) PeriodicCheckAll(ctx context.Context) error {
	cs, err := m.store.ListByState(ctx,
		contract.StateSigned, contract.StateConfirmed,
		contract.StatePreClosed, contract.StateRefunded)
	if err != nil {
		return storagef("list contracts: %w", err)
	}
	for _, c := range cs {
		if err := m.PeriodicCheck(ctx, c.ID()); err != nil {
			m.log.Warnf("Periodic check of contract %s: %v", c.IDString(), err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// checkSigned waits for the funding transaction to reach depth, rebroadcasting
// it while the backend does not know it (only the accept side stores the
// fully signed funding tx).
func (m *Manager) checkSigned(ctx context.Context, c *contract.Contract) error {
	confs, err := m.chain.GetConfirmations(ctx, c.FundingTxid)
	if err != nil {
		return chainf("funding confirmations: %w", err)
	}
	if confs >= m.nbConfs {
		c.State = contract.StateConfirmed
		if err := m.persist(ctx, c); err != nil {
			return err
		}
		m.log.Infof("Contract %s confirmed at depth %d", c.IDString(), confs)
		return nil
	}
	if confs == 0 && c.FundTxHex != "" {
		fund, err := txbuilder.DeserializeTx(c.FundTxHex)
		if err != nil {
			return validationf("stored funding tx: %w", err)
		}
		if _, err := m.chain.Broadcast(ctx, fund); err != nil {
			return chainf("rebroadcast funding tx: %w", err)
		}
		m.log.Debugf("Rebroadcast funding tx %s for contract %s", c.FundingTxid, c.IDString())
	}
	return nil
}

// checkConfirmed polls the oracles. With enough matching attestations the
// contract settles through the decrypted CET; past the refund locktime with
// no settlement it refunds instead.
func (m *Manager) checkConfirmed(ctx context.Context, c *contract.Contract) error {
	t, err := m.buildTrie(c)
	if err != nil {
		return err
	}

	outcomes := make(map[int]uint64)
	atts := make(map[int]*oracle.Attestation)
	for i := range c.OracleInfo.Announcements {
		ann := &c.OracleInfo.Announcements[i]
		att, err := m.oracles.GetAttestation(ctx, ann.EventID)
		switch {
		case errors.Is(err, ErrNoAttestation):
			continue
		case err != nil:
			m.log.Warnf("Attestation fetch for %q: %v", ann.EventID, err)
			continue
		}
		if err := ann.VerifyAttestation(att); err != nil {
			m.log.Errorf("Oracle %q published an invalid attestation: %v", ann.EventID, err)
			continue
		}
		outcomes[i] = att.Outcome(c.OracleInfo.Base)
		atts[i] = att
	}

	if len(outcomes) >= c.OracleInfo.Threshold {
		leaf, err := t.Find(outcomes)
		if err == nil {
			return m.settle(ctx, c, leaf, atts)
		}
		// Attested but no combination agrees on a group; only the refund
		// path remains.
		m.log.Warnf("Contract %s: attestations do not satisfy any leaf: %v", c.IDString(), err)
	}

	reached, err := m.locktimeReached(ctx, c.RefundLocktime)
	if err != nil {
		return err
	}
	if reached {
		return m.refund(ctx, c)
	}
	return nil
}

// settle decrypts the counterparty's adaptor signature for the matched leaf
// with the aggregated attestation secret, assembles the CET and broadcasts
// it. State and the signed CET are persisted before broadcast so a crash is
// recovered by rebroadcast, never by re-signing.
func (m *Manager) settle(ctx context.Context, c *contract.Contract, leaf *trie.Leaf, atts map[int]*oracle.Attestation) error {
	var secret secp256k1.ModNScalar
	for _, idx := range leaf.Combination {
		att, ok := atts[idx]
		if !ok {
			return cryptof("leaf %q requires unattested oracle %d", leaf.GroupID(), idx)
		}
		part, err := att.AggregateSecret(len(leaf.Prefix))
		if err != nil {
			return cryptof("aggregate attestation secret: %w", err)
		}
		secret.Add(part)
	}
	if secret.IsZero() {
		return cryptof("aggregate attestation secret is zero")
	}

	raw, ok := c.TheirCetSignatures[leaf.GroupID()]
	if !ok {
		return cryptof("no counterparty signature stored for leaf %q", leaf.GroupID())
	}
	theirAdaptor, err := adaptor.ParseSignature(raw)
	if err != nil {
		return cryptof("stored adaptor signature: %w", err)
	}
	theirSig, err := adaptor.Finalize(theirAdaptor, &secret)
	if err != nil {
		return cryptof("decrypt adaptor signature: %w", err)
	}

	cet, err := m.builder.BuildCET(c, leaf)
	if err != nil {
		return validationf("cet: %w", err)
	}
	sighash, err := m.builder.SpendSighash(c, cet)
	if err != nil {
		return cryptof("cet sighash: %w", err)
	}
	ourPub := c.Offer.PubKey
	if c.Role == contract.RoleAccept {
		ourPub = c.Accept.PubKey
	}
	priv, err := m.wallet.FundingKey(ctx, ourPub)
	if err != nil {
		return cryptof("funding key: %w", err)
	}
	ourSig := ecdsa.Sign(priv, sighash).Serialize()

	offerSig, acceptSig := ourSig, theirSig.Serialize()
	if c.Role == contract.RoleAccept {
		offerSig, acceptSig = acceptSig, offerSig
	}
	if err := m.builder.FinalizeSpend(c, cet, offerSig, acceptSig); err != nil {
		return cryptof("finalize cet: %w", err)
	}

	outcome := atts[leaf.Combination[0]].Outcome(c.OracleInfo.Base)
	c.SignedCetHex, err = txbuilder.SerializeTx(cet)
	if err != nil {
		return validationf("serialize cet: %w", err)
	}
	c.Close = &contract.CloseDetail{
		Outcome:   outcome,
		CetTxid:   cet.TxHash().String(),
		OfferPnl:  leaf.Payout - c.Offer.Collateral,
		LeafGroup: leaf.GroupID(),
	}
	c.State = contract.StatePreClosed
	if err := m.persist(ctx, c); err != nil {
		return err
	}

	if _, err := m.chain.Broadcast(ctx, cet); err != nil {
		return chainf("broadcast cet: %w", err)
	}
	m.log.Infof("Contract %s settling on outcome %d via cet %s (offer pnl %d)",
		c.IDString(), outcome, c.Close.CetTxid, c.Close.OfferPnl)
	return nil
}

// refund assembles and broadcasts the timelocked refund transaction once the
// refund locktime has passed without a settlement.
func (m *Manager) refund(ctx context.Context, c *contract.Contract) error {
	refund, err := m.builder.BuildRefund(c)
	if err != nil {
		return validationf("refund tx: %w", err)
	}
	sighash, err := m.builder.SpendSighash(c, refund)
	if err != nil {
		return cryptof("refund sighash: %w", err)
	}
	ourPub := c.Offer.PubKey
	if c.Role == contract.RoleAccept {
		ourPub = c.Accept.PubKey
	}
	priv, err := m.wallet.FundingKey(ctx, ourPub)
	if err != nil {
		return cryptof("funding key: %w", err)
	}
	ourSig := ecdsa.Sign(priv, sighash).Serialize()

	offerSig, acceptSig := ourSig, c.TheirRefundSig
	if c.Role == contract.RoleAccept {
		offerSig, acceptSig = acceptSig, offerSig
	}
	if err := m.builder.FinalizeSpend(c, refund, offerSig, acceptSig); err != nil {
		return cryptof("finalize refund: %w", err)
	}

	c.SignedCetHex, err = txbuilder.SerializeTx(refund)
	if err != nil {
		return validationf("serialize refund: %w", err)
	}
	c.Close = &contract.CloseDetail{
		CetTxid:  refund.TxHash().String(),
		OfferPnl: -feeOnOffer(c, refund.TxOut[0].Value),
		Refunded: true,
	}
	c.State = contract.StateRefunded
	if err := m.persist(ctx, c); err != nil {
		return err
	}

	if _, err := m.chain.Broadcast(ctx, refund); err != nil {
		return chainf("broadcast refund: %w", err)
	}
	m.log.Infof("Contract %s refunded via %s", c.IDString(), c.Close.CetTxid)
	return nil
}

// feeOnOffer is the fee the offer side bore on a refund, derived from its
// actual refund output.
func feeOnOffer(c *contract.Contract, offerOut int64) int64 {
	return c.Offer.Collateral - offerOut
}

// checkPreClosed waits for the broadcast CET to reach depth, rebroadcasting
// while the backend does not know it.
func (m *Manager) checkPreClosed(ctx context.Context, c *contract.Contract) error {
	confs, err := m.chain.GetConfirmations(ctx, c.Close.CetTxid)
	if err != nil {
		return chainf("cet confirmations: %w", err)
	}
	if confs >= m.nbConfs {
		c.State = contract.StateClosed
		if err := m.persist(ctx, c); err != nil {
			return err
		}
		m.log.Infof("Contract %s closed: cet %s at depth %d", c.IDString(), c.Close.CetTxid, confs)
		return nil
	}
	if confs == 0 {
		return m.rebroadcastSettlement(ctx, c)
	}
	return nil
}

// rebroadcastSettlement resubmits the persisted signed settlement (CET or
// refund) when the backend does not know it yet.
func (m *Manager) rebroadcastSettlement(ctx context.Context, c *contract.Contract) error {
	if c.Close == nil || c.SignedCetHex == "" {
		return nil
	}
	confs, err := m.chain.GetConfirmations(ctx, c.Close.CetTxid)
	if err != nil {
		return chainf("settlement confirmations: %w", err)
	}
	if confs > 0 {
		return nil
	}
	tx, err := txbuilder.DeserializeTx(c.SignedCetHex)
	if err != nil {
		return validationf("stored settlement tx: %w", err)
	}
	if _, err := m.chain.Broadcast(ctx, tx); err != nil {
		return chainf("rebroadcast settlement: %w", err)
	}
	m.log.Debugf("Rebroadcast settlement %s for contract %s", c.Close.CetTxid, c.IDString())
	return nil
}

// locktimeReached interprets the locktime as a block height or a unix
// timestamp and compares against the chain tip or wall clock.
func (m *Manager) locktimeReached(ctx context.Context, lockTime uint32) (bool, error) {
	if lockTime >= lockTimeThreshold {
		return time.Now().Unix() >= int64(lockTime), nil
	}
	height, err := m.chain.CurrentHeight(ctx)
	if err != nil {
		return false, chainf("current height: %w", err)
	}
	return height >= int64(lockTime), nil
}
