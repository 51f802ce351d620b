// Package swap - Manager starts swap sessions and tracks them until they end.
package swap

import (
	"context"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

// lightningSymbol is the asset on the lightning side of every swap.
const lightningSymbol = "BTC"

// DefaultRetainFinished is how many ended sessions a Manager keeps for Get
// and List.
const DefaultRetainFinished = 100

// ManagerConfig wires a Manager to its collaborators. Provider and Feeds are
// required; the rest are optional.
type ManagerConfig struct {
	Network chain.Network

	Provider Provider
	Feeds    FeedDialer
	Wallet   Wallet

	Fees     FeeEstimator
	Tip      TipSource
	Fallback Broadcaster
	Txs      TxSource
	Journal  Journal

	Swap    config.SwapConfig
	Options Options

	// RetainFinished caps the ended sessions kept in memory. Zero uses
	// DefaultRetainFinished. The journal keeps the full history.
	RetainFinished int

	Logger *logging.Logger
}

// Manager creates swaps and runs one Session per swap.
type Manager struct {
	cfg  ManagerConfig
	opts Options
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool

	handlersMu sync.RWMutex
	handlers   []EventHandler
}

// NewManager creates a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("manager: provider required")
	}
	if cfg.Feeds == nil {
		return nil, fmt.Errorf("manager: feed dialer required")
	}
	if cfg.Network == "" {
		cfg.Network = chain.Mainnet
	}
	if cfg.RetainFinished <= 0 {
		cfg.RetainFinished = DefaultRetainFinished
	}
	if cfg.Swap.MinAmount == 0 && cfg.Swap.MaxAmount == 0 {
		cfg.Swap.MinAmount = config.MinAmountSats
		cfg.Swap.MaxAmount = config.MaxAmountSats
	}

	opts := cfg.Options
	if opts.Deadline == 0 {
		opts.Deadline = cfg.Swap.Deadline
	}
	if opts.FeeRate == 0 {
		opts.FeeRate = cfg.Swap.FeeRate
	}
	if opts.BroadcastAttempts == 0 {
		opts.BroadcastAttempts = cfg.Swap.BroadcastAttempts
	}

	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:      cfg,
		opts:     opts.withDefaults(),
		log:      log.Component("swap"),
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*Session),
	}, nil
}

// OnEvent registers an event handler.
func (m *Manager) OnEvent(handler EventHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// emitEvent sends an event to all registered handlers.
func (m *Manager) emitEvent(event SwapEvent) {
	m.handlersMu.RLock()
	handlers := make([]EventHandler, len(m.handlers))
	copy(handlers, m.handlers)
	m.handlersMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// Requests
// =============================================================================

// SubmarineRequest pays a lightning invoice from an on-chain lockup.
type SubmarineRequest struct {
	// From is the chain the user locks on.
	From string
	// Invoice to be paid. When empty the wallet makes one for Amount.
	Invoice string
	Amount  int64
}

// ReverseRequest receives on-chain funds for a lightning payment.
type ReverseRequest struct {
	// To is the chain the funds arrive on.
	To          string
	Amount      int64
	Destination string
}

// ChainRequest moves funds between two chains.
type ChainRequest struct {
	From        string
	To          string
	Amount      int64
	Destination string
}

// =============================================================================
// Starting swaps
// =============================================================================

// StartSubmarine creates a submarine swap. The caller funds
// Terms().Lockup with the returned session's terms.
func (m *Manager) StartSubmarine(ctx context.Context, req SubmarineRequest) (*Session, error) {
	if _, err := chain.Lookup(req.From, m.cfg.Network); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, err)
	}
	lnParams, err := m.lightningParams()
	if err != nil {
		return nil, err
	}

	invoice := req.Invoice
	if invoice == "" {
		if m.cfg.Wallet == nil {
			return nil, fmt.Errorf("no invoice given and no wallet to make one")
		}
		if err := m.checkAmount(req.Amount); err != nil {
			return nil, err
		}
		invoice, err = m.cfg.Wallet.MakeInvoice(ctx, req.Amount)
		if err != nil {
			return nil, fmt.Errorf("make invoice: %w", err)
		}
	}

	paymentHash, err := InvoicePaymentHash(invoice, lnParams)
	if err != nil {
		return nil, err
	}
	amount, err := InvoiceAmount(invoice, lnParams)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		amount = req.Amount
	}
	if err := m.checkAmount(amount); err != nil {
		return nil, err
	}

	pairs, err := m.cfg.Provider.SubmarinePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pairs: %w", err)
	}
	pair, ok := pairs.Get(req.From, lightningSymbol)
	if !ok {
		return nil, fmt.Errorf("%w: pair %s/%s not offered", ErrUnsupportedChain, req.From, lightningSymbol)
	}
	if !pair.Limits.Contains(amount) {
		return nil, fmt.Errorf("%w: %d outside provider limits %d-%d", ErrAmountOutOfRange, amount, pair.Limits.Minimal, pair.Limits.Maximal)
	}

	refundKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	resp, err := m.cfg.Provider.CreateSubmarineSwap(ctx, &boltz.SubmarineRequest{
		From:            req.From,
		To:              lightningSymbol,
		Invoice:         invoice,
		RefundPublicKey: hex.EncodeToString(refundKey.PubKey().SerializeCompressed()),
		PairHash:        pair.Hash,
	})
	if err != nil {
		return nil, fmt.Errorf("create submarine swap: %w", err)
	}

	terms, err := submarineTerms(resp, req.From, lightningSymbol, invoice)
	if err != nil {
		return nil, err
	}
	if err := terms.Lockup.VerifyAddress(refundKey.PubKey(), m.cfg.Network); err != nil {
		return nil, err
	}

	return m.launch(ctx, sessionConfig{
		Terms:       terms,
		Network:     m.cfg.Network,
		Options:     m.opts,
		RefundKey:   refundKey,
		PaymentHash: paymentHash,
	})
}

// StartReverse creates a reverse swap and starts paying its invoice once
// the provider confirms it.
func (m *Manager) StartReverse(ctx context.Context, req ReverseRequest) (*Session, error) {
	if err := m.checkAmount(req.Amount); err != nil {
		return nil, err
	}
	dest, err := m.claimDestination(req.To, req.Destination)
	if err != nil {
		return nil, err
	}
	lnParams, err := m.lightningParams()
	if err != nil {
		return nil, err
	}

	pairs, err := m.cfg.Provider.ReversePairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pairs: %w", err)
	}
	pair, ok := pairs.Get(lightningSymbol, req.To)
	if !ok {
		return nil, fmt.Errorf("%w: pair %s/%s not offered", ErrUnsupportedChain, lightningSymbol, req.To)
	}
	if !pair.Limits.Contains(req.Amount) {
		return nil, fmt.Errorf("%w: %d outside provider limits %d-%d", ErrAmountOutOfRange, req.Amount, pair.Limits.Minimal, pair.Limits.Maximal)
	}

	claimKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	preimage, err := NewPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	resp, err := m.cfg.Provider.CreateReverseSwap(ctx, &boltz.ReverseRequest{
		From:           lightningSymbol,
		To:             req.To,
		PreimageHash:   hex.EncodeToString(hash[:]),
		ClaimPublicKey: hex.EncodeToString(claimKey.PubKey().SerializeCompressed()),
		InvoiceAmount:  req.Amount,
		PairHash:       pair.Hash,
	})
	if err != nil {
		return nil, fmt.Errorf("create reverse swap: %w", err)
	}

	terms, err := reverseTerms(resp, lightningSymbol, req.To)
	if err != nil {
		return nil, err
	}
	invoiceHash, err := InvoicePaymentHash(terms.Invoice, lnParams)
	if err != nil {
		return nil, err
	}
	if invoiceHash != hash {
		return nil, verifyErrorf("invoice does not commit to our preimage hash")
	}
	if err := terms.Claim.VerifyAddress(claimKey.PubKey(), m.cfg.Network); err != nil {
		return nil, err
	}

	return m.launch(ctx, sessionConfig{
		Terms:       terms,
		Network:     m.cfg.Network,
		Options:     m.opts,
		ClaimKey:    claimKey,
		Preimage:    &preimage,
		Destination: dest,
	})
}

// StartChain creates a chain swap. The caller funds Terms().Lockup.
func (m *Manager) StartChain(ctx context.Context, req ChainRequest) (*Session, error) {
	if err := m.checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if _, err := chain.Lookup(req.From, m.cfg.Network); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, err)
	}
	dest, err := m.claimDestination(req.To, req.Destination)
	if err != nil {
		return nil, err
	}

	pairs, err := m.cfg.Provider.ChainPairs(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch pairs: %w", err)
	}
	pair, ok := pairs.Get(req.From, req.To)
	if !ok {
		return nil, fmt.Errorf("%w: pair %s/%s not offered", ErrUnsupportedChain, req.From, req.To)
	}
	if !pair.Limits.Contains(req.Amount) {
		return nil, fmt.Errorf("%w: %d outside provider limits %d-%d", ErrAmountOutOfRange, req.Amount, pair.Limits.Minimal, pair.Limits.Maximal)
	}

	claimKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	refundKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	preimage, err := NewPreimage()
	if err != nil {
		return nil, err
	}
	hash := preimage.Hash()

	resp, err := m.cfg.Provider.CreateChainSwap(ctx, &boltz.ChainRequest{
		From:            req.From,
		To:              req.To,
		PreimageHash:    hex.EncodeToString(hash[:]),
		ClaimPublicKey:  hex.EncodeToString(claimKey.PubKey().SerializeCompressed()),
		RefundPublicKey: hex.EncodeToString(refundKey.PubKey().SerializeCompressed()),
		UserLockAmount:  req.Amount,
		PairHash:        pair.Hash,
	})
	if err != nil {
		return nil, fmt.Errorf("create chain swap: %w", err)
	}

	terms, err := chainTerms(resp, req.From, req.To)
	if err != nil {
		return nil, err
	}
	if err := terms.Claim.VerifyAddress(claimKey.PubKey(), m.cfg.Network); err != nil {
		return nil, err
	}
	if err := terms.Lockup.VerifyAddress(refundKey.PubKey(), m.cfg.Network); err != nil {
		return nil, err
	}

	return m.launch(ctx, sessionConfig{
		Terms:       terms,
		Network:     m.cfg.Network,
		Options:     m.opts,
		ClaimKey:    claimKey,
		RefundKey:   refundKey,
		Preimage:    &preimage,
		Destination: dest,
	})
}

// launch subscribes to the swap's feed and starts its session.
func (m *Manager) launch(ctx context.Context, cfg sessionConfig) (*Session, error) {
	cfg.Logger = m.log

	s, err := newSession(cfg, collaborators{
		provider: m.cfg.Provider,
		wallet:   m.cfg.Wallet,
		fees:     m.cfg.Fees,
		tip:      m.cfg.Tip,
		fallback: m.cfg.Fallback,
		txs:      m.cfg.Txs,
		journal:  m.cfg.Journal,
		emit:     m.emitEvent,
	})
	if err != nil {
		return nil, err
	}

	if err := m.checkNew(s.ID()); err != nil {
		return nil, err
	}
	feed, err := m.cfg.Feeds.Subscribe(ctx, s.ID())
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", s.ID(), err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkNewLocked(s.ID()); err != nil {
		feed.Close()
		return nil, err
	}
	m.pruneLocked()
	m.sessions[s.ID()] = s
	s.start(m.ctx, feed)
	return s, nil
}

// pruneLocked drops the oldest ended sessions beyond RetainFinished.
func (m *Manager) pruneLocked() {
	var ended []*Session
	for _, s := range m.sessions {
		select {
		case <-s.Done():
			ended = append(ended, s)
		default:
		}
	}
	excess := len(ended) - m.cfg.RetainFinished
	if excess <= 0 {
		return
	}
	sort.Slice(ended, func(i, j int) bool {
		return ended[i].createdAt.Before(ended[j].createdAt)
	})
	for _, s := range ended[:excess] {
		delete(m.sessions, s.ID())
	}
	m.log.Debug("pruned ended sessions", "count", excess)
}

func (m *Manager) checkNew(id string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.checkNewLocked(id)
}

func (m *Manager) checkNewLocked(id string) error {
	if m.closed {
		return ErrManagerClosed
	}
	if _, exists := m.sessions[id]; exists {
		return fmt.Errorf("%w: %s", ErrSwapExists, id)
	}
	return nil
}

func (m *Manager) checkAmount(amount int64) error {
	if amount < m.cfg.Swap.MinAmount || (m.cfg.Swap.MaxAmount > 0 && amount > m.cfg.Swap.MaxAmount) {
		return fmt.Errorf("%w: %d not in [%d, %d]", ErrAmountOutOfRange, amount, m.cfg.Swap.MinAmount, m.cfg.Swap.MaxAmount)
	}
	return nil
}

// claimDestination checks that we can claim on symbol and returns the
// output script for address.
func (m *Manager) claimDestination(symbol, address string) ([]byte, error) {
	params, err := chain.Lookup(symbol, m.cfg.Network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, err)
	}
	if !params.CanBuildClaims() {
		return nil, fmt.Errorf("%w: claims on %s are not supported", ErrUnsupportedChain, symbol)
	}
	addr, err := params.DecodeAddress(address)
	if err != nil {
		return nil, fmt.Errorf("destination: %w", err)
	}
	script, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("destination script: %w", err)
	}
	return script, nil
}

func (m *Manager) lightningParams() (*chaincfg.Params, error) {
	params, err := chain.Lookup(lightningSymbol, m.cfg.Network)
	if err != nil {
		return nil, err
	}
	return params.ChainParams, nil
}

// =============================================================================
// Tracking
// =============================================================================

// Get returns the session for id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSwapNotFound, id)
	}
	return s, nil
}

// List returns all sessions, newest first.
func (m *Manager) List() []*Session {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].createdAt.After(out[j].createdAt)
	})
	return out
}

// Wait blocks until the swap ends or ctx is done, and returns its final state.
func (m *Manager) Wait(ctx context.Context, id string) (State, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	select {
	case <-s.Done():
		return s.State(), s.Err()
	case <-ctx.Done():
		return s.State(), ctx.Err()
	}
}

// Close stops all sessions and waits for them to release their resources.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.cancel()

	timeout := time.NewTimer(10 * time.Second)
	defer timeout.Stop()
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-timeout.C:
			return fmt.Errorf("timed out waiting for sessions to stop")
		}
	}
	return nil
}
