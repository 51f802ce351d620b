package swap

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/chain"
	"github.com/Klingon-tech/klingswap/internal/config"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
	"github.com/Klingon-tech/klingswap/pkg/logging"
)

const (
	// maxCoopFailures is how many cooperative attempts may fail before the
	// swap is failed.
	maxCoopFailures = 2

	defaultTipInterval      = time.Minute
	defaultBroadcastBackoff = time.Second
	maxBroadcastBackoff     = 30 * time.Second
)

// Options tune one session.
type Options struct {
	// Deadline bounds the whole session. Without progress by then it expires.
	Deadline time.Duration

	// FeeRate is the claim fee rate used when no estimator answers, in sat/vB.
	FeeRate float64

	BroadcastAttempts int
	BroadcastBackoff  time.Duration

	// TipInterval is how often the chain tip is checked against the
	// timeout block height.
	TipInterval time.Duration
}

// OptionsFromConfig maps the swap section of the config file.
func OptionsFromConfig(cfg config.SwapConfig) Options {
	return Options{
		Deadline:          cfg.Deadline,
		FeeRate:           cfg.FeeRate,
		BroadcastAttempts: cfg.BroadcastAttempts,
	}
}

func (o Options) withDefaults() Options {
	if o.Deadline <= 0 {
		o.Deadline = config.DefaultDeadline
	}
	if o.FeeRate <= 0 {
		o.FeeRate = config.DefaultFeeRate
	}
	if o.BroadcastAttempts <= 0 {
		o.BroadcastAttempts = config.DefaultBroadcastAttempts
	}
	if o.BroadcastBackoff <= 0 {
		o.BroadcastBackoff = defaultBroadcastBackoff
	}
	if o.TipInterval <= 0 {
		o.TipInterval = defaultTipInterval
	}
	return o
}

// collaborators are the session's external dependencies. Only provider is
// required.
type collaborators struct {
	provider Provider
	wallet   Wallet
	fees     FeeEstimator
	tip      TipSource
	fallback Broadcaster
	txs      TxSource
	journal  Journal
	emit     func(SwapEvent)
}

// secrets is the session's key material. Wiped when the session ends.
type secrets struct {
	claimKey    *btcec.PrivateKey // reverse and chain
	refundKey   *btcec.PrivateKey // submarine and chain
	preimage    lntypes.Preimage  // reverse and chain
	paymentHash lntypes.Hash
}

type paymentResult struct {
	preimage lntypes.Preimage
	err      error
}

// sessionConfig is everything newSession needs.
type sessionConfig struct {
	Terms   *Terms
	Network chain.Network
	Options Options

	ClaimKey  *btcec.PrivateKey
	RefundKey *btcec.PrivateKey

	// Preimage is ours for reverse and chain swaps.
	Preimage *lntypes.Preimage
	// PaymentHash is the invoice commitment for submarine swaps.
	PaymentHash lntypes.Hash

	// Destination is the claim output script.
	Destination []byte

	Logger *logging.Logger
}

// Session owns one swap's lifecycle. All protocol work runs on its own
// goroutine, one feed update at a time.
type Session struct {
	terms   *Terms
	network chain.Network
	opts    Options
	deps    collaborators
	log     *logging.Logger
	secrets secrets

	// Owned by the run goroutine.
	claimDest      []byte
	claimScript    []byte
	signedClaim    *wire.MsgTx
	claimDone      bool
	coopFailures   int
	paymentStarted bool
	paymentCancel  context.CancelFunc
	payments       chan paymentResult
	feed           boltz.Subscription

	mu        sync.RWMutex
	state     State
	status    boltz.Status
	claimTxID string
	err       error
	createdAt time.Time
	updatedAt time.Time

	done chan struct{}
}

func newSession(cfg sessionConfig, deps collaborators) (*Session, error) {
	if cfg.Terms == nil {
		return nil, fmt.Errorf("%w: no terms", ErrInvalidState)
	}
	if deps.provider == nil {
		return nil, fmt.Errorf("no provider")
	}
	terms := cfg.Terms

	log := cfg.Logger
	if log == nil {
		log = logging.GetDefault().Component("swap")
	}

	now := time.Now()
	s := &Session{
		terms:   terms,
		network: cfg.Network,
		opts:    cfg.Options.withDefaults(),
		deps:    deps,
		log:     log.With("swap_id", terms.ID, "kind", terms.Kind),
		secrets: secrets{
			claimKey:    cfg.ClaimKey,
			refundKey:   cfg.RefundKey,
			paymentHash: cfg.PaymentHash,
		},
		payments:  make(chan paymentResult, 1),
		state:     StateCreated,
		createdAt: now,
		updatedAt: now,
		done:      make(chan struct{}),
	}

	if cfg.Preimage != nil {
		s.secrets.preimage = *cfg.Preimage
		s.secrets.paymentHash = cfg.Preimage.Hash()
	}

	if terms.Claim != nil {
		if cfg.ClaimKey == nil {
			return nil, fmt.Errorf("%w: claim key required", ErrInvalidPubKey)
		}
		if cfg.Preimage == nil {
			return nil, fmt.Errorf("%w: preimage required to claim", ErrInvalidState)
		}
		if len(cfg.Destination) == 0 {
			return nil, fmt.Errorf("claim destination required")
		}
		params, err := chain.Lookup(terms.Claim.Symbol, cfg.Network)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedChain, err)
		}
		if !params.CanBuildClaims() {
			return nil, fmt.Errorf("%w: cannot build claims on %s", ErrUnsupportedChain, params.Symbol)
		}
		script, err := terms.Claim.OutputScript(cfg.ClaimKey.PubKey())
		if err != nil {
			return nil, err
		}
		s.claimScript = script
		s.claimDest = helpers.CopyBytes(cfg.Destination)
	}
	if terms.Lockup != nil && cfg.RefundKey == nil {
		return nil, fmt.Errorf("%w: refund key required", ErrInvalidPubKey)
	}

	return s, nil
}

// =============================================================================
// Accessors
// =============================================================================

// ID returns the provider's swap id.
func (s *Session) ID() string { return s.terms.ID }

// Kind returns the swap kind.
func (s *Session) Kind() Kind { return s.terms.Kind }

// Terms returns the swap terms.
func (s *Session) Terms() *Terms { return s.terms }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// ProviderStatus returns the last status token seen on the feed.
func (s *Session) ProviderStatus() boltz.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ClaimTxID returns the broadcast claim transaction id, if any.
func (s *Session) ClaimTxID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.claimTxID
}

// Err returns why the session expired or failed.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// PaymentHash returns the hash the lightning leg commits to.
func (s *Session) PaymentHash() lntypes.Hash { return s.secrets.paymentHash }

// Done is closed once the session reached a terminal state and released
// its resources.
func (s *Session) Done() <-chan struct{} { return s.done }

// =============================================================================
// Event loop
// =============================================================================

// start records the created swap and runs the loop over feed.
func (s *Session) start(ctx context.Context, feed boltz.Subscription) {
	s.feed = feed
	s.saveJournal()
	s.record(EventCreated, map[string]string{
		"lockup_address": s.terms.LockupAddress(),
		"amount":         fmt.Sprintf("%d", s.terms.Amount()),
	})
	s.log.Info("swap session started",
		"lockup_address", s.terms.LockupAddress(),
		"amount", helpers.FormatSats(s.terms.Amount()),
		"timeout_height", s.terms.TimeoutHeight(),
	)
	go s.run(ctx)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.release()

	deadline := time.NewTimer(s.opts.Deadline)
	defer deadline.Stop()

	var tipC <-chan time.Time
	if s.deps.tip != nil && s.terms.TimeoutHeight() > 0 {
		ticker := time.NewTicker(s.opts.TipInterval)
		defer ticker.Stop()
		tipC = ticker.C
	}

	updates := s.feed.Updates()
	for !s.State().IsTerminal() {
		select {
		case <-ctx.Done():
			s.finish(StateFailed, fmt.Errorf("session stopped: %w", ctx.Err()))
		case <-deadline.C:
			s.expire(fmt.Errorf("%w: deadline of %s passed", ErrProtocolTimeout, s.opts.Deadline))
		case <-tipC:
			s.checkTip(ctx)
		case res := <-s.payments:
			s.onPayment(res)
		case up, ok := <-updates:
			if !ok {
				s.finish(StateFailed, boltz.ErrFeedClosed)
				continue
			}
			s.handle(ctx, up)
		}
	}
}

// handle dispatches one feed update.
func (s *Session) handle(ctx context.Context, up boltz.Update) {
	s.mu.Lock()
	s.status = up.Status
	s.mu.Unlock()

	log := s.log.With("status", up.Status)
	data := map[string]string{}
	if up.Transaction != nil && up.Transaction.ID != "" {
		data["txid"] = up.Transaction.ID
	}
	if up.ZeroConfRejected {
		log.Warn("provider rejected zero-conf lockup")
		data["zero_conf_rejected"] = "true"
	}
	if up.FailureReason != "" {
		log.Warn("provider reported failure", "reason", up.FailureReason)
		data["failure_reason"] = up.FailureReason
	}
	s.record(EventStatus, data)

	h, ok := dispatch[s.terms.Kind][up.Status]
	if !ok {
		log.Debug("ignoring status")
		return
	}
	if err := h(s, ctx, up); err != nil {
		s.onError(ctx, err)
	}
}

// onError classifies a handler error: network errors wait for the next
// update, cooperative failures are retried once, everything else is fatal.
func (s *Session) onError(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}

	var coop *cooperativeError
	switch {
	case errors.Is(err, ErrNetwork):
		s.log.Warn("provider unreachable, retrying on next update", "error", err)
	case errors.As(err, &coop):
		s.coopFailures++
		s.record(EventCoopFailed, map[string]string{
			"error":    err.Error(),
			"failures": fmt.Sprintf("%d", s.coopFailures),
		})
		if s.coopFailures >= maxCoopFailures {
			s.finish(StateFailed, fmt.Errorf("cooperative signing failed twice: %w", err))
			return
		}
		s.log.Warn("cooperative claim aborted, will retry on next update", "error", err)
	default:
		s.finish(StateFailed, err)
	}
}

func (s *Session) checkTip(ctx context.Context) {
	height, err := s.deps.tip.GetBlockHeight(ctx)
	if err != nil {
		s.log.Debug("tip height unavailable", "error", err)
		return
	}
	timeout := s.terms.TimeoutHeight()
	if height >= int64(timeout) {
		s.expire(fmt.Errorf("%w: tip %d reached timeout height %d", ErrProtocolTimeout, height, timeout))
	}
}

func (s *Session) onPayment(res paymentResult) {
	if res.err != nil {
		if errors.Is(res.err, context.Canceled) {
			return
		}
		s.log.Warn("invoice payment failed", "error", res.err)
		s.record(EventPayment, map[string]string{"error": res.err.Error()})
		return
	}
	if !VerifyPreimage(res.preimage[:], s.secrets.paymentHash) {
		s.log.Warn("wallet settled with an unexpected preimage")
	}
	s.log.Info("invoice paid")
	s.record(EventPayment, map[string]string{"result": "paid"})
}

// startPayment pays the provider's hold invoice in the background. The
// invoice only settles once our claim reveals the preimage.
func (s *Session) startPayment(ctx context.Context) {
	if s.deps.wallet == nil || s.paymentStarted {
		return
	}
	s.paymentStarted = true

	payCtx, cancel := context.WithCancel(ctx)
	s.paymentCancel = cancel
	invoice := s.terms.Invoice

	go func() {
		preimage, err := s.deps.wallet.PayInvoice(payCtx, invoice)
		select {
		case s.payments <- paymentResult{preimage: preimage, err: err}:
		case <-payCtx.Done():
		}
	}()
	s.log.Info("paying invoice")
}

// =============================================================================
// State changes
// =============================================================================

// advance walks forward to target one state at a time. Already at or past
// target is a no-op.
func (s *Session) advance(target State) error {
	for _, next := range pathTo(s.State(), target) {
		if err := s.transition(next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) transition(to State) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.updatedAt = time.Now()
	cause := s.err
	s.mu.Unlock()

	if cause != nil && to.IsTerminal() && to != StateSettled {
		s.log.Warn("swap state changed", "from", from, "to", to, "reason", cause)
	} else {
		s.log.Info("swap state changed", "from", from, "to", to)
	}

	s.saveJournal()
	data := map[string]string{"from": string(from)}
	if cause != nil {
		data["reason"] = cause.Error()
	}
	s.record(EventStateChanged, data)
	return nil
}

// finish moves to a terminal state. The loop exits afterwards and release
// runs.
func (s *Session) finish(state State, cause error) {
	if s.State().IsTerminal() {
		return
	}
	s.mu.Lock()
	s.err = cause
	s.mu.Unlock()

	if err := s.transition(state); err != nil {
		s.log.Error("terminal transition rejected", "state", state, "error", err)
	}
}

// expire ends a session that ran out of time. Once our side of the claim is
// done the swap cannot be refunded anymore, so it counts as settled.
func (s *Session) expire(cause error) {
	if s.claimDone {
		s.log.Info("claim done without settlement update", "cause", cause)
		s.finish(StateSettled, nil)
		return
	}
	s.finish(StateExpired, cause)
}

// release closes the feed, stops the payment and wipes key material.
func (s *Session) release() {
	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			s.log.Debug("close feed", "error", err)
		}
	}
	if s.paymentCancel != nil {
		s.paymentCancel()
	}

	if s.secrets.claimKey != nil {
		s.secrets.claimKey.Zero()
		s.secrets.claimKey = nil
	}
	if s.secrets.refundKey != nil {
		s.secrets.refundKey.Zero()
		s.secrets.refundKey = nil
	}
	helpers.Wipe(s.secrets.preimage[:])
}

// =============================================================================
// Journal and events
// =============================================================================

func (s *Session) record(typ EventType, data map[string]string) {
	ev := SwapEvent{
		SwapID:    s.terms.ID,
		Kind:      s.terms.Kind,
		Type:      typ,
		State:     s.State(),
		Status:    s.ProviderStatus(),
		Data:      data,
		Timestamp: time.Now(),
	}

	if s.deps.journal != nil {
		if err := s.deps.journal.AppendEvent(ev.journalRecord()); err != nil {
			s.log.Warn("failed to journal event", "event", typ, "error", err)
		}
	}
	if s.deps.emit != nil {
		s.deps.emit(ev)
	}
}

func (s *Session) saveJournal() {
	if s.deps.journal == nil {
		return
	}

	s.mu.RLock()
	rec := &storage.SwapRecord{
		ID:             s.terms.ID,
		Kind:           string(s.terms.Kind),
		State:          string(s.state),
		ProviderStatus: string(s.status),
		FromChain:      s.terms.From,
		ToChain:        s.terms.To,
		Amount:         s.terms.Amount(),
		LockupAddress:  s.terms.LockupAddress(),
		TimeoutHeight:  s.terms.TimeoutHeight(),
		ClaimTxID:      s.claimTxID,
		CreatedAt:      s.createdAt,
		UpdatedAt:      s.updatedAt,
	}
	if s.err != nil {
		rec.FailureReason = s.err.Error()
	}
	if s.state.IsTerminal() {
		rec.CompletedAt = s.updatedAt
	}
	s.mu.RUnlock()

	if err := s.deps.journal.SaveSwap(rec); err != nil {
		s.log.Warn("failed to journal swap", "error", err)
	}
}
