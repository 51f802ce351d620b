package swap

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lntypes"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/storage"
)

// =============================================================================
// Keys, trees and transactions
// =============================================================================

func mustKey(t *testing.T) *btcec.PrivateKey {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return key
}

func mustPreimage(t *testing.T) lntypes.Preimage {
	t.Helper()
	preimage, err := NewPreimage()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return preimage
}

// testTree builds a provider-style tree: a hashlock claim leaf and a
// timelocked refund leaf.
func testTree(t *testing.T, claimKey, refundKey *btcec.PublicKey, preimage lntypes.Preimage, timeout uint32) *boltz.SwapTree {
	t.Helper()

	claim, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_SIZE).AddInt64(32).AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_HASH160).AddData(btcutil.Hash160(preimage[:])).AddOp(txscript.OP_EQUALVERIFY).
		AddData(schnorr.SerializePubKey(claimKey)).AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	refund, err := txscript.NewScriptBuilder().
		AddData(schnorr.SerializePubKey(refundKey)).AddOp(txscript.OP_CHECKSIGVERIFY).
		AddInt64(int64(timeout)).AddOp(txscript.OP_CHECKLOCKTIMEVERIFY).
		Script()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &boltz.SwapTree{
		ClaimLeaf:  boltz.TreeLeaf{Version: uint8(txscript.BaseLeafVersion), Output: hex.EncodeToString(claim)},
		RefundLeaf: boltz.TreeLeaf{Version: uint8(txscript.BaseLeafVersion), Output: hex.EncodeToString(refund)},
	}
}

// testLeg builds a regtest leg shared by server and user.
func testLeg(t *testing.T, symbol string, server *btcec.PrivateKey, user *btcec.PublicKey, preimage lntypes.Preimage, amount int64) *Leg {
	t.Helper()

	raw := testTree(t, user, server.PubKey(), preimage, 500)
	tree, err := ParseSwapTree(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	internal, err := AggregateKey(server.PubKey(), user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	addr, err := tree.Address(internal, &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return &Leg{
		Symbol:             symbol,
		Tree:               tree,
		ServerKey:          server.PubKey(),
		LockupAddress:      addr.EncodeAddress(),
		TimeoutBlockHeight: 500,
		Amount:             amount,
	}
}

// fundLeg returns a transaction paying value to the leg's output for user.
func fundLeg(t *testing.T, leg *Leg, user *btcec.PublicKey, value int64) (*wire.MsgTx, *SwapOutput) {
	t.Helper()

	script, err := leg.OutputScript(user)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	tx := wire.NewMsgTx(2)
	tx.AddTxIn(wire.NewTxIn(&wire.OutPoint{Hash: chainhash.Hash{0x01}, Index: 3}, nil, nil))
	tx.AddTxOut(wire.NewTxOut(25_000, testDest(t)))
	tx.AddTxOut(wire.NewTxOut(value, script))

	out, ok, err := DetectSwapOutput(tx, script)
	if err != nil || !ok {
		t.Fatalf("funding output not found: ok=%v err=%v", ok, err)
	}
	return tx, out
}

func txHex(t *testing.T, tx *wire.MsgTx) string {
	t.Helper()
	raw, err := SerializeTx(tx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return raw
}

// testDest is a regtest P2WPKH script.
func testDest(t *testing.T) []byte {
	t.Helper()
	script, err := txscript.NewScriptBuilder().AddOp(txscript.OP_0).AddData(make([]byte, 20)).Script()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return script
}

func testDestAddress(t *testing.T) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(make([]byte, 20), &chaincfg.RegressionNetParams)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return addr.EncodeAddress()
}

func randomHash(t *testing.T) [32]byte {
	t.Helper()
	var msg [32]byte
	if _, err := rand.Read(msg[:]); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return msg
}

// =============================================================================
// Provider side of MuSig2
// =============================================================================

// serverSigner is the provider's half of a two-party session. Keys are
// ordered [server, user], as the provider does.
type serverSigner struct {
	session *musig2.Session
	nonce   [musig2.PubNonceSize]byte
	tweaked *btcec.PublicKey
	msg     [32]byte
}

func newServerSigner(key *btcec.PrivateKey, user *btcec.PublicKey, tree *SwapTree) (*serverSigner, error) {
	keys := []*btcec.PublicKey{key.PubKey(), user}
	ctx, err := musig2.NewContext(key, false,
		musig2.WithKnownSigners(keys),
		musig2.WithTaprootTweakCtx(tree.MerkleRoot()),
	)
	if err != nil {
		return nil, err
	}
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(key.PubKey()))
	if err != nil {
		return nil, err
	}
	session, err := ctx.NewSession(musig2.WithPreGeneratedNonce(nonces))
	if err != nil {
		return nil, err
	}
	internal, err := AggregateKey(key.PubKey(), user)
	if err != nil {
		return nil, err
	}
	return &serverSigner{
		session: session,
		nonce:   nonces.PubNonce,
		tweaked: tree.TweakKey(internal),
	}, nil
}

func (s *serverSigner) sign(userNonce string, msg [32]byte) ([]byte, error) {
	raw, err := hex.DecodeString(userNonce)
	if err != nil || len(raw) != musig2.PubNonceSize {
		return nil, fmt.Errorf("bad user nonce")
	}
	var nonce [musig2.PubNonceSize]byte
	copy(nonce[:], raw)
	if _, err := s.session.RegisterPubNonce(nonce); err != nil {
		return nil, err
	}
	partial, err := s.session.Sign(msg)
	if err != nil {
		return nil, err
	}
	s.msg = msg
	return encodePartial(partial), nil
}

// combine checks that the user's partial completes a valid signature.
func (s *serverSigner) combine(userPartial string) error {
	raw, err := hex.DecodeString(userPartial)
	if err != nil {
		return err
	}
	partial, err := decodePartial(raw)
	if err != nil {
		return err
	}
	done, err := s.session.CombineSig(partial)
	if err != nil {
		return err
	}
	if !done {
		return fmt.Errorf("signature incomplete")
	}
	if !s.session.FinalSig().Verify(s.msg[:], s.tweaked) {
		return fmt.Errorf("user partial signature invalid")
	}
	return nil
}

// =============================================================================
// Fake provider
// =============================================================================

// fakeProvider cosigns like the real provider. The claim fields describe the
// output the user claims, the lockup fields the output the user funded.
type fakeProvider struct {
	mu sync.Mutex

	claimKey  *btcec.PrivateKey
	claimLeg  *Leg
	claimUser *btcec.PublicKey
	claimOut  *SwapOutput

	lockupKey  *btcec.PrivateKey
	lockupLeg  *Leg
	lockupUser *btcec.PublicKey

	// preimage is revealed in submarine claim details.
	preimage lntypes.Preimage

	// badPartials corrupts that many claim signatures.
	badPartials   int
	broadcastErrs []error
	statusHex     string

	pending        *serverSigner
	broadcasts     []string
	broadcastCalls int
	claimPosts     int
	cosigned       int

	createSubmarine func(*boltz.SubmarineRequest) (*boltz.SubmarineResponse, error)
	createReverse   func(*boltz.ReverseRequest) (*boltz.ReverseResponse, error)
	createChain     func(*boltz.ChainRequest) (*boltz.ChainResponse, error)
	submarinePairs  boltz.SubmarinePairs
	reversePairs    boltz.ReversePairs
	chainPairs      boltz.ChainPairs
}

var errNotImplemented = errors.New("not implemented")

func (p *fakeProvider) CreateSubmarineSwap(_ context.Context, req *boltz.SubmarineRequest) (*boltz.SubmarineResponse, error) {
	if p.createSubmarine == nil {
		return nil, errNotImplemented
	}
	return p.createSubmarine(req)
}

func (p *fakeProvider) CreateReverseSwap(_ context.Context, req *boltz.ReverseRequest) (*boltz.ReverseResponse, error) {
	if p.createReverse == nil {
		return nil, errNotImplemented
	}
	return p.createReverse(req)
}

func (p *fakeProvider) CreateChainSwap(_ context.Context, req *boltz.ChainRequest) (*boltz.ChainResponse, error) {
	if p.createChain == nil {
		return nil, errNotImplemented
	}
	return p.createChain(req)
}

func (p *fakeProvider) GetSubmarineClaim(_ context.Context, _ string) (*boltz.SubmarineClaimDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signer, err := newServerSigner(p.lockupKey, p.lockupUser, p.lockupLeg.Tree)
	if err != nil {
		return nil, err
	}
	p.pending = signer
	var msg [32]byte
	if _, err := rand.Read(msg[:]); err != nil {
		return nil, err
	}
	signer.msg = msg
	return &boltz.SubmarineClaimDetails{
		Preimage:        hex.EncodeToString(p.preimage[:]),
		PubNonce:        hex.EncodeToString(signer.nonce[:]),
		TransactionHash: hex.EncodeToString(msg[:]),
	}, nil
}

func (p *fakeProvider) PostSubmarineClaim(_ context.Context, _ string, sig *boltz.PartialSignature) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.claimPosts++
	return p.checkPendingLocked(sig)
}

// checkPendingLocked verifies the user's signature over the provider's own
// claim.
func (p *fakeProvider) checkPendingLocked(sig *boltz.PartialSignature) error {
	if p.pending == nil || sig == nil {
		return fmt.Errorf("no pending claim")
	}
	signer := p.pending
	p.pending = nil
	if _, err := signer.sign(sig.PubNonce, signer.msg); err != nil {
		return err
	}
	if err := signer.combine(sig.PartialSignature); err != nil {
		return err
	}
	p.cosigned++
	return nil
}

func (p *fakeProvider) PostReverseClaim(_ context.Context, _ string, req *boltz.ReverseClaimRequest) (*boltz.PartialSignature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	preimage, err := hex.DecodeString(req.Preimage)
	if err != nil || !VerifyPreimage(preimage, p.preimage.Hash()) {
		return nil, &boltz.APIError{Status: 400, Message: "invalid preimage"}
	}
	return p.signClaimLocked(req.Transaction, req.PubNonce)
}

func (p *fakeProvider) GetChainClaim(_ context.Context, _ string) (*boltz.ChainClaimDetails, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	signer, err := newServerSigner(p.lockupKey, p.lockupUser, p.lockupLeg.Tree)
	if err != nil {
		return nil, err
	}
	var msg [32]byte
	if _, err := rand.Read(msg[:]); err != nil {
		return nil, err
	}
	signer.msg = msg
	p.pending = signer
	return &boltz.ChainClaimDetails{
		PubNonce:        hex.EncodeToString(signer.nonce[:]),
		PublicKey:       hex.EncodeToString(p.lockupKey.PubKey().SerializeCompressed()),
		TransactionHash: hex.EncodeToString(msg[:]),
	}, nil
}

func (p *fakeProvider) PostChainClaim(_ context.Context, _ string, req *boltz.ChainClaimRequest) (*boltz.PartialSignature, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.claimPosts++
	if err := p.checkPendingLocked(req.Signature); err != nil {
		return nil, &boltz.APIError{Status: 400, Message: err.Error()}
	}
	if req.ToSign == nil {
		return nil, &boltz.APIError{Status: 400, Message: "nothing to sign"}
	}
	return p.signClaimLocked(req.ToSign.Transaction, req.ToSign.PubNonce)
}

// signClaimLocked returns the provider's partial over the user's claim.
func (p *fakeProvider) signClaimLocked(rawTx, userNonce string) (*boltz.PartialSignature, error) {
	tx, err := DeserializeTx(rawTx)
	if err != nil {
		return nil, err
	}
	sigHash, err := ClaimSigHash(tx, p.claimOut)
	if err != nil {
		return nil, err
	}
	signer, err := newServerSigner(p.claimKey, p.claimUser, p.claimLeg.Tree)
	if err != nil {
		return nil, err
	}
	partial, err := signer.sign(userNonce, sigHash)
	if err != nil {
		return nil, err
	}
	if p.badPartials > 0 {
		p.badPartials--
		partial = make([]byte, PartialSigSize)
		partial[PartialSigSize-1] = 0x07
	}
	return &boltz.PartialSignature{
		PubNonce:         hex.EncodeToString(signer.nonce[:]),
		PartialSignature: hex.EncodeToString(partial),
	}, nil
}

func (p *fakeProvider) BroadcastTransaction(_ context.Context, _ string, rawTx string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.broadcastCalls++
	if len(p.broadcastErrs) > 0 {
		err := p.broadcastErrs[0]
		p.broadcastErrs = p.broadcastErrs[1:]
		if err != nil {
			return "", err
		}
	}
	tx, err := DeserializeTx(rawTx)
	if err != nil {
		return "", err
	}
	p.broadcasts = append(p.broadcasts, rawTx)
	return tx.TxHash().String(), nil
}

func (p *fakeProvider) SwapStatus(_ context.Context, _ string) (*boltz.SwapStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.statusHex == "" {
		return &boltz.SwapStatus{}, nil
	}
	return &boltz.SwapStatus{Transaction: &boltz.TransactionInfo{Hex: p.statusHex}}, nil
}

func (p *fakeProvider) SubmarinePairs(_ context.Context) (boltz.SubmarinePairs, error) {
	return p.submarinePairs, nil
}

func (p *fakeProvider) ReversePairs(_ context.Context) (boltz.ReversePairs, error) {
	return p.reversePairs, nil
}

func (p *fakeProvider) ChainPairs(_ context.Context) (boltz.ChainPairs, error) {
	return p.chainPairs, nil
}

func (p *fakeProvider) lastBroadcast(t *testing.T) *wire.MsgTx {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.broadcasts) == 0 {
		t.Fatal("nothing was broadcast")
	}
	tx, err := DeserializeTx(p.broadcasts[len(p.broadcasts)-1])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return tx
}

func (p *fakeProvider) counts() (broadcasts, calls, posts, cosigned int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.broadcasts), p.broadcastCalls, p.claimPosts, p.cosigned
}

// =============================================================================
// Feeds, wallet, journal
// =============================================================================

type fakeFeed struct {
	updates chan boltz.Update

	mu     sync.Mutex
	closed bool
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{updates: make(chan boltz.Update, 16)}
}

func (f *fakeFeed) Updates() <-chan boltz.Update { return f.updates }

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeFeed) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeFeed) push(id string, status boltz.Status, rawTx string) {
	up := boltz.Update{ID: id, Status: status}
	if rawTx != "" {
		up.Transaction = &boltz.TransactionInfo{Hex: rawTx}
	}
	f.updates <- up
}

type fakeDialer struct {
	mu    sync.Mutex
	feeds map[string]*fakeFeed
	err   error
}

func (d *fakeDialer) Subscribe(_ context.Context, id string) (boltz.Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	if d.feeds == nil {
		d.feeds = make(map[string]*fakeFeed)
	}
	feed := newFakeFeed()
	d.feeds[id] = feed
	return feed, nil
}

func (d *fakeDialer) feed(t *testing.T, id string) *fakeFeed {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	feed, ok := d.feeds[id]
	if !ok {
		t.Fatalf("no feed for %s", id)
	}
	return feed
}

type fakeWallet struct {
	preimage lntypes.Preimage
	invoices chan string
}

func newFakeWallet(preimage lntypes.Preimage) *fakeWallet {
	return &fakeWallet{preimage: preimage, invoices: make(chan string, 4)}
}

func (w *fakeWallet) MakeInvoice(_ context.Context, sats int64) (string, error) {
	return "", errNotImplemented
}

func (w *fakeWallet) PayInvoice(ctx context.Context, invoice string) (lntypes.Preimage, error) {
	w.invoices <- invoice
	return w.preimage, nil
}

// blockingWallet holds every payment in flight until its context ends.
type blockingWallet struct {
	started   chan struct{}
	cancelled chan struct{}
}

func newBlockingWallet() *blockingWallet {
	return &blockingWallet{started: make(chan struct{}), cancelled: make(chan struct{})}
}

func (w *blockingWallet) MakeInvoice(_ context.Context, _ int64) (string, error) {
	return "", errNotImplemented
}

func (w *blockingWallet) PayInvoice(ctx context.Context, _ string) (lntypes.Preimage, error) {
	close(w.started)
	<-ctx.Done()
	close(w.cancelled)
	return lntypes.Preimage{}, ctx.Err()
}

type fakeBroadcaster struct {
	mu    sync.Mutex
	calls int
}

func (b *fakeBroadcaster) BroadcastTransaction(_ context.Context, rawTx string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	tx, err := DeserializeTx(rawTx)
	if err != nil {
		return "", err
	}
	return tx.TxHash().String(), nil
}

type fixedTip struct{ height int64 }

func (f fixedTip) GetBlockHeight(context.Context) (int64, error) { return f.height, nil }

type memJournal struct {
	mu     sync.Mutex
	swaps  map[string]storage.SwapRecord
	events []storage.EventRecord
}

func newMemJournal() *memJournal {
	return &memJournal{swaps: make(map[string]storage.SwapRecord)}
}

func (j *memJournal) SaveSwap(rec *storage.SwapRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.swaps[rec.ID] = *rec
	return nil
}

func (j *memJournal) AppendEvent(ev *storage.EventRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, *ev)
	return nil
}

func (j *memJournal) swap(id string) (storage.SwapRecord, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.swaps[id]
	return rec, ok
}

// eventLog collects emitted events.
type eventLog struct {
	mu     sync.Mutex
	events []SwapEvent
}

func (l *eventLog) add(ev SwapEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) count(typ EventType) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// states returns the sequence of states entered.
func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []State
	for _, ev := range l.events {
		if ev.Type == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("session still %s after timeout", s.State())
	}
}

// fastOptions keeps retries and deadlines short.
func fastOptions() Options {
	return Options{
		Deadline:         time.Minute,
		BroadcastBackoff: time.Millisecond,
	}
}
