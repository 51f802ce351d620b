package swap

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/chain"
)

// Leg is one lockup output of a swap: one side funds it, the other claims it.
type Leg struct {
	Symbol string
	Tree   *SwapTree

	// ServerKey is the provider's key in this leg's MuSig2 pair.
	ServerKey *btcec.PublicKey

	LockupAddress      string
	TimeoutBlockHeight uint32
	Amount             int64
	Bip21              string
}

// Terms are the swap terms fixed at creation. Immutable.
type Terms struct {
	ID   string
	Kind Kind
	From string
	To   string

	// Invoice is the lightning leg: ours for submarine, the provider's hold
	// invoice for reverse.
	Invoice        string
	AcceptZeroConf bool

	// Claim is the output the user claims (reverse, chain).
	Claim *Leg
	// Lockup is the output the user funds (submarine, chain).
	Lockup *Leg
}

// TimeoutHeight returns the earliest bitcoin timeout of the swap, or 0 when
// no leg is on bitcoin.
func (t *Terms) TimeoutHeight() uint32 {
	var height uint32
	for _, leg := range []*Leg{t.Claim, t.Lockup} {
		if leg == nil || leg.Symbol != "BTC" || leg.TimeoutBlockHeight == 0 {
			continue
		}
		if height == 0 || leg.TimeoutBlockHeight < height {
			height = leg.TimeoutBlockHeight
		}
	}
	return height
}

// Amount is the headline amount: the lockup for submarine and chain, the
// on-chain amount received for reverse.
func (t *Terms) Amount() int64 {
	if t.Kind == KindReverse && t.Claim != nil {
		return t.Claim.Amount
	}
	if t.Lockup != nil {
		return t.Lockup.Amount
	}
	return 0
}

// LockupAddress is the address funds are locked at for this swap.
func (t *Terms) LockupAddress() string {
	if t.Kind == KindReverse && t.Claim != nil {
		return t.Claim.LockupAddress
	}
	if t.Lockup != nil {
		return t.Lockup.LockupAddress
	}
	return ""
}

func newLeg(symbol string, tree *boltz.SwapTree, serverKey, address string, timeout uint32, amount int64, bip21 string) (*Leg, error) {
	parsed, err := ParseSwapTree(tree)
	if err != nil {
		return nil, err
	}
	key, err := parsePubKey("server public key", serverKey)
	if err != nil {
		return nil, err
	}
	if address == "" {
		return nil, parseErrorf("missing lockup address")
	}
	return &Leg{
		Symbol:             symbol,
		Tree:               parsed,
		ServerKey:          key,
		LockupAddress:      address,
		TimeoutBlockHeight: timeout,
		Amount:             amount,
		Bip21:              bip21,
	}, nil
}

// OutputScript returns the lockup script for local's side of the leg.
func (l *Leg) OutputScript(local *btcec.PublicKey) ([]byte, error) {
	internal, err := AggregateKey(l.ServerKey, local)
	if err != nil {
		return nil, err
	}
	return l.Tree.OutputScript(internal)
}

// VerifyAddress checks that the provider's lockup address commits to the
// swap tree and our key. Chains btcd cannot encode are skipped.
func (l *Leg) VerifyAddress(local *btcec.PublicKey, network chain.Network) error {
	params, err := chain.Lookup(l.Symbol, network)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedChain, err)
	}
	if params.ChainParams == nil {
		return nil
	}

	internal, err := AggregateKey(l.ServerKey, local)
	if err != nil {
		return err
	}
	expected, err := l.Tree.Address(internal, params.ChainParams)
	if err != nil {
		return err
	}
	if expected.EncodeAddress() != l.LockupAddress {
		return verifyErrorf("lockup address %s does not match swap tree (want %s)", l.LockupAddress, expected.EncodeAddress())
	}
	return nil
}

func submarineTerms(resp *boltz.SubmarineResponse, from, to, invoice string) (*Terms, error) {
	if resp.ID == "" {
		return nil, parseErrorf("missing swap id")
	}
	lockup, err := newLeg(from, resp.SwapTree, resp.ClaimPublicKey, resp.Address,
		resp.TimeoutBlockHeight, resp.ExpectedAmount, resp.Bip21)
	if err != nil {
		return nil, err
	}
	return &Terms{
		ID:             resp.ID,
		Kind:           KindSubmarine,
		From:           from,
		To:             to,
		Invoice:        invoice,
		AcceptZeroConf: resp.AcceptZeroConf,
		Lockup:         lockup,
	}, nil
}

func reverseTerms(resp *boltz.ReverseResponse, from, to string) (*Terms, error) {
	if resp.ID == "" {
		return nil, parseErrorf("missing swap id")
	}
	if resp.Invoice == "" {
		return nil, parseErrorf("missing invoice")
	}
	claim, err := newLeg(to, resp.SwapTree, resp.RefundPublicKey, resp.LockupAddress,
		resp.TimeoutBlockHeight, resp.OnchainAmount, "")
	if err != nil {
		return nil, err
	}
	return &Terms{
		ID:      resp.ID,
		Kind:    KindReverse,
		From:    from,
		To:      to,
		Invoice: resp.Invoice,
		Claim:   claim,
	}, nil
}

func chainTerms(resp *boltz.ChainResponse, from, to string) (*Terms, error) {
	if resp.ID == "" {
		return nil, parseErrorf("missing swap id")
	}
	cd := resp.ClaimDetails
	claim, err := newLeg(to, cd.SwapTree, cd.ServerPublicKey, cd.LockupAddress,
		cd.TimeoutBlockHeight, cd.Amount, cd.Bip21)
	if err != nil {
		return nil, fmt.Errorf("claim details: %w", err)
	}
	ld := resp.LockupDetails
	lockup, err := newLeg(from, ld.SwapTree, ld.ServerPublicKey, ld.LockupAddress,
		ld.TimeoutBlockHeight, ld.Amount, ld.Bip21)
	if err != nil {
		return nil, fmt.Errorf("lockup details: %w", err)
	}
	return &Terms{
		ID:     resp.ID,
		Kind:   KindChain,
		From:   from,
		To:     to,
		Claim:  claim,
		Lockup: lockup,
	}, nil
}
