package swap

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/zpay32"

	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// VerifyPreimage reports whether sha256(preimage) equals committed.
// The comparison is constant time. Anything that is not 32 bytes is rejected.
func VerifyPreimage(preimage []byte, committed lntypes.Hash) bool {
	if len(preimage) != lntypes.PreimageSize {
		return false
	}
	hash := sha256.Sum256(preimage)
	return helpers.ConstantTimeCompare(hash[:], committed[:])
}

// NewPreimage returns a fresh random preimage.
func NewPreimage() (lntypes.Preimage, error) {
	raw, err := helpers.GenerateSecureRandom(lntypes.PreimageSize)
	if err != nil {
		return lntypes.Preimage{}, fmt.Errorf("generate preimage: %w", err)
	}
	defer helpers.Wipe(raw)

	preimage, err := lntypes.MakePreimage(raw)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	if helpers.IsZeroBytes(preimage[:]) || !VerifyPreimage(preimage[:], preimage.Hash()) {
		return lntypes.Preimage{}, verifyErrorf("generated preimage failed self-check")
	}
	return preimage, nil
}

// InvoicePaymentHash extracts the payment hash a BOLT11 invoice commits to.
func InvoicePaymentHash(invoice string, net *chaincfg.Params) (lntypes.Hash, error) {
	decoded, err := zpay32.Decode(invoice, net)
	if err != nil {
		return lntypes.Hash{}, parseErrorf("decode invoice: %v", err)
	}
	if decoded.PaymentHash == nil {
		return lntypes.Hash{}, parseErrorf("invoice has no payment hash")
	}
	return lntypes.Hash(*decoded.PaymentHash), nil
}

// InvoiceAmount returns the amount an invoice requests, in sats. Zero when
// the invoice carries no amount.
func InvoiceAmount(invoice string, net *chaincfg.Params) (int64, error) {
	decoded, err := zpay32.Decode(invoice, net)
	if err != nil {
		return 0, parseErrorf("decode invoice: %v", err)
	}
	if decoded.MilliSat == nil {
		return 0, nil
	}
	return int64(decoded.MilliSat.ToSatoshis()), nil
}
