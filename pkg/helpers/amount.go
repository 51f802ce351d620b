package helpers

import (
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
)

// FormatSats renders an amount as "<sats> sats (<btc> BTC)".
func FormatSats(sats int64) string {
	return fmt.Sprintf("%d sats (%s)", sats, btcutil.Amount(sats).String())
}
