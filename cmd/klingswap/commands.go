package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Klingon-tech/klingswap/internal/boltz"
	"github.com/Klingon-tech/klingswap/internal/storage"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/helpers"
)

// =============================================================================
// Swap commands
// =============================================================================

func newReverseCommand(flags *globalFlags) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "reverse <amount-sats> <address>",
		Short: "Pay a lightning invoice and receive on-chain funds",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			return runSwap(flags, func(ctx context.Context, a *app) (*swap.Session, error) {
				s, err := a.manager.StartReverse(ctx, swap.ReverseRequest{
					To:          to,
					Amount:      amount,
					Destination: args[1],
				})
				if err != nil {
					return nil, err
				}
				a.log.Info("Pay this invoice to start the swap", "swap_id", s.ID())
				fmt.Println(s.Terms().Invoice)
				return s, nil
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "BTC", "Chain to receive on")
	return cmd
}

func newSubmarineCommand(flags *globalFlags) *cobra.Command {
	var from string

	cmd := &cobra.Command{
		Use:   "submarine <invoice>",
		Short: "Lock on-chain funds to get a lightning invoice paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSwap(flags, func(ctx context.Context, a *app) (*swap.Session, error) {
				s, err := a.manager.StartSubmarine(ctx, swap.SubmarineRequest{
					From:    from,
					Invoice: args[0],
				})
				if err != nil {
					return nil, err
				}
				printLockup(a, s)
				return s, nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "BTC", "Chain to lock funds on")
	return cmd
}

func newChainCommand(flags *globalFlags) *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "chain <amount-sats> <address>",
		Short: "Move funds from one chain to another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := parseAmount(args[0])
			if err != nil {
				return err
			}
			return runSwap(flags, func(ctx context.Context, a *app) (*swap.Session, error) {
				s, err := a.manager.StartChain(ctx, swap.ChainRequest{
					From:        from,
					To:          to,
					Amount:      amount,
					Destination: args[1],
				})
				if err != nil {
					return nil, err
				}
				printLockup(a, s)
				return s, nil
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "L-BTC", "Chain to lock funds on")
	cmd.Flags().StringVar(&to, "to", "BTC", "Chain to receive on")
	return cmd
}

// runSwap starts one swap and follows it to the end.
func runSwap(flags *globalFlags, start func(ctx context.Context, a *app) (*swap.Session, error)) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer a.close()

	printBanner(a.network, a.cfg.Boltz.APIURL)

	ctx, stop := signalContext()
	defer stop()

	if err := a.startManager(ctx); err != nil {
		return err
	}

	s, err := start(ctx, a)
	if err != nil {
		return err
	}
	return a.waitSwap(ctx, s)
}

func printLockup(a *app, s *swap.Session) {
	lockup := s.Terms().Lockup
	if lockup == nil {
		return
	}
	a.log.Info("Send funds to the lockup address",
		"swap_id", s.ID(),
		"chain", lockup.Symbol,
		"amount", helpers.FormatSats(lockup.Amount),
		"zero_conf", s.Terms().AcceptZeroConf,
	)
	fmt.Println(lockup.LockupAddress)
	if lockup.Bip21 != "" {
		fmt.Println(lockup.Bip21)
	}
}

func parseAmount(s string) (int64, error) {
	amount, err := strconv.ParseInt(s, 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid amount %q", s)
	}
	return amount, nil
}

// =============================================================================
// Query commands
// =============================================================================

func newStatusCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <swap-id>",
		Short: "Show the provider status of a swap and its journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Boltz.RequestTimeout)
			defer cancel()

			st, err := a.client.SwapStatus(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Status:  %s\n", st.Status)
			if st.FailureReason != "" {
				fmt.Printf("Reason:  %s\n", st.FailureReason)
			}
			if st.ZeroConfRejected {
				fmt.Println("Zero-conf rejected")
			}
			if st.Transaction != nil && st.Transaction.ID != "" {
				fmt.Printf("Tx:      %s\n", st.Transaction.ID)
			}

			if !a.cfg.Storage.Journal {
				return nil
			}
			if err := a.openStore(); err != nil {
				return err
			}
			events, err := a.store.ListEvents(args[0])
			if err != nil {
				return err
			}
			if len(events) == 0 {
				return nil
			}
			fmt.Println()
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSTATE\tSTATUS")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ev.CreatedAt.Format(time.DateTime), ev.EventType, ev.State, ev.Status)
			}
			return w.Flush()
		},
	}
}

func newHistoryCommand(flags *globalFlags) *cobra.Command {
	var (
		limit int
		all   bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List swaps from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			if !a.cfg.Storage.Journal {
				return fmt.Errorf("journal disabled in config")
			}
			if err := a.openStore(); err != nil {
				return err
			}
			swaps, err := a.store.ListSwaps(limit, all)
			if err != nil {
				return err
			}
			printSwaps(swaps)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of swaps")
	cmd.Flags().BoolVar(&all, "all", false, "Include finished swaps")
	return cmd
}

func printSwaps(swaps []*storage.SwapRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tPAIR\tAMOUNT\tSTATE\tCREATED")
	for _, s := range swaps {
		fmt.Fprintf(w, "%s\t%s\t%s/%s\t%s\t%s\t%s\n",
			s.ID, s.Kind, s.FromChain, s.ToChain,
			helpers.FormatSats(s.Amount), s.State,
			s.CreatedAt.Format(time.DateTime))
	}
	w.Flush()
}

func newPairsCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "pairs",
		Short: "Show the provider's swap quotes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.Boltz.RequestTimeout)
			defer cancel()

			sub, err := a.client.SubmarinePairs(ctx)
			if err != nil {
				return err
			}
			rev, err := a.client.ReversePairs(ctx)
			if err != nil {
				return err
			}
			chainPairs, err := a.client.ChainPairs(ctx)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Submarine boltz.SubmarinePairs `json:"submarine"`
					Reverse   boltz.ReversePairs   `json:"reverse"`
					Chain     boltz.ChainPairs     `json:"chain"`
				}{sub, rev, chainPairs})
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tPAIR\tMIN\tMAX\tFEE %")
			for from, tos := range sub {
				for to, p := range tos {
					fmt.Fprintf(w, "submarine\t%s/%s\t%s\t%s\t%.2f\n", from, to,
						helpers.FormatSats(p.Limits.Minimal), helpers.FormatSats(p.Limits.Maximal), p.Fees.Percentage)
				}
			}
			for from, tos := range rev {
				for to, p := range tos {
					fmt.Fprintf(w, "reverse\t%s/%s\t%s\t%s\t%.2f\n", from, to,
						helpers.FormatSats(p.Limits.Minimal), helpers.FormatSats(p.Limits.Maximal), p.Fees.Percentage)
				}
			}
			for from, tos := range chainPairs {
				for to, p := range tos {
					fmt.Fprintf(w, "chain\t%s/%s\t%s\t%s\t%.2f\n", from, to,
						helpers.FormatSats(p.Limits.Minimal), helpers.FormatSats(p.Limits.Maximal), p.Fees.Percentage)
				}
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}
