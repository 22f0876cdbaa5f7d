package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/chain"
	"pricekeeper/internal/policy"
	"pricekeeper/internal/pricestore"
)

// Check runs one dry evaluation: fetch the quote, run the policy
// engine against the stored baseline, and print what a real cycle
// would do, including the per-tier token amounts. Nothing is committed
// and no counters move.
func (a *App) Check(ctx context.Context, onChain bool) error {
	if a.Config.Oracle.PrimaryURL == "" {
		return fmt.Errorf("oracle.primary_url is required")
	}

	quote, err := a.newFeed().FetchCurrentPrice(ctx)
	if err != nil {
		return err
	}

	history := pricestore.New(a.Config.Daemon.HistoryFile, a.Logger)
	engine := policy.NewEngine(policy.Options{
		ChangeThreshold:   decimal.NewFromFloat(a.Config.Policy.ChangeThreshold),
		MinUpdateInterval: a.Config.Policy.MinUpdateInterval,
		MaxDailyUpdates:   a.Config.Policy.MaxDailyUpdates,
	}, history, a.Logger)

	decision := engine.Evaluate(quote)

	fmt.Fprintf(os.Stdout, "quote: $%s (%s, %s)\n",
		quote.USDPrice.String(), quote.Source, quote.ObservedAt.Format(time.RFC3339))
	if baseline, _ := history.Read(); baseline != nil {
		fmt.Fprintf(os.Stdout, "baseline: $%s committed %s by %s\n",
			baseline.USDPrice.String(),
			baseline.CommittedAt.Format(time.RFC3339),
			baseline.CommittedBy)
	} else {
		fmt.Fprintln(os.Stdout, "baseline: none (first run)")
	}

	verdict := "skip"
	if decision.ShouldUpdate {
		verdict = "update"
	}
	fmt.Fprintf(os.Stdout, "decision: %s (%s)\n\n", verdict, decision.Reason)

	targets := a.tierTargets()
	names, amounts, err := chain.TierAmounts(quote.USDPrice, targets, a.Config.Chain.TokenDecimals)
	if err != nil {
		return err
	}

	var onChainAmounts map[string]string
	if onChain {
		onChainAmounts, err = a.readOnChainPrices(ctx, names)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("could not read on-chain prices")
		}
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if onChainAmounts != nil {
		fmt.Fprintln(writer, "Tier\tUSD Target\tComputed Amount\tOn-Chain Amount")
	} else {
		fmt.Fprintln(writer, "Tier\tUSD Target\tComputed Amount")
	}
	for i, name := range names {
		if onChainAmounts != nil {
			fmt.Fprintf(writer, "%s\t$%s\t%s\t%s\n",
				name, targets[i].USDTarget.StringFixed(2), amounts[i], onChainAmounts[name])
		} else {
			fmt.Fprintf(writer, "%s\t$%s\t%s\n",
				name, targets[i].USDTarget.StringFixed(2), amounts[i])
		}
	}
	writer.Flush()
	return nil
}

func (a *App) readOnChainPrices(ctx context.Context, tiers []string) (map[string]string, error) {
	if a.Config.Chain.RPCURL == "" || a.Config.Chain.PaymentsAddress == "" {
		return nil, fmt.Errorf("chain.rpc_url and chain.payments_address required for on-chain read")
	}

	dialer := chain.NewDialer(a.Config.Chain.RPCURL)
	defer dialer.Close()

	backend, err := dialer.Client(ctx)
	if err != nil {
		return nil, err
	}

	contract := common.HexToAddress(a.Config.Chain.PaymentsAddress)
	out := make(map[string]string, len(tiers))
	for _, tier := range tiers {
		readCtx, cancel := context.WithTimeout(ctx, a.Config.Chain.RequestTimeout)
		amount, err := chain.ReadTierPrice(readCtx, backend, contract, tier)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("read tier %q: %w", tier, err)
		}
		out[tier] = amount.String()
	}
	return out, nil
}
