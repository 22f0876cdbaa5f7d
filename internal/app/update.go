package app

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"pricekeeper/internal/chain"
	"pricekeeper/internal/daemon"
	"pricekeeper/internal/policy"
	"pricekeeper/internal/pricestore"
	"pricekeeper/internal/service"
	"pricekeeper/internal/storage"
)

// ForceUpdate runs one operator-forced price update cycle and exits.
// It refuses to run next to a live daemon: two processes committing
// concurrently would race the at-most-one-commit rule.
func (a *App) ForceUpdate(ctx context.Context) error {
	if err := a.Config.ValidateAutomation(); err != nil {
		return err
	}
	if err := a.refuseIfDaemonRunning(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	dialer := chain.NewDialer(a.Config.Chain.RPCURL)
	defer dialer.Close()

	backend, err := dialer.Client(ctx)
	if err != nil {
		return err
	}

	committer, err := chain.NewCommitter(backend, chain.CommitterOptions{
		PrivateKeyHex:       a.Config.Signer.PrivateKey,
		ContractAddress:     a.Config.Chain.PaymentsAddress,
		ChainID:             a.Config.Chain.ChainID,
		TokenDecimals:       a.Config.Chain.TokenDecimals,
		ConfirmationTimeout: a.Config.Chain.ConfirmationTimeout,
	}, a.Logger)
	if err != nil {
		return err
	}

	history := pricestore.New(a.Config.Daemon.HistoryFile, a.Logger)
	engine := policy.NewEngine(policy.Options{
		ChangeThreshold:   decimal.NewFromFloat(a.Config.Policy.ChangeThreshold),
		MinUpdateInterval: a.Config.Policy.MinUpdateInterval,
		MaxDailyUpdates:   a.Config.Policy.MaxDailyUpdates,
	}, history, a.Logger)

	var decisions storage.DecisionStore
	var commits storage.CommitStore
	if store != nil {
		decisions = store
		commits = store
	}

	svc := service.New(a.newFeed(), engine, history, committer, a.tierTargets(), service.Options{
		Decisions: decisions,
		Commits:   commits,
		Notifier:  a.newNotifier(),
		Channels:  a.Config.Alerting.Channels,
	}, a.Logger)

	result := svc.RunCycle(ctx, storage.TriggerManual, true)
	if result.Err != nil {
		return result.Err
	}

	if result.Outcome != nil {
		fmt.Fprintf(os.Stdout, "price update confirmed: tx %s (block %d)\n",
			result.Outcome.Hash.Hex(), result.Outcome.BlockNumber)
	} else {
		fmt.Fprintf(os.Stdout, "%s\n", result.Status())
	}
	return nil
}

func (a *App) refuseIfDaemonRunning() error {
	pid, err := daemon.ReadPIDFile(a.Config.Daemon.PIDFile)
	if err != nil {
		// No readable PID file means no daemon to collide with.
		return nil
	}
	if daemon.ProcessAlive(pid) {
		return fmt.Errorf("%w (pid %d)", errDaemonRunning, pid)
	}
	return nil
}
