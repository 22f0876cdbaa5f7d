package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/oracle"
)

// TxStatus classifies the final state of a commit attempt.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxConfirmed TxStatus = "confirmed"
	TxFailed    TxStatus = "failed"
)

// TxOutcome is the result of a price-update transaction.
type TxOutcome struct {
	Hash        common.Hash
	Status      TxStatus
	BlockNumber uint64
	GasUsed     uint64
}

// TierTarget declares one tier's USD pricing goal.
type TierTarget struct {
	Name             string
	USDTarget        decimal.Decimal
	SafetyMultiplier decimal.Decimal
}

// CommitError wraps any failure along the commit path. TxHash is set
// once a transaction was actually submitted.
type CommitError struct {
	Stage  string
	TxHash *common.Hash
	Err    error
}

func (e *CommitError) Error() string {
	if e.TxHash != nil {
		return fmt.Sprintf("commit %s: %v (tx %s)", e.Stage, e.Err, e.TxHash.Hex())
	}
	return fmt.Sprintf("commit %s: %v", e.Stage, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

// CommitterOptions parameterise the commit executor.
type CommitterOptions struct {
	PrivateKeyHex       string
	ContractAddress     string
	ChainID             int64
	TokenDecimals       int32
	ConfirmationTimeout time.Duration
}

// Committer computes per-tier token amounts and submits the batched
// price-update transaction, blocking until it is mined.
type Committer struct {
	backend  Backend
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	decimals int32
	confirm  time.Duration
	logger   zerolog.Logger
}

// NewCommitter constructs a commit executor. The private key is parsed
// eagerly so a bad credential surfaces at startup, not mid-cycle.
func NewCommitter(backend Backend, opts CommitterOptions, logger zerolog.Logger) (*Committer, error) {
	key, err := crypto.HexToECDSA(stripHexPrefix(opts.PrivateKeyHex))
	if err != nil {
		return nil, fmt.Errorf("parse signer private key: %w", err)
	}

	confirm := opts.ConfirmationTimeout
	if confirm <= 0 {
		confirm = 3 * time.Minute
	}

	return &Committer{
		backend:  backend,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(opts.ContractAddress),
		chainID:  big.NewInt(opts.ChainID),
		decimals: opts.TokenDecimals,
		confirm:  confirm,
		logger:   logger.With().Str("component", "price_committer").Logger(),
	}, nil
}

// From reports the signing address.
func (c *Committer) From() common.Address { return c.from }

// TierAmounts computes the smallest-unit token amount for every tier at
// the quoted USD price: ceil(usdTarget / usdPrice * safetyMultiplier),
// scaled by the token's decimals. The ceiling and the multiplier both
// bias toward requiring slightly more token per dollar.
func TierAmounts(usdPrice decimal.Decimal, targets []TierTarget, decimals int32) ([]string, []*big.Int, error) {
	if !usdPrice.IsPositive() {
		return nil, nil, errors.New("usd price must be positive")
	}
	if len(targets) == 0 {
		return nil, nil, errors.New("no tier targets configured")
	}

	scale := decimal.New(1, decimals)
	names := make([]string, 0, len(targets))
	amounts := make([]*big.Int, 0, len(targets))

	for _, t := range targets {
		if !t.USDTarget.IsPositive() {
			return nil, nil, fmt.Errorf("tier %q: usd target must be positive", t.Name)
		}
		mult := t.SafetyMultiplier
		if mult.IsZero() {
			mult = decimal.NewFromInt(1)
		}
		// Division last so rounding happens once, then ceil.
		amount := t.USDTarget.Mul(mult).Mul(scale).Div(usdPrice).Ceil()
		names = append(names, t.Name)
		amounts = append(amounts, amount.BigInt())
	}

	return names, amounts, nil
}

// Commit submits one batched batchUpdatePrices transaction covering
// every tier and waits for it to be mined. Only a receipt with a
// success status yields a confirmed outcome; every other path returns
// a *CommitError and the caller must leave history and counters
// untouched.
func (c *Committer) Commit(ctx context.Context, quote oracle.PriceQuote, targets []TierTarget) (TxOutcome, error) {
	names, amounts, err := TierAmounts(quote.USDPrice, targets, c.decimals)
	if err != nil {
		return TxOutcome{}, &CommitError{Stage: "build", Err: err}
	}

	calldata, err := paymentsABI.Pack("batchUpdatePrices", names, amounts)
	if err != nil {
		return TxOutcome{}, &CommitError{Stage: "build", Err: err}
	}

	tx, err := c.signedTx(ctx, calldata)
	if err != nil {
		return TxOutcome{}, &CommitError{Stage: "build", Err: err}
	}

	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return TxOutcome{}, &CommitError{Stage: "submit", Err: err}
	}

	hash := tx.Hash()
	c.logger.Info().
		Str("tx", hash.Hex()).
		Str("usd_price", quote.USDPrice.String()).
		Int("tiers", len(names)).
		Msg("price update submitted, waiting for confirmation")

	waitCtx, cancel := context.WithTimeout(ctx, c.confirm)
	defer cancel()

	receipt, err := bind.WaitMined(waitCtx, c.backend, tx)
	if err != nil {
		return TxOutcome{Hash: hash, Status: TxPending},
			&CommitError{Stage: "confirm", TxHash: &hash, Err: err}
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		outcome := TxOutcome{
			Hash:        hash,
			Status:      TxFailed,
			BlockNumber: receipt.BlockNumber.Uint64(),
			GasUsed:     receipt.GasUsed,
		}
		return outcome, &CommitError{Stage: "confirm", TxHash: &hash, Err: errors.New("transaction reverted")}
	}

	return TxOutcome{
		Hash:        hash,
		Status:      TxConfirmed,
		BlockNumber: receipt.BlockNumber.Uint64(),
		GasUsed:     receipt.GasUsed,
	}, nil
}

func (c *Committer) signedTx(ctx context.Context, calldata []byte) (*types.Transaction, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}

	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}

	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch head: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &c.contract,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      calldata,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &c.contract,
		Data:      calldata,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// ReadTierPrice reads the current on-chain token amount for one tier.
func ReadTierPrice(ctx context.Context, backend Backend, contract common.Address, tier string) (*big.Int, error) {
	calldata, err := paymentsABI.Pack("getTokenPackagePrice", tier)
	if err != nil {
		return nil, err
	}

	res, err := backend.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: calldata}, nil)
	if err != nil {
		return nil, err
	}

	outputs, err := paymentsABI.Unpack("getTokenPackagePrice", res)
	if err != nil {
		return nil, err
	}
	if len(outputs) != 1 {
		return nil, errors.New("unexpected getTokenPackagePrice response")
	}

	amount, ok := outputs[0].(*big.Int)
	if !ok {
		return nil, errors.New("failed to decode getTokenPackagePrice output")
	}
	return amount, nil
}

func stripHexPrefix(s string) string {
	if len(s) >= 2 && (s[:2] == "0x" || s[:2] == "0X") {
		return s[2:]
	}
	return s
}
