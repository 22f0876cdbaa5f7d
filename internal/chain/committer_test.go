package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"pricekeeper/internal/oracle"
)

// Well-known throwaway key, never funded anywhere.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

type fakeBackend struct {
	head          uint64
	headErr       error
	logs          []types.Log
	filterErr     error
	filterCalls   int
	lastQuery     ethereum.FilterQuery
	sent          []*types.Transaction
	sendErr       error
	receiptStatus uint64
}

func (b *fakeBackend) BlockNumber(ctx context.Context) (uint64, error) {
	return b.head, b.headErr
}

func (b *fakeBackend) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBackend) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x01}, nil
}

func (b *fakeBackend) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	b.filterCalls++
	b.lastQuery = q
	if b.filterErr != nil {
		return nil, b.filterErr
	}
	return b.logs, nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{
		Number:  new(big.Int).SetUint64(b.head),
		BaseFee: big.NewInt(1_000_000_000),
	}, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 7, nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(2_000_000_000), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return 120_000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return &types.Receipt{
		Status:      b.receiptStatus,
		BlockNumber: big.NewInt(123),
		GasUsed:     98_765,
		TxHash:      txHash,
	}, nil
}

func defaultTargets() []TierTarget {
	mult := decimal.RequireFromString("1.05")
	return []TierTarget{
		{Name: "starter", USDTarget: decimal.RequireFromString("0.35"), SafetyMultiplier: mult},
		{Name: "pro", USDTarget: decimal.RequireFromString("3.49"), SafetyMultiplier: mult},
		{Name: "don", USDTarget: decimal.RequireFromString("6.99"), SafetyMultiplier: mult},
	}
}

func TestTierAmounts(t *testing.T) {
	price := decimal.RequireFromString("0.00125")

	names, amounts, err := TierAmounts(price, defaultTargets(), 18)
	if err != nil {
		t.Fatalf("tier amounts: %v", err)
	}
	if len(names) != 3 || len(amounts) != 3 {
		t.Fatalf("expected 3 tiers, got %d/%d", len(names), len(amounts))
	}

	want := map[string]string{
		// 0.35 * 1.05 / 0.00125 = 294 tokens exactly
		"starter": "294000000000000000000",
		// 3.49 * 1.05 / 0.00125 = 2931.6 tokens
		"pro": "2931600000000000000000",
		// 6.99 * 1.05 / 0.00125 = 5871.6 tokens
		"don": "5871600000000000000000",
	}
	for i, name := range names {
		if got := amounts[i].String(); got != want[name] {
			t.Errorf("tier %s: got %s, want %s", name, got, want[name])
		}
	}
}

func TestTierAmountsRoundsUp(t *testing.T) {
	price := decimal.NewFromInt(3)
	targets := []TierTarget{{Name: "odd", USDTarget: decimal.NewFromInt(1)}}

	_, amounts, err := TierAmounts(price, targets, 0)
	if err != nil {
		t.Fatalf("tier amounts: %v", err)
	}
	// 1/3 of a token must round up to a whole smallest unit.
	if amounts[0].String() != "1" {
		t.Fatalf("expected ceil to 1, got %s", amounts[0])
	}
}

func TestTierAmountsRejectsBadInput(t *testing.T) {
	if _, _, err := TierAmounts(decimal.Zero, defaultTargets(), 18); err == nil {
		t.Fatal("zero price must be rejected")
	}
	if _, _, err := TierAmounts(decimal.NewFromInt(1), nil, 18); err == nil {
		t.Fatal("empty targets must be rejected")
	}
	bad := []TierTarget{{Name: "free", USDTarget: decimal.Zero}}
	if _, _, err := TierAmounts(decimal.NewFromInt(1), bad, 18); err == nil {
		t.Fatal("non-positive usd target must be rejected")
	}
}

func testQuote(price string) oracle.PriceQuote {
	return oracle.PriceQuote{Source: oracle.SourcePrimary, USDPrice: decimal.RequireFromString(price)}
}

func newTestCommitter(t *testing.T, backend Backend) *Committer {
	t.Helper()
	committer, err := NewCommitter(backend, CommitterOptions{
		PrivateKeyHex:   "0x" + testKeyHex,
		ContractAddress: "0x1111111111111111111111111111111111111111",
		ChainID:         8453,
		TokenDecimals:   18,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new committer: %v", err)
	}
	return committer
}

func TestCommitConfirmed(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusSuccessful}
	committer := newTestCommitter(t, backend)

	outcome, err := committer.Commit(context.Background(), testQuote("0.00125"), defaultTargets())
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if outcome.Status != TxConfirmed {
		t.Fatalf("expected confirmed, got %s", outcome.Status)
	}
	if outcome.BlockNumber != 123 || outcome.GasUsed != 98_765 {
		t.Fatalf("receipt fields not carried over: %+v", outcome)
	}

	if len(backend.sent) != 1 {
		t.Fatalf("expected one submitted transaction, got %d", len(backend.sent))
	}
	tx := backend.sent[0]
	if tx.Type() != types.DynamicFeeTxType {
		t.Fatalf("expected dynamic fee transaction, got type %d", tx.Type())
	}
	if tx.Nonce() != 7 {
		t.Fatalf("unexpected nonce %d", tx.Nonce())
	}
	if tx.To() == nil || *tx.To() != committer.contract {
		t.Fatalf("transaction not addressed to the contract: %v", tx.To())
	}

	method := paymentsABI.Methods["batchUpdatePrices"]
	data := tx.Data()
	if len(data) < 4 || string(data[:4]) != string(method.ID) {
		t.Fatal("calldata does not target batchUpdatePrices")
	}
	inputs, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack calldata: %v", err)
	}
	tiers, ok := inputs[0].([]string)
	if !ok || len(tiers) != 3 {
		t.Fatalf("expected 3 tier names in calldata, got %v", inputs[0])
	}
	amounts, ok := inputs[1].([]*big.Int)
	if !ok || len(amounts) != 3 {
		t.Fatalf("expected 3 amounts in calldata, got %v", inputs[1])
	}
}

func TestCommitReverted(t *testing.T) {
	backend := &fakeBackend{receiptStatus: types.ReceiptStatusFailed}
	committer := newTestCommitter(t, backend)

	outcome, err := committer.Commit(context.Background(), testQuote("0.00125"), defaultTargets())
	if err == nil {
		t.Fatal("expected an error for a reverted transaction")
	}
	var commitErr *CommitError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected *CommitError, got %T", err)
	}
	if commitErr.Stage != "confirm" || commitErr.TxHash == nil {
		t.Fatalf("unexpected commit error: %+v", commitErr)
	}
	if outcome.Status != TxFailed {
		t.Fatalf("expected failed outcome, got %s", outcome.Status)
	}
}

func TestCommitSubmitError(t *testing.T) {
	backend := &fakeBackend{sendErr: errors.New("nonce too low")}
	committer := newTestCommitter(t, backend)

	_, err := committer.Commit(context.Background(), testQuote("0.00125"), defaultTargets())
	var commitErr *CommitError
	if !errors.As(err, &commitErr) {
		t.Fatalf("expected *CommitError, got %T", err)
	}
	if commitErr.Stage != "submit" {
		t.Fatalf("expected submit stage, got %s", commitErr.Stage)
	}
	if commitErr.TxHash != nil {
		t.Fatal("tx hash must be unset when submission fails")
	}
}

func TestNewCommitterRejectsBadKey(t *testing.T) {
	_, err := NewCommitter(&fakeBackend{}, CommitterOptions{
		PrivateKeyHex:   "not-a-key",
		ContractAddress: "0x1111111111111111111111111111111111111111",
		ChainID:         8453,
	}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected an error for a malformed private key")
	}
}
