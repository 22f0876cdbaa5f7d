package chain

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const paymentsABIJSON = `[
  {"inputs":[{"internalType":"string","name":"packageTier","type":"string"}],"name":"getTokenPackagePrice","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
  {"inputs":[{"internalType":"string[]","name":"packageTiers","type":"string[]"},{"internalType":"uint256[]","name":"tokenAmounts","type":"uint256[]"}],"name":"batchUpdatePrices","outputs":[],"stateMutability":"nonpayable","type":"function"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"buyer","type":"address"},{"indexed":false,"internalType":"string","name":"packageTier","type":"string"},{"indexed":false,"internalType":"uint256","name":"tokenAmount","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"credits","type":"uint256"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"CreditsPurchased","type":"event"},
  {"anonymous":false,"inputs":[{"indexed":true,"internalType":"address","name":"updater","type":"address"},{"indexed":false,"internalType":"uint256","name":"timestamp","type":"uint256"}],"name":"PricesUpdated","type":"event"}
]`

var paymentsABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(paymentsABIJSON))
	if err != nil {
		panic("failed to parse payments contract ABI: " + err.Error())
	}
	paymentsABI = parsed
}

// Backend abstracts the Ethereum RPC operations this package uses.
// *ethclient.Client satisfies it.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

// Dialer lazily establishes the RPC connection on first use.
type Dialer struct {
	rpcURL string

	mu     sync.Mutex
	client *ethclient.Client
}

// NewDialer constructs a Dialer for the given RPC endpoint.
func NewDialer(rpcURL string) *Dialer {
	return &Dialer{rpcURL: rpcURL}
}

// Client returns the shared ethclient, dialing on first call.
func (d *Dialer) Client(ctx context.Context) (*ethclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.client != nil {
		return d.client, nil
	}

	client, err := ethclient.DialContext(ctx, d.rpcURL)
	if err != nil {
		return nil, err
	}
	d.client = client
	return client, nil
}

// Close releases the underlying connection if one was established.
func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.Close()
		d.client = nil
	}
}
