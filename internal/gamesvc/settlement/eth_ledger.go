package settlement

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// the subset of the game contract the backend calls
const gameABI = `[
  {"type":"function","name":"snapshotRound","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"roundId","type":"uint256"},
    {"name":"snapshotHash","type":"bytes32"},
    {"name":"playersMerkleRoot","type":"bytes32"},
    {"name":"totalBets","type":"uint256"},
    {"name":"totalPayouts","type":"uint256"},
    {"name":"numPlayers","type":"uint32"}]},
  {"type":"function","name":"placeBetFor","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"player","type":"address"},
    {"name":"amount","type":"uint256"}]},
  {"type":"function","name":"cashOutFor","stateMutability":"nonpayable","outputs":[],"inputs":[
    {"name":"player","type":"address"},
    {"name":"multiplier","type":"uint256"}]}
]`

// EthLedger submits to the game contract through a JSON-RPC node.
type EthLedger struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	auth     *bind.TransactOpts

	// one transaction at a time keeps nonces in order
	mu sync.Mutex
}

func DialEthLedger(ctx context.Context, rpcURL, contractAddr, privateKeyHex string) (*EthLedger, error) {
	if !common.IsHexAddress(contractAddr) {
		return nil, errors.Errorf("invalid contract address %q", contractAddr)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, errors.Wrap(err, "parse ledger private key")
	}

	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rpcURL)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "read chain id")
	}
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "build transactor")
	}

	parsed, err := abi.JSON(strings.NewReader(gameABI))
	if err != nil {
		client.Close()
		return nil, errors.Wrap(err, "parse contract abi")
	}
	address := common.HexToAddress(contractAddr)
	contract := bind.NewBoundContract(address, parsed, client, client, client)

	log.WithFields(log.Fields{"chain": chainID, "contract": address.Hex(), "from": auth.From.Hex()}).Info("ledger connected")
	return &EthLedger{client: client, contract: contract, auth: auth}, nil
}

func (l *EthLedger) Close() {
	l.client.Close()
}

func (l *EthLedger) SubmitSnapshot(ctx context.Context, s Snapshot) (string, error) {
	return l.transact(ctx, "snapshotRound",
		big.NewInt(s.RoundID),
		s.Hash,
		s.PlayersRoot,
		s.TotalBets,
		s.TotalPayouts,
		s.NumPlayers,
	)
}

func (l *EthLedger) PlaceBetFor(ctx context.Context, player string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(player) {
		return "", errors.Errorf("player %q is not an account address", player)
	}
	return l.transact(ctx, "placeBetFor", common.HexToAddress(player), Scale(amount, TokenDecimals))
}

func (l *EthLedger) CashOutFor(ctx context.Context, player string, multiplier decimal.Decimal) (string, error) {
	if !common.IsHexAddress(player) {
		return "", errors.Errorf("player %q is not an account address", player)
	}
	return l.transact(ctx, "cashOutFor", common.HexToAddress(player), Scale(multiplier, MultiplierDecimals))
}

// transact sends method and waits until it is mined successfully.
func (l *EthLedger) transact(ctx context.Context, method string, args ...interface{}) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	opts := *l.auth
	opts.Context = ctx
	tx, err := l.contract.Transact(&opts, method, args...)
	if err != nil {
		return "", errors.Wrapf(err, "send %s", method)
	}

	receipt, err := bind.WaitMined(ctx, l.client, tx)
	if err != nil {
		return tx.Hash().Hex(), errors.Wrapf(err, "wait for %s tx %s", method, tx.Hash().Hex())
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), errors.Errorf("%s tx %s reverted", method, tx.Hash().Hex())
	}
	return tx.Hash().Hex(), nil
}
