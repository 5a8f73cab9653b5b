package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"trustyclaw/internal/ledger"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
)

// erc20ABI covers the subset of ERC-20 used by the adapter.
const erc20ABI = `[
{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
{"constant":false,"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transferFrom","outputs":[{"name":"","type":"bool"}],"type":"function"}
]`

// Backend is the subset of ethclient.Client used by the adapter.
type Backend interface {
	CallContract(ctx context.Context, msg gethcore.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error)
	EstimateGas(ctx context.Context, msg gethcore.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *coretypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Config describes how to construct an ERC-20 stablecoin adapter.
type Config struct {
	Name          string
	RPCURL        string
	ChainID       int64
	TokenAddress  string
	TokenDecimals int32
	// OperatorKey is the hex encoded private key that signs transfers.
	OperatorKey  string
	WaitReceipt  bool
	PollInterval time.Duration
}

// Adapter implements ledger.Adapter against an ERC-20 token contract.
type Adapter struct {
	name         string
	rpcClient    *gethrpc.Client
	backend      Backend
	token        common.Address
	abi          abi.ABI
	decimals     int32
	key          *ecdsa.PrivateKey
	operator     common.Address
	chainID      *big.Int
	waitReceipt  bool
	pollInterval time.Duration
	mu           sync.Mutex
}

var _ ledger.Adapter = (*Adapter)(nil)

// Dial connects to the configured RPC endpoint and returns a ready adapter.
func Dial(ctx context.Context, cfg Config) (*Adapter, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, errors.New("未配置以太坊 RPC 地址")
	}
	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接以太坊节点失败: %w", err)
	}
	adapter, err := New(ctx, ethclient.NewClient(rpcClient), cfg)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	adapter.rpcClient = rpcClient
	return adapter, nil
}

// New builds an adapter on top of an existing backend.
func New(ctx context.Context, backend Backend, cfg Config) (*Adapter, error) {
	if backend == nil {
		return nil, errors.New("缺少链访问后端")
	}
	if !common.IsHexAddress(cfg.TokenAddress) {
		return nil, fmt.Errorf("无效的代币合约地址: %q", cfg.TokenAddress)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ABI 失败: %w", err)
	}

	decimals := cfg.TokenDecimals
	if decimals <= 0 {
		decimals = 6
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	a := &Adapter{
		name:         cfg.Name,
		backend:      backend,
		token:        common.HexToAddress(cfg.TokenAddress),
		abi:          parsed,
		decimals:     decimals,
		waitReceipt:  cfg.WaitReceipt,
		pollInterval: poll,
	}

	if key := strings.TrimPrefix(strings.TrimSpace(cfg.OperatorKey), "0x"); key != "" {
		pk, err := crypto.HexToECDSA(key)
		if err != nil {
			return nil, fmt.Errorf("解析操作员私钥失败: %w", err)
		}
		a.key = pk
		a.operator = crypto.PubkeyToAddress(pk.PublicKey)
	}

	if cfg.ChainID > 0 {
		a.chainID = big.NewInt(cfg.ChainID)
	} else if a.key != nil {
		id, err := backend.ChainID(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
		a.chainID = id
	}
	return a, nil
}

// Name returns the configured chain name.
func (a *Adapter) Name() string {
	return a.name
}

// Operator returns the address that signs transfers.
func (a *Adapter) Operator() common.Address {
	return a.operator
}

// Close releases network connections held by the adapter.
func (a *Adapter) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rpcClient != nil {
		a.rpcClient.Close()
		a.rpcClient = nil
	}
}

// Balance implements ledger.Adapter via balanceOf.
func (a *Adapter) Balance(ctx context.Context, wallet string) (ledger.Amount, error) {
	if !common.IsHexAddress(wallet) {
		return 0, fmt.Errorf("无效的钱包地址: %q", wallet)
	}
	data, err := a.abi.Pack("balanceOf", common.HexToAddress(wallet))
	if err != nil {
		return 0, fmt.Errorf("编码 balanceOf 失败: %w", err)
	}
	out, err := a.backend.CallContract(ctx, gethcore.CallMsg{To: &a.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("查询余额失败: %w", err)
	}
	values, err := a.abi.Unpack("balanceOf", out)
	if err != nil {
		return 0, fmt.Errorf("解码 balanceOf 失败: %w", err)
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("balanceOf 返回了 %d 个值", len(values))
	}
	raw, ok := values[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("balanceOf 返回了意外类型 %T", values[0])
	}
	return fromBaseUnits(raw, a.decimals)
}

// Transfer implements ledger.Adapter. When from is the operator the adapter
// calls transfer; otherwise it calls transferFrom, which needs an allowance
// granted to the operator.
func (a *Adapter) Transfer(ctx context.Context, from, to string, amount ledger.Amount) (ledger.Receipt, error) {
	if a.key == nil {
		return ledger.Receipt{}, errors.New("未配置操作员私钥，无法发送交易")
	}
	if amount <= 0 {
		return ledger.Receipt{}, fmt.Errorf("转账金额必须为正数: %d", amount)
	}
	if !common.IsHexAddress(from) || !common.IsHexAddress(to) {
		return ledger.Receipt{}, fmt.Errorf("无效的钱包地址: %q -> %q", from, to)
	}

	value := toBaseUnits(amount, a.decimals)
	src := common.HexToAddress(from)
	dst := common.HexToAddress(to)

	var (
		data []byte
		err  error
	)
	if src == a.operator {
		data, err = a.abi.Pack("transfer", dst, value)
	} else {
		data, err = a.abi.Pack("transferFrom", src, dst, value)
	}
	if err != nil {
		return ledger.Receipt{}, fmt.Errorf("编码转账调用失败: %w", err)
	}

	// nonce 分配与广播需要串行，避免并发交易复用同一 nonce。
	a.mu.Lock()
	signed, err := a.buildAndSend(ctx, data)
	a.mu.Unlock()
	if err != nil {
		return ledger.Receipt{}, err
	}

	receipt := ledger.Receipt{
		Signature:   signed.Hash().Hex(),
		Status:      ledger.StatusConfirmed,
		Source:      from,
		Destination: to,
		Amount:      amount,
		SubmittedAt: time.Now().UTC(),
	}
	if a.waitReceipt {
		ok, err := a.awaitReceipt(ctx, signed.Hash())
		if err != nil {
			return ledger.Receipt{}, err
		}
		if !ok {
			receipt.Status = ledger.StatusFailed
		}
	}
	return receipt, nil
}

func (a *Adapter) buildAndSend(ctx context.Context, data []byte) (*coretypes.Transaction, error) {
	nonce, err := a.backend.PendingNonceAt(ctx, a.operator)
	if err != nil {
		return nil, fmt.Errorf("查询交易计数失败: %w", err)
	}
	gas, err := a.backend.EstimateGas(ctx, gethcore.CallMsg{From: a.operator, To: &a.token, Data: data})
	if err != nil {
		return nil, fmt.Errorf("估算 gas 失败: %w", err)
	}
	head, err := a.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("获取最新区块失败: %w", err)
	}

	var tx *coretypes.Transaction
	if head != nil && head.BaseFee != nil {
		tip, err := a.backend.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取小费建议失败: %w", err)
		}
		feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
		tx = coretypes.NewTx(&coretypes.DynamicFeeTx{
			ChainID:   a.chainID,
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &a.token,
			Value:     big.NewInt(0),
			Data:      data,
		})
	} else {
		price, err := a.backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("获取 gas 价格失败: %w", err)
		}
		tx = coretypes.NewTx(&coretypes.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &a.token,
			Value:    big.NewInt(0),
			Data:     data,
		})
	}

	signed, err := coretypes.SignTx(tx, coretypes.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("签名交易失败: %w", err)
	}
	if err := a.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("发送交易失败: %w", err)
	}
	return signed, nil
}

func (a *Adapter) awaitReceipt(ctx context.Context, hash common.Hash) (bool, error) {
	ticker := time.NewTicker(a.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := a.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt.Status == coretypes.ReceiptStatusSuccessful, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return false, fmt.Errorf("查询交易回执失败: %w", err)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
		}
	}
}

// toBaseUnits rescales micro-units to the token's base units.
func toBaseUnits(amount ledger.Amount, decimals int32) *big.Int {
	return ledger.ToUSD(amount).Shift(decimals).BigInt()
}

// fromBaseUnits rescales token base units to micro-units, truncating.
func fromBaseUnits(value *big.Int, decimals int32) (ledger.Amount, error) {
	return ledger.FromUSD(decimal.NewFromBigInt(value, -decimals))
}
