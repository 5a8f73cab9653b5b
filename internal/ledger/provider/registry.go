package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"trustyclaw/internal/config"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/ledger/evm"
)

// Registry manages a set of ledger adapters keyed by chain name.
type Registry struct {
	defaultChain string
	adapters     map[string]ledger.Adapter
}

// NewRegistry loads chain definitions and instantiates concrete adapters.
func NewRegistry(ctx context.Context, cfg config.LedgerConfig) (*Registry, error) {
	defs, err := ledger.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	adapters := make(map[string]ledger.Adapter)
	for name, chain := range defs.Chains {
		adapter, err := build(ctx, name, chain, cfg)
		if err != nil {
			closeAll(adapters)
			return nil, err
		}
		adapters[name] = adapter
	}

	defaultChain := cfg.DefaultChain
	if len(adapters) == 0 {
		if strings.EqualFold(cfg.Driver, "evm") {
			return nil, errors.New("evm 账本未配置任何链")
		}
		adapters["mock"] = newMock(cfg.DefaultBalance, cfg.Strict)
		if defaultChain == "" {
			defaultChain = "mock"
		}
	}

	if defaultChain == "" {
		names := make([]string, 0, len(adapters))
		for name := range adapters {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := adapters[defaultChain]; !ok {
		closeAll(adapters)
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, adapters: adapters}, nil
}

func build(ctx context.Context, name string, chain ledger.ChainDefinition, cfg config.LedgerConfig) (ledger.Adapter, error) {
	chainType := strings.ToLower(strings.TrimSpace(chain.Type))
	if chainType == "" {
		chainType = "evm"
	}
	switch chainType {
	case "mock":
		balance := chain.DefaultBalance
		if balance == 0 {
			balance = cfg.DefaultBalance
		}
		return newMock(balance, cfg.Strict), nil
	case "evm":
		key := ""
		if chain.OperatorKeyEnv != "" {
			key = os.Getenv(chain.OperatorKeyEnv)
		}
		adapter, err := evm.Dial(ctx, evm.Config{
			Name:          name,
			RPCURL:        chain.RPCURL,
			ChainID:       chain.ChainID,
			TokenAddress:  chain.TokenAddress,
			TokenDecimals: chain.TokenDecimals,
			OperatorKey:   key,
			WaitReceipt:   chain.WaitReceipt,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		return adapter, nil
	default:
		return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
	}
}

func newMock(balance int64, strict bool) *ledger.MockLedger {
	var opts []ledger.MockOption
	if strict {
		opts = append(opts, ledger.WithStrictBalances())
	}
	return ledger.NewMockLedger(ledger.Amount(balance), opts...)
}

// Default returns the adapter configured as default chain.
func (r *Registry) Default() (ledger.Adapter, error) {
	if r == nil {
		return nil, errors.New("未初始化的账本注册表")
	}
	adapter, ok := r.adapters[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return adapter, nil
}

// DefaultChain returns the name of the default chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Adapter returns the adapter identified by name.
func (r *Registry) Adapter(name string) (ledger.Adapter, bool) {
	if r == nil {
		return nil, false
	}
	adapter, ok := r.adapters[name]
	return adapter, ok
}

// Close releases all adapters managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	closeAll(r.adapters)
}

func closeAll(adapters map[string]ledger.Adapter) {
	for name, adapter := range adapters {
		if closer, ok := adapter.(ledger.Closer); ok {
			closer.Close()
		}
		delete(adapters, name)
	}
}

// Chains returns the list of registered chain names.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
