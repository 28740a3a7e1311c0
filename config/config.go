package config

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/polareth/evmstate/flags"
	"github.com/polareth/evmstate/tracing/explore"
	"github.com/polareth/evmstate/tracing/layout"
)

type Config struct {
	Chain          ChainConfig
	Explorers      layout.ExplorerConfig
	Explore        explore.Config
	LayoutCacheDir string
}

type ChainConfig struct {
	ChainRpcUrl      string
	ChainId          uint
	Contracts        []common.Address
	MainLoopInterval time.Duration
	BlockStep        uint64
}

func LoadConfig(cliCtx *cli.Context) (Config, error) {
	cfg := NewConfig(cliCtx)
	log.Info("loaded chain config", "rpc", cfg.Chain.ChainRpcUrl, "chainId", cfg.Chain.ChainId, "contracts", len(cfg.Chain.Contracts))
	return cfg, nil
}

func NewConfig(cliCtx *cli.Context) Config {
	var contracts []common.Address
	for _, raw := range cliCtx.StringSlice(flags.ContractsFlag.Name) {
		contracts = append(contracts, common.HexToAddress(raw))
	}

	return Config{
		Chain: ChainConfig{
			ChainRpcUrl:      cliCtx.String(flags.ChainRpcFlag.Name),
			ChainId:          cliCtx.Uint(flags.ChainIdFlag.Name),
			Contracts:        contracts,
			MainLoopInterval: cliCtx.Duration(flags.MainIntervalFlag.Name),
			BlockStep:        cliCtx.Uint64(flags.BlocksStepFlag.Name),
		},
		Explorers: layout.ExplorerConfig{
			Etherscan:    cliCtx.String(flags.EtherscanApiFlag.Name),
			EtherscanKey: cliCtx.String(flags.EtherscanKeyFlag.Name),
			Blockscout:   cliCtx.String(flags.BlockscoutApiFlag.Name),
		},
		Explore: explore.Config{
			MaxMappingDepth:   cliCtx.Int(flags.MaxMappingDepthFlag.Name),
			MaxExploredStates: cliCtx.Int(flags.MaxExploredStatesFlag.Name),
			MaxDynArraySweep:  cliCtx.Uint64(flags.MaxDynArraySweepFlag.Name),
		},
		LayoutCacheDir: cliCtx.String(flags.LayoutCacheDirFlag.Name),
	}
}
