package flags

import (
	"time"

	"github.com/urfave/cli/v2"
)

const envVarPrefix = "EVMSTATE"

func prefixEnvVars(name string) []string {
	return []string{envVarPrefix + "_" + name}
}

var (
	ChainRpcFlag = &cli.StringFlag{
		Name:     "chain-rpc",
		Usage:    "HTTP provider URL for the chain",
		EnvVars:  prefixEnvVars("CHAIN_RPC"),
		Required: true,
	}
	ChainIdFlag = &cli.UintFlag{
		Name:    "chain-id",
		Usage:   "Chain id of the watched chain",
		EnvVars: prefixEnvVars("CHAIN_ID"),
		Value:   1,
	}
	ContractsFlag = &cli.StringSliceFlag{
		Name:    "contracts",
		Usage:   "Contract addresses to watch",
		EnvVars: prefixEnvVars("CONTRACTS"),
	}
	MainIntervalFlag = &cli.DurationFlag{
		Name:    "main-interval",
		Usage:   "Poll interval of the watch loop",
		EnvVars: prefixEnvVars("MAIN_INTERVAL"),
		Value:   10 * time.Second,
	}
	BlocksStepFlag = &cli.Uint64Flag{
		Name:    "blocks-step",
		Usage:   "Max blocks traversed per poll",
		EnvVars: prefixEnvVars("BLOCKS_STEP"),
		Value:   10,
	}
	EtherscanApiFlag = &cli.StringFlag{
		Name:    "etherscan-api",
		Usage:   "Etherscan-compatible API base URL for layout fetching",
		EnvVars: prefixEnvVars("ETHERSCAN_API"),
	}
	EtherscanKeyFlag = &cli.StringFlag{
		Name:    "etherscan-key",
		Usage:   "Etherscan API key",
		EnvVars: prefixEnvVars("ETHERSCAN_KEY"),
	}
	BlockscoutApiFlag = &cli.StringFlag{
		Name:    "blockscout-api",
		Usage:   "Blockscout instance base URL for layout fetching",
		EnvVars: prefixEnvVars("BLOCKSCOUT_API"),
	}
	LayoutCacheDirFlag = &cli.StringFlag{
		Name:    "layout-cache-dir",
		Usage:   "Directory for the storage layout file cache",
		EnvVars: prefixEnvVars("LAYOUT_CACHE_DIR"),
		Value:   "./layout_cache",
	}
	MaxMappingDepthFlag = &cli.IntFlag{
		Name:    "max-mapping-depth",
		Usage:   "Nested mapping search depth cap",
		EnvVars: prefixEnvVars("MAX_MAPPING_DEPTH"),
		Value:   4,
	}
	MaxExploredStatesFlag = &cli.IntFlag{
		Name:    "max-explored-states",
		Usage:   "Total mapping search transitions cap",
		EnvVars: prefixEnvVars("MAX_EXPLORED_STATES"),
		Value:   5000,
	}
	MaxDynArraySweepFlag = &cli.Uint64Flag{
		Name:    "max-dyn-array-sweep",
		Usage:   "Dynamic array indices attempted when length is unknown",
		EnvVars: prefixEnvVars("MAX_DYN_ARRAY_SWEEP"),
		Value:   16,
	}
)

var requiredFlags = []cli.Flag{
	ChainRpcFlag,
}

var optionalFlags = []cli.Flag{
	ChainIdFlag,
	ContractsFlag,
	MainIntervalFlag,
	BlocksStepFlag,
	EtherscanApiFlag,
	EtherscanKeyFlag,
	BlockscoutApiFlag,
	LayoutCacheDirFlag,
	MaxMappingDepthFlag,
	MaxExploredStatesFlag,
	MaxDynArraySweepFlag,
}

// Flags contains the list of configuration options available to the binary.
var Flags []cli.Flag

func init() {
	Flags = append(requiredFlags, optionalFlags...)
}
