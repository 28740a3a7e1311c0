package layout

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/polareth/evmstate/tracing/utils"
)

// ExplorerConfig points the manager at contract-verification explorers that
// can serve compiler output for verified contracts.
type ExplorerConfig struct {
	Etherscan    string `json:"etherscan,omitempty"`    // etherscan-compatible API base URL
	EtherscanKey string `json:"etherscanKey,omitempty"` // optional API key
	Blockscout   string `json:"blockscout,omitempty"`   // blockscout instance base URL
}

func (c ExplorerConfig) configured() bool {
	return c.Etherscan != "" || c.Blockscout != ""
}

// StorageReader is the slice of the node client the manager needs for proxy
// detection.
type StorageReader interface {
	StorageAt(addr common.Address, slot common.Hash, blockNumber *big.Int) (common.Hash, error)
}

// layoutCache holds parsed layouts in memory with a JSON file cache behind it.
type layoutCache struct {
	mu    sync.RWMutex
	cache map[string]*StorageLayout
	dir   string
}

// Manager resolves storage layouts: user-supplied entries first, then the
// memory cache, then the file cache, then the configured explorers. It is the
// layout provider of the tracer and safe to share across concurrent traces.
type Manager struct {
	explorers    ExplorerConfig
	cache        *layoutCache
	httpClient   *http.Client
	fetchEnabled bool
}

// NewManager creates a layout manager. An empty cacheDir defaults to
// ./layout_cache; fetchEnabled false makes the manager serve only supplied
// and cached layouts.
func NewManager(cacheDir string, explorers ExplorerConfig, fetchEnabled bool) *Manager {
	if cacheDir == "" {
		cacheDir = "./layout_cache"
	}
	os.MkdirAll(cacheDir, 0755)

	return &Manager{
		explorers:    explorers,
		fetchEnabled: fetchEnabled,
		cache: &layoutCache{
			cache: make(map[string]*StorageLayout),
			dir:   cacheDir,
		},
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithExplorers derives a manager that queries different explorer endpoints
// while sharing this manager's caches.
func (m *Manager) WithExplorers(explorers ExplorerConfig) *Manager {
	return &Manager{
		explorers:    explorers,
		cache:        m.cache,
		httpClient:   m.httpClient,
		fetchEnabled: m.fetchEnabled,
	}
}

func cacheKey(chainID *big.Int, address common.Address) string {
	id := "0"
	if chainID != nil {
		id = chainID.String()
	}
	return fmt.Sprintf("%s_%s", id, strings.ToLower(address.Hex()))
}

// SetLayout registers a user-supplied layout for an address, overriding any
// cached or fetched one.
func (m *Manager) SetLayout(chainID *big.Int, address common.Address, lay *StorageLayout) {
	m.cache.set(cacheKey(chainID, address), lay)
}

// GetLayout resolves the layout for an address. A nil layout with a
// not_enough_information error means the trace should proceed unlabeled.
func (m *Manager) GetLayout(chainID *big.Int, address common.Address) (*StorageLayout, error) {
	key := cacheKey(chainID, address)

	if cached := m.cache.get(key); cached != nil {
		return cached, nil
	}

	if cached := m.cache.loadFromFile(key); cached != nil {
		m.cache.set(key, cached)
		return cached, nil
	}

	if !m.fetchEnabled || !m.explorers.configured() {
		return nil, utils.NewLayoutMissingError(address)
	}

	lay, err := m.fetchLayout(address)
	if err != nil {
		log.Info("storage layout fetch failed", "address", address.Hex(), "err", err)
		return nil, utils.NewLayoutMissingError(address).AddContext("fetch_error", err.Error())
	}

	m.cache.set(key, lay)
	m.cache.saveToFile(key, lay)
	return lay, nil
}

// ResolveWithProxy resolves a layout and, when the account carries an
// EIP-1967 implementation pointer, merges the proxy pseudo-variables and
// prefers the implementation contract's layout for the proxy address.
func (m *Manager) ResolveWithProxy(chainID *big.Int, address common.Address, reader StorageReader) (*StorageLayout, error) {
	lay, layErr := m.GetLayout(chainID, address)

	if reader != nil {
		implWord, err := reader.StorageAt(address, ProxyImplementationSlot, nil)
		if err == nil && implWord != (common.Hash{}) {
			impl := common.BytesToAddress(implWord.Bytes())
			log.Info("detected EIP-1967 proxy", "proxy", address.Hex(), "implementation", strings.ToLower(impl.Hex()))
			if implLay, err := m.GetLayout(chainID, impl); err == nil {
				return implLay.WithProxySlots(), nil
			}
			if lay != nil {
				return lay.WithProxySlots(), nil
			}
			return (*StorageLayout)(nil).WithProxySlots(), nil
		}
	}

	return lay, layErr
}

// fetchLayout tries the configured explorers in order.
func (m *Manager) fetchLayout(address common.Address) (*StorageLayout, error) {
	recovery := utils.NewErrorRecovery()

	var lay *StorageLayout
	err := recovery.RetryWithRecovery(func() error {
		var lastErr error
		if m.explorers.Blockscout != "" {
			if got, err := m.fetchFromBlockscout(address); err == nil {
				lay = got
				return nil
			} else {
				lastErr = err
			}
		}
		if m.explorers.Etherscan != "" {
			if got, err := m.fetchFromEtherscan(address); err == nil {
				lay = got
				return nil
			} else {
				lastErr = err
			}
		}
		if lastErr == nil {
			lastErr = utils.NewError(utils.ErrorTypeConfig, "no explorer configured")
		}
		return lastErr
	})
	if err != nil {
		return nil, err
	}
	return lay, nil
}

// fetchFromBlockscout reads the verified smart contract record and its
// storage layout from a blockscout v2 API.
func (m *Manager) fetchFromBlockscout(address common.Address) (*StorageLayout, error) {
	endpoint := fmt.Sprintf("%s/api/v2/smart-contracts/%s",
		strings.TrimRight(m.explorers.Blockscout, "/"), strings.ToLower(address.Hex()))

	body, err := m.getJSON(endpoint)
	if err != nil {
		return nil, err
	}

	var response struct {
		StorageLayout json.RawMessage `json:"storage_layout"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, utils.WrapError(utils.ErrorTypeParsing, "failed to parse blockscout response", err)
	}
	if len(response.StorageLayout) == 0 || string(response.StorageLayout) == "null" {
		return nil, utils.NewError(utils.ErrorTypeNotEnoughInformation, "blockscout has no storage layout for contract").
			AddContext("address", address.Hex())
	}

	return ParseJSON(response.StorageLayout)
}

// fetchFromEtherscan reads getsourcecode from an etherscan-compatible API and
// extracts the storage layout when the explorer serves compiler output.
func (m *Manager) fetchFromEtherscan(address common.Address) (*StorageLayout, error) {
	endpoint := fmt.Sprintf("%s?module=contract&action=getsourcecode&address=%s",
		strings.TrimRight(m.explorers.Etherscan, "/"), address.Hex())
	if m.explorers.EtherscanKey != "" {
		endpoint += "&apikey=" + url.QueryEscape(m.explorers.EtherscanKey)
	}

	body, err := m.getJSON(endpoint)
	if err != nil {
		return nil, err
	}

	var response struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  []struct {
			SourceCode    string          `json:"SourceCode"`
			StorageLayout json.RawMessage `json:"StorageLayout"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, utils.WrapError(utils.ErrorTypeParsing, "failed to parse etherscan response", err)
	}
	if response.Status != "1" || len(response.Result) == 0 {
		return nil, utils.NewError(utils.ErrorTypeNotEnoughInformation, "contract not verified on explorer").
			AddContext("address", address.Hex()).
			AddContext("api_message", response.Message)
	}

	result := response.Result[0]
	if len(result.StorageLayout) > 0 && string(result.StorageLayout) != `""` && string(result.StorageLayout) != "null" {
		raw := result.StorageLayout
		// Some explorers double-encode the layout object as a string.
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			raw = json.RawMessage(asString)
		}
		return ParseJSON(raw)
	}

	return nil, utils.NewError(utils.ErrorTypeNotEnoughInformation, "explorer response carries no storage layout").
		AddContext("address", address.Hex())
}

func (m *Manager) getJSON(endpoint string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", endpoint, nil)
	if err != nil {
		return nil, utils.NewNetworkError("failed to create HTTP request", err)
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, utils.WrapError(utils.ErrorTypeTimeout, "explorer request timeout", err)
		}
		return nil, utils.NewNetworkError("failed to query explorer", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, utils.NewNetworkError(fmt.Sprintf("explorer returned HTTP %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, utils.NewNetworkError("failed to read explorer response", err)
	}
	return body, nil
}

// layoutCache methods

func (c *layoutCache) get(key string) *StorageLayout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache[key]
}

func (c *layoutCache) set(key string, lay *StorageLayout) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = lay
}

func (c *layoutCache) loadFromFile(key string) *StorageLayout {
	filename := filepath.Join(c.dir, key+".json")
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil
	}

	lay, err := ParseJSON(data)
	if err != nil {
		return nil
	}
	return lay
}

func (c *layoutCache) saveToFile(key string, lay *StorageLayout) {
	filename := filepath.Join(c.dir, key+".json")
	data, err := json.Marshal(lay)
	if err != nil {
		return
	}

	os.WriteFile(filename, data, 0644)
}

// ClearCache drops the memory and file caches.
func (m *Manager) ClearCache() {
	m.cache.mu.Lock()
	defer m.cache.mu.Unlock()

	m.cache.cache = make(map[string]*StorageLayout)

	if entries, err := os.ReadDir(m.cache.dir); err == nil {
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) == ".json" {
				os.Remove(filepath.Join(m.cache.dir, entry.Name()))
			}
		}
	}
}

// CacheStats reports cache sizes.
func (m *Manager) CacheStats() map[string]int {
	m.cache.mu.RLock()
	defer m.cache.mu.RUnlock()

	stats := map[string]int{
		"memory_cache_size": len(m.cache.cache),
	}

	if entries, err := os.ReadDir(m.cache.dir); err == nil {
		fileCount := 0
		for _, entry := range entries {
			if filepath.Ext(entry.Name()) == ".json" {
				fileCount++
			}
		}
		stats["file_cache_size"] = fileCount
	}

	return stats
}
