package id

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
)

var (
	eip155ChainPattern = regexp.MustCompile(`^eip155:[0-9]+$`)
	eip155AssetPattern = regexp.MustCompile(`^eip155:[0-9]+/erc20:0x[0-9a-fA-F]{40}$`)
)

type Chain struct {
	Name    string
	Slug    string
	ChainID int64
}

func (c Chain) CAIP2() string {
	return fmt.Sprintf("eip155:%d", c.ChainID)
}

type Token struct {
	Symbol   string
	Address  string
	Decimals int
}

// Asset is a resolved ERC20 token. Symbol and Decimals are empty when the
// token is not in the built-in registry.
type Asset struct {
	ChainID  int64
	Address  common.Address
	Symbol   string
	Decimals int
	Known    bool
}

var chainBySlug = map[string]Chain{
	"ethereum":  {Name: "Ethereum", Slug: "ethereum", ChainID: 1},
	"mainnet":   {Name: "Ethereum", Slug: "ethereum", ChainID: 1},
	"base":      {Name: "Base", Slug: "base", ChainID: 8453},
	"arbitrum":  {Name: "Arbitrum", Slug: "arbitrum", ChainID: 42161},
	"optimism":  {Name: "Optimism", Slug: "optimism", ChainID: 10},
	"polygon":   {Name: "Polygon", Slug: "polygon", ChainID: 137},
	"avalanche": {Name: "Avalanche", Slug: "avalanche", ChainID: 43114},
	"bsc":       {Name: "BSC", Slug: "bsc", ChainID: 56},
	"gnosis":    {Name: "Gnosis", Slug: "gnosis", ChainID: 100},
	"linea":     {Name: "Linea", Slug: "linea", ChainID: 59144},
	"scroll":    {Name: "Scroll", Slug: "scroll", ChainID: 534352},
	"zksync":    {Name: "zkSync Era", Slug: "zksync", ChainID: 324},
	"mantle":    {Name: "Mantle", Slug: "mantle", ChainID: 5000},
	"blast":     {Name: "Blast", Slug: "blast", ChainID: 81457},
	"taiko":     {Name: "Taiko", Slug: "taiko", ChainID: 167000},
}

var chainByID = func() map[int64]Chain {
	out := make(map[int64]Chain, len(chainBySlug))
	for _, chain := range chainBySlug {
		out[chain.ChainID] = chain
	}
	return out
}()

// Small bootstrap registry so --token accepts symbols on the main chains.
var tokenRegistry = map[int64][]Token{
	1: {
		{Symbol: "USDC", Address: "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48", Decimals: 6},
		{Symbol: "USDT", Address: "0xdac17f958d2ee523a2206206994597c13d831ec7", Decimals: 6},
		{Symbol: "DAI", Address: "0x6b175474e89094c44da98b954eedeac495271d0f", Decimals: 18},
		{Symbol: "WETH", Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
	},
	8453: {
		{Symbol: "USDC", Address: "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913", Decimals: 6},
		{Symbol: "DAI", Address: "0x50c5725949A6F0c72E6C4a641F24049A917DB0Cb", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	42161: {
		{Symbol: "USDC", Address: "0xaf88d065e77c8cC2239327C5EDb3A432268e5831", Decimals: 6},
		{Symbol: "USDT", Address: "0xFd086bC7CD5C481DCC9C85ebe478A1C0b69FCbb9", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x82aF49447D8a07e3bd95BD0d56f35241523fBab1", Decimals: 18},
	},
	10: {
		{Symbol: "USDC", Address: "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85", Decimals: 6},
		{Symbol: "USDT", Address: "0x94b008aA00579c1307B0EF2c499aD98a8ce58e58", Decimals: 6},
		{Symbol: "DAI", Address: "0xDA10009cBd5D07dd0CeCc66161FC93D7c9000da1", Decimals: 18},
		{Symbol: "WETH", Address: "0x4200000000000000000000000000000000000006", Decimals: 18},
	},
	137: {
		{Symbol: "USDC", Address: "0x3c499c542cef5e3811e1192ce70d8cc03d5c3359", Decimals: 6},
		{Symbol: "USDT", Address: "0xc2132D05D31c914a87C6611C10748AEb04B58e8F", Decimals: 6},
		{Symbol: "DAI", Address: "0x8f3Cf7ad23Cd3CaDbD9735AFf958023239c6A063", Decimals: 18},
		{Symbol: "WETH", Address: "0x7ceB23fD6bC0adD59E62ac25578270cFf1b9f619", Decimals: 18},
	},
	56: {
		{Symbol: "USDC", Address: "0x8ac76a51cc950d9822d68b83fe1ad97b32cd580d", Decimals: 18},
		{Symbol: "USDT", Address: "0x55d398326f99059fF775485246999027B3197955", Decimals: 18},
		{Symbol: "WETH", Address: "0x2170Ed0880ac9A755fd29B2688956BD959F933F8", Decimals: 18},
	},
	43114: {
		{Symbol: "USDC", Address: "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E", Decimals: 6},
		{Symbol: "USDT", Address: "0x9702230A8Ea53601f5cD2dc00fDBc13d4dF4A8c7", Decimals: 6},
		{Symbol: "WETH", Address: "0x49D5c2BdFfac6CE2BFdB6640F4F80f226bc10bAB", Decimals: 18},
	},
}

// ParseChain accepts a slug ("base"), a numeric id ("8453") or a CAIP-2 id
// ("eip155:8453"). Unknown numeric ids are accepted as generic EVM chains.
func ParseChain(input string) (Chain, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Chain{}, clierr.New(clierr.CodeUsage, "chain is required")
	}
	norm := strings.ToLower(raw)

	if chain, ok := chainBySlug[norm]; ok {
		return chain, nil
	}
	if eip155ChainPattern.MatchString(norm) {
		norm = strings.TrimPrefix(norm, "eip155:")
	}
	if id, err := strconv.ParseInt(norm, 10, 64); err == nil && id > 0 {
		if chain, ok := chainByID[id]; ok {
			return chain, nil
		}
		return Chain{Name: fmt.Sprintf("EVM-%d", id), Slug: fmt.Sprintf("evm-%d", id), ChainID: id}, nil
	}
	return Chain{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported chain input: %s", input))
}

// ParseAsset resolves a symbol, an address or a CAIP-19 id on chain.
func ParseAsset(input string, chain Chain) (Asset, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return Asset{}, clierr.New(clierr.CodeUsage, "token is required")
	}

	if strings.Contains(raw, "/") {
		if !eip155AssetPattern.MatchString(raw) {
			return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("invalid CAIP-19 asset format: %s", input))
		}
		parts := strings.SplitN(raw, "/", 2)
		if parts[0] != chain.CAIP2() {
			return Asset{}, clierr.New(clierr.CodeUsage, "asset chain does not match --chain")
		}
		raw = strings.TrimPrefix(parts[1], "erc20:")
	}

	if common.IsHexAddress(raw) {
		return assetFor(chain.ChainID, raw), nil
	}

	matches := findTokensBySymbol(chain.ChainID, raw)
	if len(matches) == 0 {
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s not found in registry for chain %s", input, chain.CAIP2()))
	}
	if len(matches) > 1 {
		addresses := make([]string, 0, len(matches))
		for _, m := range matches {
			addresses = append(addresses, m.Address)
		}
		sort.Strings(addresses)
		return Asset{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("symbol %s is ambiguous on chain %s, use address (%s)", input, chain.CAIP2(), strings.Join(addresses, ", ")))
	}
	return assetFor(chain.ChainID, matches[0].Address), nil
}

func assetFor(chainID int64, address string) Asset {
	asset := Asset{ChainID: chainID, Address: common.HexToAddress(address)}
	if token, ok := LookupByAddress(chainID, address); ok {
		asset.Symbol = token.Symbol
		asset.Decimals = token.Decimals
		asset.Known = true
	}
	return asset
}

func findTokensBySymbol(chainID int64, symbol string) []Token {
	matches := []Token{}
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(t.Symbol, symbol) {
			matches = append(matches, Token{Symbol: strings.ToUpper(t.Symbol), Address: strings.ToLower(t.Address), Decimals: t.Decimals})
		}
	}
	return matches
}

func KnownToken(chainID int64, symbol string) (Token, bool) {
	matches := findTokensBySymbol(chainID, symbol)
	if len(matches) != 1 {
		return Token{}, false
	}
	return matches[0], true
}

func LookupByAddress(chainID int64, address string) (Token, bool) {
	for _, t := range tokenRegistry[chainID] {
		if strings.EqualFold(strings.TrimSpace(t.Address), strings.TrimSpace(address)) {
			return Token{Symbol: strings.ToUpper(t.Symbol), Address: strings.ToLower(t.Address), Decimals: t.Decimals}, true
		}
	}
	return Token{}, false
}
