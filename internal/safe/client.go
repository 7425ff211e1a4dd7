package safe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/httpx"
)

// URLResolver returns the transaction service base URL for a chain.
type URLResolver func(chainID int64) (string, error)

// Client talks to the Safe Transaction Service.
type Client struct {
	http    *httpx.Client
	resolve URLResolver
}

func NewClient(httpClient *httpx.Client, resolve URLResolver) *Client {
	return &Client{http: httpClient, resolve: resolve}
}

// Proposal is the body of a multisig transaction proposal.
type Proposal struct {
	To                      string  `json:"to"`
	Value                   string  `json:"value"`
	Data                    *string `json:"data"`
	Operation               uint8   `json:"operation"`
	SafeTxGas               string  `json:"safeTxGas"`
	BaseGas                 string  `json:"baseGas"`
	GasPrice                string  `json:"gasPrice"`
	GasToken                string  `json:"gasToken"`
	RefundReceiver          string  `json:"refundReceiver"`
	Nonce                   uint64  `json:"nonce"`
	ContractTransactionHash string  `json:"contractTransactionHash"`
	Sender                  string  `json:"sender"`
	Signature               string  `json:"signature"`
	Origin                  string  `json:"origin,omitempty"`
}

// NewProposal fills a Proposal from a transaction, its hash and the owner signature.
func NewProposal(tx Transaction, hash common.Hash, sender common.Address, signature []byte) Proposal {
	var data *string
	if len(tx.Data) > 0 {
		v := "0x" + common.Bytes2Hex(tx.Data)
		data = &v
	}
	return Proposal{
		To:                      tx.To.Hex(),
		Value:                   tx.Value.String(),
		Data:                    data,
		Operation:               tx.Operation,
		SafeTxGas:               tx.SafeTxGas.String(),
		BaseGas:                 tx.BaseGas.String(),
		GasPrice:                tx.GasPrice.String(),
		GasToken:                tx.GasToken.Hex(),
		RefundReceiver:          tx.RefundReceiver.Hex(),
		Nonce:                   tx.Nonce,
		ContractTransactionHash: hash.Hex(),
		Sender:                  sender.Hex(),
		Signature:               "0x" + common.Bytes2Hex(signature),
		Origin:                  "txflow",
	}
}

// TransactionStatus is the execution state of a proposed transaction.
type TransactionStatus struct {
	SafeTxHash      string `json:"safeTxHash"`
	IsExecuted      bool   `json:"isExecuted"`
	IsSuccessful    *bool  `json:"isSuccessful"`
	TransactionHash string `json:"transactionHash"`
	BlockNumber     uint64 `json:"blockNumber"`
}

// Nonce returns the next nonce for safe, accounting for queued proposals.
func (c *Client) Nonce(ctx context.Context, chainID int64, safeAddress common.Address) (uint64, error) {
	base, err := c.baseURL(chainID)
	if err != nil {
		return 0, err
	}
	var info struct {
		Nonce flexUint `json:"nonce"`
	}
	url := fmt.Sprintf("%s/api/v1/safes/%s/", base, safeAddress.Hex())
	if _, err := c.http.DoBodyJSON(ctx, http.MethodGet, url, nil, &info); err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch safe nonce", err)
	}
	next := uint64(info.Nonce)

	var queued struct {
		Results []struct {
			Nonce flexUint `json:"nonce"`
		} `json:"results"`
	}
	url = fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/?executed=false&nonce__gte=%d&ordering=-nonce&limit=1", base, safeAddress.Hex(), next)
	if _, err := c.http.DoBodyJSON(ctx, http.MethodGet, url, nil, &queued); err != nil {
		return 0, clierr.Wrap(clierr.CodeUnavailable, "fetch queued safe transactions", err)
	}
	if len(queued.Results) > 0 && uint64(queued.Results[0].Nonce) >= next {
		next = uint64(queued.Results[0].Nonce) + 1
	}
	return next, nil
}

// Propose submits a signed proposal for safe.
func (c *Client) Propose(ctx context.Context, chainID int64, safeAddress common.Address, proposal Proposal) error {
	base, err := c.baseURL(chainID)
	if err != nil {
		return err
	}
	url := fmt.Sprintf("%s/api/v1/safes/%s/multisig-transactions/", base, safeAddress.Hex())
	if _, err := c.http.DoBodyJSON(ctx, http.MethodPost, url, proposal, nil); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "propose safe transaction", err)
	}
	return nil
}

// Transaction looks up a proposal by its SafeTx hash. found is false while the
// service has not indexed the proposal yet.
func (c *Client) Transaction(ctx context.Context, chainID int64, safeTxHash string) (TransactionStatus, bool, error) {
	base, err := c.baseURL(chainID)
	if err != nil {
		return TransactionStatus{}, false, err
	}
	var status TransactionStatus
	url := fmt.Sprintf("%s/api/v1/multisig-transactions/%s/", base, strings.TrimSpace(safeTxHash))
	if _, err := c.http.DoBodyJSON(ctx, http.MethodGet, url, nil, &status); err != nil {
		if errors.Is(err, httpx.ErrNotFound) {
			return TransactionStatus{}, false, nil
		}
		return TransactionStatus{}, false, clierr.Wrap(clierr.CodeUnavailable, "fetch safe transaction", err)
	}
	return status, true, nil
}

func (c *Client) baseURL(chainID int64) (string, error) {
	if c.resolve == nil {
		return "", clierr.New(clierr.CodeUsage, "safe transaction service is not configured")
	}
	base, err := c.resolve(chainID)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "resolve safe transaction service", err)
	}
	return strings.TrimRight(base, "/"), nil
}

// flexUint accepts both JSON numbers and decimal strings.
type flexUint uint64

func (f *flexUint) UnmarshalJSON(b []byte) error {
	raw := strings.Trim(strings.TrimSpace(string(b)), `"`)
	if raw == "" || raw == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid nonce %q: %w", raw, err)
	}
	*f = flexUint(v)
	return nil
}
