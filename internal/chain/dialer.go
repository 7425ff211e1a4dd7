package chain

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	clierr "github.com/ggonzalez94/txflow/internal/errors"
	"github.com/ggonzalez94/txflow/internal/execution/signer"
)

// RPCResolver maps a chain id to an RPC endpoint.
type RPCResolver func(chainID int64) (string, error)

// Dialer hands out one ethclient per chain and keeps it for the life of the
// process.
type Dialer struct {
	resolve RPCResolver

	mu      sync.Mutex
	clients map[int64]*ethclient.Client
}

func NewDialer(resolve RPCResolver) *Dialer {
	return &Dialer{resolve: resolve, clients: map[int64]*ethclient.Client{}}
}

func (d *Dialer) Client(ctx context.Context, chainID int64) (*ethclient.Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if client, ok := d.clients[chainID]; ok {
		return client, nil
	}
	if d.resolve == nil {
		return nil, clierr.New(clierr.CodeUsage, "no rpc resolver configured")
	}
	url, err := d.resolve(chainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	d.clients[chainID] = client
	return client, nil
}

// Backend satisfies signer.BackendSource.
func (d *Dialer) Backend(ctx context.Context, chainID int64) (signer.Backend, error) {
	client, err := d.Client(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (d *Dialer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, client := range d.clients {
		client.Close()
		delete(d.clients, id)
	}
}
