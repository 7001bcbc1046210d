package chainclient

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/ethclient"

	"crosscredit/registry"
)

// Set holds one client per registered chain and satisfies the nonce
// tracker's ChainReader.
type Set struct {
	clients map[uint32]*Client
}

// Dial connects to every chain in the registry over its configured RPC URL.
func Dial(ctx context.Context, reg *registry.Registry) (*Set, error) {
	set := &Set{clients: make(map[uint32]*Client)}
	for _, chain := range reg.Chains() {
		if chain.RPCURL == "" {
			return nil, fmt.Errorf("chainclient: chain %q has no rpc url", chain.Name)
		}
		evm, err := ethclient.DialContext(ctx, chain.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("chainclient: dial %s: %w", chain.Name, err)
		}
		set.clients[chain.LZID] = New(evm, chain, reg.IssuerNFT())
	}
	return set, nil
}

// NewSet assembles a set from pre-built clients, used by tests.
func NewSet(clients ...*Client) *Set {
	set := &Set{clients: make(map[uint32]*Client, len(clients))}
	for _, client := range clients {
		set.clients[client.chain.LZID] = client
	}
	return set
}

// ForLZ returns the client for a protocol chain id.
func (s *Set) ForLZ(lzID uint32) (*Client, error) {
	client, ok := s.clients[lzID]
	if !ok {
		return nil, fmt.Errorf("chainclient: %w: lz id %d", registry.ErrUnknownChain, lzID)
	}
	return client, nil
}

// Close releases the underlying RPC connections.
func (s *Set) Close() {
	for _, client := range s.clients {
		if closer, ok := client.evm.(interface{ Close() }); ok {
			closer.Close()
		}
	}
}

// CurrentNonce implements the nonce tracker's ChainReader across chains.
func (s *Set) CurrentNonce(ctx context.Context, accountID string, lzID uint32) (uint64, error) {
	client, err := s.ForLZ(lzID)
	if err != nil {
		return 0, err
	}
	return client.CurrentNonce(ctx, accountID)
}
