package txengine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeProvidersFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "providers.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadProviderEndpoints(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - vendor: alchemy
    chain: ethereum
    url: https://eth-mainnet.g.alchemy.com/v2/key
  - vendor: infura
    chain: polygon
    url: https://polygon-mainnet.infura.io/v3/key
  - vendor: quicknode
    chain: arbitrum
    url: https://example.arbitrum.quiknode.pro/key
    disabled: true
`)

	endpoints, err := LoadProviderEndpoints(path)
	require.NoError(t, err)
	require.Equal(t, []ProviderEndpoint{
		{Vendor: VendorAlchemy, Chain: ChainEthereum, URL: "https://eth-mainnet.g.alchemy.com/v2/key"},
		{Vendor: VendorInfura, Chain: ChainPolygon, URL: "https://polygon-mainnet.infura.io/v3/key"},
	}, endpoints)
}

func TestLoadProviderEndpointsRejectsUnknownVendor(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - vendor: carrier-pigeon
    chain: ethereum
    url: https://example.com
`)
	_, err := LoadProviderEndpoints(path)
	require.ErrorIs(t, err, ErrInvalidProviderConfig)
}

func TestLoadProviderEndpointsRejectsMissingURL(t *testing.T) {
	path := writeProvidersFile(t, `
providers:
  - vendor: alchemy
    chain: ethereum
`)
	_, err := LoadProviderEndpoints(path)
	require.ErrorIs(t, err, ErrInvalidProviderConfig)
}

func TestLoadProviderEndpointsMissingFile(t *testing.T) {
	_, err := LoadProviderEndpoints(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestChainIDs(t *testing.T) {
	require.EqualValues(t, 1, Chain("ethereum").ChainID().Int64())
	require.EqualValues(t, 137, ChainPolygon.ChainID().Int64())
	require.EqualValues(t, 42161, ChainArbitrum.ChainID().Int64())
	require.EqualValues(t, 10, ChainOptimism.ChainID().Int64())
	require.EqualValues(t, 8453, ChainBase.ChainID().Int64())
	require.Nil(t, Chain("solana").ChainID())
}
