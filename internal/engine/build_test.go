package engine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ponder-go/ponder/internal/schema"
	"github.com/ponder-go/ponder/pkg/config"
	"github.com/ponder-go/ponder/pkg/handler"
)

func testSchema(t *testing.T) schema.Schema {
	t.Helper()
	sc, err := schema.New([]schema.Table{
		{Name: "Position", IDType: schema.ScalarString, Columns: []schema.Column{
			{Name: "size", Scalar: schema.ScalarBigInt},
		}},
	}, nil)
	require.NoError(t, err)
	return sc
}

func testConfig() *config.Config {
	return &config.Config{
		Networks: []config.NetworkConfig{{Name: "mainnet", ChainID: 1, RPCURL: "http://localhost"}},
		Contracts: []config.ContractConfig{
			{Name: "Market", Network: "mainnet", Address: "0x0000000000000000000000000000000000dEaD", StartBlock: 100},
		},
		Database: config.DatabaseConfig{Kind: "sqlite"},
	}
}

func TestComputeBuildIDIsDeterministic(t *testing.T) {
	cfg := testConfig()
	sc := testSchema(t)
	regs := []Registration{{Handler: handler.Handler{Name: "Deposit"}, Source: "func Deposit() {}"}}

	a := computeBuildID(cfg, sc, regs)
	b := computeBuildID(cfg, sc, regs)
	require.Equal(t, a, b)
	require.Len(t, a, 16)
}

func TestComputeBuildIDChangesOnStartBlockChange(t *testing.T) {
	sc := testSchema(t)
	regs := []Registration{{Handler: handler.Handler{Name: "Deposit"}, Source: "func Deposit() {}"}}

	base := testConfig()
	changed := testConfig()
	changed.Contracts[0].StartBlock = 200

	require.NotEqual(t, computeBuildID(base, sc, regs), computeBuildID(changed, sc, regs))
}

func TestComputeBuildIDChangesOnHandlerSourceChange(t *testing.T) {
	cfg := testConfig()
	sc := testSchema(t)

	base := []Registration{{Handler: handler.Handler{Name: "Deposit"}, Source: "func Deposit() {}"}}
	changed := []Registration{{Handler: handler.Handler{Name: "Deposit"}, Source: "func Deposit() { /* v2 */ }"}}

	require.NotEqual(t, computeBuildID(cfg, sc, base), computeBuildID(cfg, sc, changed))
}
