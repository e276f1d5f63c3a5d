// Package ctfapp is a worked indexing application wired into cmd/ponder:
// three tables covering a conditional-tokens exchange deployment, built
// the way the engine expects any user application to be built — a
// schema plus a set of registered handlers, nothing engine-internal.
//
// It is deliberately narrow: three of a CTF Exchange/Conditional Tokens
// deployment's events (order fills, token registration, ERC-1155
// single transfers), not the full event surface a production deployment
// would index. TransferSingle is routed into a running per-holder
// balance so the handler both reads and writes the same table,
// exercising the scheduler's self-loop replay path on real data rather
// than only in its unit tests.
package ctfapp

import "github.com/ponder-go/ponder/internal/schema"

// Schema returns the table set this application's handlers read and
// write.
func Schema() (schema.Schema, error) {
	return schema.New([]schema.Table{
		{
			Name:   "OrderFill",
			IDType: schema.ScalarString,
			Columns: []schema.Column{
				{Name: "orderHash", Scalar: schema.ScalarString},
				{Name: "maker", Scalar: schema.ScalarString},
				{Name: "taker", Scalar: schema.ScalarString},
				{Name: "makerAssetId", Scalar: schema.ScalarBigInt},
				{Name: "takerAssetId", Scalar: schema.ScalarBigInt},
				{Name: "makerAmountFilled", Scalar: schema.ScalarBigInt},
				{Name: "takerAmountFilled", Scalar: schema.ScalarBigInt},
				{Name: "fee", Scalar: schema.ScalarBigInt},
			},
		},
		{
			Name:   "TokenRegistration",
			IDType: schema.ScalarString,
			Columns: []schema.Column{
				{Name: "token0", Scalar: schema.ScalarBigInt},
				{Name: "token1", Scalar: schema.ScalarBigInt},
				{Name: "conditionId", Scalar: schema.ScalarString},
			},
		},
		{
			Name:   "Position",
			IDType: schema.ScalarString,
			Columns: []schema.Column{
				{Name: "holder", Scalar: schema.ScalarString},
				{Name: "tokenId", Scalar: schema.ScalarBigInt},
				{Name: "balance", Scalar: schema.ScalarBigInt},
			},
		},
	}, nil)
}
