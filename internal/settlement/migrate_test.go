package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/custodia/internal/portfolio"
)

func TestMigrateBackfillsLegKinds(t *testing.T) {
	env := newTestEnv(t)
	alice, _ := env.newIdentity("alice")
	env.registerAsset("ACME", alice, "1000", "0")

	// Rows written before legs carried a kind: the NFT list, the asset
	// registry, and finally off-ledger by elimination.
	from := portfolio.Default(alice)
	to := portfolio.User(alice, 1)
	legacy := []legRow{
		{InstructionID: 9, LegID: 0, FromPortfolio: from, ToPortfolio: to,
			Ticker: "ARTC", Amount: decimal.Zero, NFTs: nftIDList{7, 8},
			Status: string(LegPendingTokenLock)},
		{InstructionID: 9, LegID: 1, FromPortfolio: from, ToPortfolio: to,
			Ticker: "ACME", Amount: dec("100"), Status: string(LegPendingTokenLock)},
		{InstructionID: 9, LegID: 2, FromPortfolio: from, ToPortfolio: to,
			Ticker: "OFFX", Amount: dec("50"), Status: string(LegPendingTokenLock)},
	}
	for i := range legacy {
		require.NoError(t, env.db.Create(&legacy[i]).Error)
	}

	require.NoError(t, env.svc.Migrate())

	var rows []legRow
	require.NoError(t, env.db.Where("instruction_id = ?", 9).Order("leg_id asc").Find(&rows).Error)
	require.Len(t, rows, 3)
	assert.Equal(t, string(AssetNonFungible), rows[0].Kind)
	assert.Equal(t, string(AssetFungible), rows[1].Kind)
	assert.Equal(t, string(AssetOffChain), rows[2].Kind)
}
