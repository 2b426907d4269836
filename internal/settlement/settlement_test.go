package settlement

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Aidin1998/custodia/internal/asset"
	"github.com/Aidin1998/custodia/internal/config"
	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/identity"
	"github.com/Aidin1998/custodia/internal/portfolio"
	"github.com/Aidin1998/custodia/internal/scheduler"
)

type testEnv struct {
	t     *testing.T
	ctx   context.Context
	db    *gorm.DB
	ids   *identity.Service
	ports *portfolio.Service
	asts  *asset.Service
	sched *scheduler.Service
	clock *scheduler.Clock
	bus   *events.Bus
	rec   *events.Recorder
	svc   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	ids := identity.NewService(logger, db)
	require.NoError(t, ids.Migrate())
	ports := portfolio.NewService(logger, db)
	require.NoError(t, ports.Migrate())
	asts := asset.NewService(logger, db, ports)
	require.NoError(t, asts.Migrate())

	bus := events.NewBus(logger)
	rec := events.NewRecorder(bus,
		events.TopicVenues, events.TopicInstruction, events.TopicExecution, events.TopicReceipts)
	clock := scheduler.NewClock(1)
	sched := scheduler.NewService(logger)

	svc := NewService(logger, db, bus, ids, ports, asts, sched, clock, config.SettlementConfig{
		MaxFungibleLegs:    10,
		MaxNFTsPerLeg:      10,
		MaxNFTsPerInstr:    100,
		VenueDetailsMaxLen: 2048,
	})
	require.NoError(t, svc.Migrate())

	return &testEnv{
		t: t, ctx: context.Background(), db: db,
		ids: ids, ports: ports, asts: asts,
		sched: sched, clock: clock, bus: bus, rec: rec, svc: svc,
	}
}

// newIdentity registers an account with its default portfolio.
func (e *testEnv) newIdentity(account string) (uuid.UUID, portfolio.PortfolioID) {
	e.t.Helper()
	did, err := e.ids.Register(e.ctx, account)
	require.NoError(e.t, err)
	p := portfolio.Default(did)
	require.NoError(e.t, e.ports.Create(e.ctx, p, "default"))
	return did, p
}

func (e *testEnv) registerAsset(ticker string, owner uuid.UUID, supply, maxPct string) {
	e.t.Helper()
	require.NoError(e.t, e.asts.Register(e.ctx, asset.Asset{
		Ticker:          ticker,
		OwnerDID:        owner,
		TotalSupply:     decimal.RequireFromString(supply),
		MaxOwnershipPct: decimal.RequireFromString(maxPct),
	}))
}

// registerCollection registers a non-fungible collection. Supply grows as
// individual NFTs are minted.
func (e *testEnv) registerCollection(ticker string, owner uuid.UUID) {
	e.t.Helper()
	require.NoError(e.t, e.asts.Register(e.ctx, asset.Asset{
		Ticker:      ticker,
		OwnerDID:    owner,
		NonFungible: true,
	}))
}

func (e *testEnv) mintNFT(p portfolio.PortfolioID, ticker string, nftID uint64) {
	e.t.Helper()
	require.NoError(e.t, e.ports.MintNFT(e.ctx, p, ticker, nftID))
}

func (e *testEnv) credit(p portfolio.PortfolioID, ticker, amount string) {
	e.t.Helper()
	require.NoError(e.t, e.ports.Credit(e.ctx, p, ticker, decimal.RequireFromString(amount)))
}

func (e *testEnv) createVenue(account string, signers ...string) VenueID {
	e.t.Helper()
	id, err := e.svc.CreateVenue(e.ctx, account, "test venue", signers, VenueTypeExchange)
	require.NoError(e.t, err)
	return id
}

func (e *testEnv) balance(p portfolio.PortfolioID, ticker string) (decimal.Decimal, decimal.Decimal) {
	e.t.Helper()
	available, locked, err := e.ports.Balance(e.ctx, p, ticker)
	require.NoError(e.t, err)
	return available, locked
}

// advanceBlock moves the chain one block forward and runs everything due.
func (e *testEnv) advanceBlock() uint64 {
	height := e.clock.Advance()
	e.sched.RunDue(e.ctx, height)
	return height
}

func (e *testEnv) status(id InstructionID) InstructionStatus {
	e.t.Helper()
	instruction, err := e.svc.Instruction(e.ctx, id)
	require.NoError(e.t, err)
	return instruction.Status
}

func fungibleLeg(from, to portfolio.PortfolioID, ticker, amount string) Leg {
	return Leg{
		From: from, To: to, Kind: AssetFungible,
		Ticker: ticker, Amount: decimal.RequireFromString(amount),
	}
}

func nftLeg(from, to portfolio.PortfolioID, ticker string, ids ...uint64) Leg {
	return Leg{From: from, To: to, Kind: AssetNonFungible, Ticker: ticker, NFTs: ids}
}

func offChainLeg(from, to portfolio.PortfolioID, ticker, amount string) Leg {
	return Leg{
		From: from, To: to, Kind: AssetOffChain,
		Ticker: ticker, Amount: decimal.RequireFromString(amount),
	}
}

func newSigner(t *testing.T) (string, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return SignerID(pub), priv
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func count(senderLegs, nfts uint32) AffirmationCount {
	return AffirmationCount{SenderLegs: senderLegs, NFTs: nfts}
}
