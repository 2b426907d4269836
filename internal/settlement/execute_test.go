package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/portfolio"
)

func TestExecutionAtomicity(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	// Nobody may own more than 30% of ACME (300 of 1000).
	env.registerAsset("ACME", alice, "1000", "30")
	env.registerAsset("USDQ", alice, "100000", "0")
	env.credit(alicePf, "ACME", "250")
	env.credit(bobPf, "ACME", "200")
	env.credit(bobPf, "USDQ", "2000")
	venue := env.createVenue("alice")

	// The ACME leg breaches bob's ownership cap at execution; the USDQ leg
	// would succeed on its own.
	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil, []Leg{
		fungibleLeg(alicePf, bobPf, "ACME", "250"),
		fungibleLeg(bobPf, alicePf, "USDQ", "1500"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(1, 0)))

	env.advanceBlock()

	// No leg's transfer survives; the instruction parks as Failed with its
	// locks intact.
	assert.Equal(t, StatusFailed, env.status(id).Kind)
	aliceACME, aliceACMELocked := env.balance(alicePf, "ACME")
	bobUSDQ, bobUSDQLocked := env.balance(bobPf, "USDQ")
	bobACME, _ := env.balance(bobPf, "ACME")
	aliceUSDQ, _ := env.balance(alicePf, "USDQ")
	assert.True(t, aliceACME.IsZero())
	assert.True(t, aliceACMELocked.Equal(dec("250")))
	assert.True(t, bobUSDQ.Equal(dec("500")))
	assert.True(t, bobUSDQLocked.Equal(dec("1500")))
	assert.True(t, bobACME.Equal(dec("200")))
	assert.True(t, aliceUSDQ.IsZero())

	// The failing leg is identified for the operator.
	failed := env.rec.OfType(events.TypeLegFailedExecution)
	require.Len(t, failed, 1)
	assert.Equal(t, uint64(0), failed[0].Payload.(events.LegFailedExecution).LegID)
	require.Len(t, env.rec.OfType(events.TypeInstructionFailed), 1)
}

func TestExecutionRequiresAllAffirmations(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, Manual(2), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")},
		[]portfolio.PortfolioID{alicePf}, nil)
	require.NoError(t, err)

	env.clock.AdvanceTo(5)
	err = env.svc.ExecuteManualInstruction(env.ctx, "alice", id, nil, count(1, 0))
	assert.ErrorIs(t, err, ErrInstructionFailed)
	assert.Equal(t, StatusPending, env.status(id).Kind)
}

func TestLegOrderMatters(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	// Cap at 60%: nobody may hold more than 600 of 1000.
	env.registerAsset("ACME", alice, "1000", "60")
	env.credit(alicePf, "ACME", "400")
	env.credit(bobPf, "ACME", "600")
	venue := env.createVenue("alice")

	// Leg 0 reduces bob to 400 before leg 1 adds 150. Reversed, leg 1
	// would briefly push bob to 750 and fail compliance.
	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil, []Leg{
		fungibleLeg(bobPf, alicePf, "ACME", "200"),
		fungibleLeg(alicePf, bobPf, "ACME", "150"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(1, 0)))
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))

	env.advanceBlock()

	assert.Equal(t, StatusSuccess, env.status(id).Kind)
	aliceACME, _ := env.balance(alicePf, "ACME")
	bobACME, _ := env.balance(bobPf, "ACME")
	assert.True(t, aliceACME.Equal(dec("450")))
	assert.True(t, bobACME.Equal(dec("550")))
}

func TestRescheduleFailedInstruction(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "30")
	env.credit(alicePf, "ACME", "250")
	env.credit(bobPf, "ACME", "200")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "250")}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))
	env.advanceBlock()
	require.Equal(t, StatusFailed, env.status(id).Kind)

	// Rescheduling anything but a failed instruction is an error.
	err = env.svc.RescheduleInstruction(env.ctx, "alice", InstructionID(404))
	assert.ErrorIs(t, err, ErrUnknownInstruction)

	// A retry without fixing the cause fails again.
	require.NoError(t, env.svc.RescheduleInstruction(env.ctx, "alice", id))
	assert.Equal(t, StatusPending, env.status(id).Kind)
	env.advanceBlock()
	require.Equal(t, StatusFailed, env.status(id).Kind)

	// Bob unloads holdings so the cap is no longer breached, then a retry
	// settles.
	require.NoError(t, env.ports.MoveTokens(env.db, bobPf, alicePf, "ACME", dec("200")))
	require.NoError(t, env.svc.RescheduleInstruction(env.ctx, "alice", id))
	env.advanceBlock()
	assert.Equal(t, StatusSuccess, env.status(id).Kind)

	bobACME, _ := env.balance(bobPf, "ACME")
	assert.True(t, bobACME.Equal(dec("250")))

	err = env.svc.RescheduleInstruction(env.ctx, "alice", id)
	assert.ErrorIs(t, err, ErrInstructionNotFailed)
}

func TestFilteringRecheckedAtExecution(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))

	// The issuer locks the asset down between affirmation and execution.
	require.NoError(t, env.svc.SetVenueFiltering(env.ctx, "alice", "ACME", true))

	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))
	env.advanceBlock()

	assert.Equal(t, StatusFailed, env.status(id).Kind)
	unauthorized := env.rec.OfType(events.TypeVenueUnauthorized)
	require.Len(t, unauthorized, 1)
	assert.Equal(t, "ACME", unauthorized[0].Payload.(events.VenueUnauthorized).Ticker)

	// Allow-listing the venue and retrying settles it.
	require.NoError(t, env.svc.AllowVenues(env.ctx, "alice", "ACME", []VenueID{venue}))
	require.NoError(t, env.svc.RescheduleInstruction(env.ctx, "alice", id))
	env.advanceBlock()
	assert.Equal(t, StatusSuccess, env.status(id).Kind)
}

func TestManualExecution(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	_, malloryPf := env.newIdentity("mallory")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, Manual(3), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")},
		[]portfolio.PortfolioID{alicePf}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))

	// Manual settlement is gated on its block.
	err = env.svc.ExecuteManualInstruction(env.ctx, "alice", id, nil, count(1, 0))
	assert.ErrorIs(t, err, ErrSettleBlockNotReached)

	env.clock.AdvanceTo(3)

	// Without a portfolio the caller must be the venue creator.
	err = env.svc.ExecuteManualInstruction(env.ctx, "mallory", id, nil, count(1, 0))
	assert.ErrorIs(t, err, ErrUnauthorized)

	// With a portfolio the caller must be a party holding custody of it.
	err = env.svc.ExecuteManualInstruction(env.ctx, "mallory", id, &malloryPf, count(1, 0))
	assert.ErrorIs(t, err, ErrCallerIsNotAParty)

	err = env.svc.ExecuteManualInstruction(env.ctx, "bob", id, &bobPf, count(0, 0))
	assert.ErrorIs(t, err, ErrLegCountTooSmall)

	require.NoError(t, env.svc.ExecuteManualInstruction(env.ctx, "bob", id, &bobPf, count(1, 0)))
	assert.Equal(t, StatusSuccess, env.status(id).Kind)
	bobACME, _ := env.balance(bobPf, "ACME")
	assert.True(t, bobACME.Equal(dec("100")))

	require.Len(t, env.rec.OfType(events.TypeSettlementManuallyExecuted), 1)

	err = env.svc.ExecuteManualInstruction(env.ctx, "bob", id, &bobPf, count(1, 0))
	assert.ErrorIs(t, err, ErrCallerIsNotAParty)
}

func TestScheduledSettleOnBlock(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnBlock(3), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")}, nil)
	require.NoError(t, err)
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))

	env.advanceBlock() // block 2, nothing due yet
	assert.Equal(t, StatusPending, env.status(id).Kind)

	env.advanceBlock() // block 3
	assert.Equal(t, StatusSuccess, env.status(id).Kind)
	assert.Equal(t, uint64(3), env.status(id).Block)
}
