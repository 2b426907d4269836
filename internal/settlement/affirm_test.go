package settlement

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/custodia/internal/events"
	"github.com/Aidin1998/custodia/internal/portfolio"
)

func TestAffirmLocksAndCompletes(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.registerAsset("USDQ", alice, "100000", "0")
	env.credit(alicePf, "ACME", "500")
	env.credit(bobPf, "USDQ", "2000")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil, []Leg{
		fungibleLeg(alicePf, bobPf, "ACME", "100"),
		fungibleLeg(bobPf, alicePf, "USDQ", "1500"),
	}, nil)
	require.NoError(t, err)

	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))

	available, locked := env.balance(alicePf, "ACME")
	assert.True(t, available.Equal(dec("400")))
	assert.True(t, locked.Equal(dec("100")))

	_, statuses, err := env.svc.Legs(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LegExecutionPending, statuses[0].Kind)
	assert.Equal(t, LegPendingTokenLock, statuses[1].Kind)

	pending, err := env.svc.PendingAffirmations(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pending)
	assert.Equal(t, 0, env.sched.Pending())

	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(1, 0)))
	pending, err = env.svc.PendingAffirmations(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), pending)
	assert.Equal(t, 1, env.sched.Pending())

	env.advanceBlock()

	assert.Equal(t, StatusSuccess, env.status(id).Kind)
	aliceACME, _ := env.balance(alicePf, "ACME")
	bobACME, _ := env.balance(bobPf, "ACME")
	aliceUSDQ, _ := env.balance(alicePf, "USDQ")
	bobUSDQ, _ := env.balance(bobPf, "USDQ")
	assert.True(t, aliceACME.Equal(dec("400")))
	assert.True(t, bobACME.Equal(dec("100")))
	assert.True(t, aliceUSDQ.Equal(dec("1500")))
	assert.True(t, bobUSDQ.Equal(dec("500")))

	// Settled instructions keep only their terminal status.
	legs, _, err := env.svc.Legs(env.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, legs)
	require.Len(t, env.rec.OfType(events.TypeInstructionExecuted), 1)
}

func TestAffirmErrors(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "50")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")}, nil)
	require.NoError(t, err)

	err = env.svc.Affirm(env.ctx, "alice", id, nil, count(0, 0))
	assert.ErrorIs(t, err, ErrNoPortfolioProvided)

	// Affirming someone else's portfolio needs custody.
	err = env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, portfolio.ErrUnauthorizedCustodian)

	// The declared leg count must cover the actual sender legs.
	err = env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(0, 0))
	assert.ErrorIs(t, err, ErrLegCountTooSmall)

	// The sender only holds 50 of the 100 the leg moves.
	err = env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, ErrFailedToLockTokens)

	// A failed affirmation locks nothing.
	available, locked := env.balance(alicePf, "ACME")
	assert.True(t, available.Equal(dec("50")))
	assert.True(t, locked.IsZero())

	env.credit(alicePf, "ACME", "50")
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
	err = env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, ErrUnexpectedAffirmationStatus)

	err = env.svc.Affirm(env.ctx, "alice", InstructionID(404), []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, ErrUnknownInstruction)
}

func TestAffirmBlockGate(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnBlock(3), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")}, nil)
	require.NoError(t, err)

	env.clock.AdvanceTo(3)
	err = env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, ErrSettleBlockPassed)
}

func TestWithdrawAffirmation(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")}, nil)
	require.NoError(t, err)

	// Withdrawing before affirming is an error.
	err = env.svc.WithdrawAffirmation(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0))
	assert.ErrorIs(t, err, ErrUnexpectedAffirmationStatus)

	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
	require.NoError(t, env.svc.WithdrawAffirmation(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))

	available, locked := env.balance(alicePf, "ACME")
	assert.True(t, available.Equal(dec("100")))
	assert.True(t, locked.IsZero())

	_, statuses, err := env.svc.Legs(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, LegPendingTokenLock, statuses[0].Kind)

	pending, err := env.svc.PendingAffirmations(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), pending)

	// The cycle can repeat.
	require.NoError(t, env.svc.Affirm(env.ctx, "alice", id, []portfolio.PortfolioID{alicePf}, count(1, 0)))
}

func TestWithdrawCancelsScheduledExecution(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")},
		[]portfolio.PortfolioID{alicePf}, nil)
	require.NoError(t, err)

	require.NoError(t, env.svc.Affirm(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))
	require.Equal(t, 1, env.sched.Pending())

	require.NoError(t, env.svc.WithdrawAffirmation(env.ctx, "bob", id, []portfolio.PortfolioID{bobPf}, count(0, 0)))
	assert.Equal(t, 0, env.sched.Pending())

	env.advanceBlock()
	assert.Equal(t, StatusPending, env.status(id).Kind)
}

func TestRejectInstruction(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.newIdentity("mallory")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "100")
	venue := env.createVenue("alice")

	id, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")},
		[]portfolio.PortfolioID{alicePf}, nil)
	require.NoError(t, err)

	err = env.svc.RejectInstruction(env.ctx, "mallory", id, 1)
	assert.ErrorIs(t, err, ErrCallerIsNotAParty)

	err = env.svc.RejectInstruction(env.ctx, "bob", id, 0)
	assert.ErrorIs(t, err, ErrLegCountTooSmall)

	// The receiver can reject too; locks taken by the sender are released.
	require.NoError(t, env.svc.RejectInstruction(env.ctx, "bob", id, 1))
	assert.Equal(t, StatusRejected, env.status(id).Kind)

	available, locked := env.balance(alicePf, "ACME")
	assert.True(t, available.Equal(dec("100")))
	assert.True(t, locked.IsZero())

	legs, _, err := env.svc.Legs(env.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, legs)

	err = env.svc.RejectInstruction(env.ctx, "alice", id, 1)
	assert.ErrorIs(t, err, ErrInstructionNotPending)
}

func TestAddAndAffirm(t *testing.T) {
	env := newTestEnv(t)
	alice, alicePf := env.newIdentity("alice")
	_, bobPf := env.newIdentity("bob")
	env.registerAsset("ACME", alice, "1000", "0")
	env.credit(alicePf, "ACME", "500")
	venue := env.createVenue("alice")

	id, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "100")},
		[]portfolio.PortfolioID{alicePf}, nil)
	require.NoError(t, err)

	pending, err := env.svc.PendingAffirmations(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pending)

	_, locked := env.balance(alicePf, "ACME")
	assert.True(t, locked.Equal(dec("100")))

	// A failing affirmation aborts the creation with it.
	id2, err := env.svc.AddAndAffirmInstruction(env.ctx, "alice", venue, OnAffirmation(), nil, nil,
		[]Leg{fungibleLeg(alicePf, bobPf, "ACME", "9999")},
		[]portfolio.PortfolioID{alicePf}, nil)
	assert.ErrorIs(t, err, ErrFailedToLockTokens)
	instruction, err := env.svc.Instruction(env.ctx, id2)
	require.NoError(t, err)
	assert.Equal(t, StatusUnknown, instruction.Status.Kind)
}
