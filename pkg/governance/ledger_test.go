package governance

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mupoese/lawcycle/pkg/law"
)

func testConfig() *law.Config {
	cfg := law.DefaultConfig()
	cfg.Voters = []string{"alice", "bob", "carol"}
	return cfg
}

func testLedger(t *testing.T, cfg *law.Config) (*Ledger, *time.Time) {
	t.Helper()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	ledger, err := NewLedger(cfg, NewLog().WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	ledger.WithClock(func() time.Time { return now })
	return ledger, &now
}

func openVoting(t *testing.T, ledger *Ledger) *Proposal {
	t.Helper()
	params := law.DefaultParameters()
	params.DeviationThreshold = 0.15
	p, err := ledger.Open(params, "alice", "observed systematic drift")
	require.NoError(t, err)
	require.Equal(t, StatusPending, p.Status)
	require.NoError(t, ledger.StartVoting(p.ID))
	return p
}

func TestTwoThirdsApproves(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "carol", ChoiceReject))

	status, err := ledger.Resolve(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, status)

	active, err := ledger.ActiveLaw()
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", active.Version)
	assert.Equal(t, 0.15, active.Params.DeviationThreshold)

	history := ledger.LawHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "1.0.0", history[0].Version)
	assert.False(t, history[0].Active)
}

func TestOneThirdRejects(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceReject))
	require.NoError(t, ledger.CastVote(p.ID, "carol", ChoiceReject))

	got, err := ledger.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)

	active, err := ledger.ActiveLaw()
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", active.Version, "rejected proposal has no effect")
}

func TestExpiresBelowQuorumAtDeadline(t *testing.T) {
	ledger, now := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceApprove))

	status, err := ledger.Resolve(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusVoting, status, "undecided before deadline")

	*now = now.Add(8 * 24 * time.Hour)
	status, err = ledger.Resolve(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, status)

	err = ledger.CastVote(p.ID, "carol", ChoiceApprove)
	assert.ErrorIs(t, err, ErrProposalNotInVotingState)
}

func TestAbstentionsExcludedFromRatio(t *testing.T) {
	cfg := testConfig()
	cfg.Voters = []string{"alice", "bob", "carol", "dave"}
	ledger, _ := testLedger(t, cfg)
	p := openVoting(t, ledger)

	// 2 approve, 1 reject, 1 abstain: quorum of 3 met by 4 cast votes,
	// ratio is 2/3 over the non-abstaining ballots
	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceApprove))
	require.NoError(t, ledger.CastVote(p.ID, "dave", ChoiceReject))
	require.NoError(t, ledger.CastVote(p.ID, "carol", ChoiceAbstain))

	got, err := ledger.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, got.Status)
}

func TestDuplicateVoteRejected(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceApprove))
	err := ledger.CastVote(p.ID, "alice", ChoiceReject)
	assert.ErrorIs(t, err, ErrDuplicateVote)

	votes, err := ledger.Votes(p.ID)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, ChoiceApprove, votes[0].Choice, "first ballot stands")
}

func TestUnknownVoterAndChoice(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	assert.ErrorIs(t, ledger.CastVote(p.ID, "mallory", ChoiceApprove), ErrUnknownVoter)
	assert.ErrorIs(t, ledger.CastVote(p.ID, "alice", Choice("maybe")), ErrInvalidChoice)
	assert.ErrorIs(t, ledger.CastVote("prop-missing", "alice", ChoiceApprove), ErrUnknownProposal)
}

func TestCoreLawVotingSerialized(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	first := openVoting(t, ledger)

	second, err := ledger.Open(law.DefaultParameters(), "bob", "competing change")
	require.NoError(t, err)
	assert.ErrorIs(t, ledger.StartVoting(second.ID), ErrVotingInProgress)

	// resolving the first frees the slot
	require.NoError(t, ledger.CastVote(first.ID, "alice", ChoiceReject))
	require.NoError(t, ledger.CastVote(first.ID, "bob", ChoiceReject))
	assert.NoError(t, ledger.StartVoting(second.ID))
}

func TestEarlyRejectOnceImpossible(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p := openVoting(t, ledger)

	// two rejections out of three voters make approval unreachable
	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceReject))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceReject))

	got, err := ledger.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, got.Status)
}

func TestCannotVoteOnPendingProposal(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p, err := ledger.Open(law.DefaultParameters(), "alice", "change")
	require.NoError(t, err)

	err = ledger.CastVote(p.ID, "alice", ChoiceApprove)
	assert.ErrorIs(t, err, ErrProposalNotInVotingState)
}

func TestProtectedSnapshots(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	p, err := ledger.Open(law.DefaultParameters(), "alice", "drift",
		"snap-000000000001-1", "snap-000000000002-2")
	require.NoError(t, err)

	protected := ledger.ProtectedSnapshots()
	assert.True(t, protected["snap-000000000001-1"])
	assert.True(t, protected["snap-000000000002-2"])

	require.NoError(t, ledger.StartVoting(p.ID))
	require.NoError(t, ledger.CastVote(p.ID, "alice", ChoiceReject))
	require.NoError(t, ledger.CastVote(p.ID, "bob", ChoiceReject))
	assert.Empty(t, ledger.ProtectedSnapshots(), "terminal proposals release evidence")
}

func TestStatusSummary(t *testing.T) {
	ledger, _ := testLedger(t, testConfig())
	openVoting(t, ledger)
	_, err := ledger.Open(law.DefaultParameters(), "bob", "later change")
	require.NoError(t, err)

	st := ledger.Status()
	assert.Equal(t, "1.0.0", st.ActiveLawVersion)
	assert.Equal(t, 3, st.VoterCount)
	assert.Equal(t, 1, st.Proposals[StatusVoting])
	assert.Equal(t, 1, st.Proposals[StatusPending])
	assert.Positive(t, st.LogEntries)
}

func TestResolutionDeterministicInVoteSequence(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 50
	properties := gopter.NewProperties(params)

	choices := []Choice{ChoiceApprove, ChoiceReject, ChoiceAbstain}
	voters := []string{"alice", "bob", "carol"}

	run := func(ballot []int) Status {
		cfg := testConfig()
		now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
		ledger, err := NewLedger(cfg, NewLog().WithClock(func() time.Time { return now }))
		if err != nil {
			return ""
		}
		ledger.WithClock(func() time.Time { return now })
		p, err := ledger.Open(law.DefaultParameters(), "alice", "drift")
		if err != nil {
			return ""
		}
		if err := ledger.StartVoting(p.ID); err != nil {
			return ""
		}
		for i, c := range ballot {
			_ = ledger.CastVote(p.ID, voters[i], choices[c])
		}
		got, err := ledger.GetProposal(p.ID)
		if err != nil {
			return ""
		}
		return got.Status
	}

	properties.Property("same ballot sequence always resolves the same way", prop.ForAll(
		func(a, b, c int) bool {
			first := run([]int{a, b, c})
			second := run([]int{a, b, c})
			return first != "" && first == second
		},
		gen.IntRange(0, 2), gen.IntRange(0, 2), gen.IntRange(0, 2),
	))

	properties.TestingRun(t)
}
