// Package governance keeps proposal and vote bookkeeping for law
// changes. Every state transition lands in a hash-chained activity log
// so the history of who changed what, and when, is tamper-evident.
package governance

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mupoese/lawcycle/pkg/law"
)

var (
	ErrUnknownProposal          = errors.New("unknown proposal")
	ErrUnknownVoter             = errors.New("voter not in registry")
	ErrInvalidChoice            = errors.New("invalid vote choice")
	ErrDuplicateVote            = errors.New("duplicate vote")
	ErrProposalNotInVotingState = errors.New("proposal not in voting state")
	ErrVotingInProgress         = errors.New("another core law proposal is in voting")
	ErrNoActiveLaw              = errors.New("no active law")
)

// Status is the proposal lifecycle state. Transitions run one way:
// Pending to Voting, then exactly one of Approved, Rejected or Expired.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVoting   Status = "voting"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusExpired
}

// Choice is one voter's ballot option.
type Choice string

const (
	ChoiceApprove Choice = "approve"
	ChoiceReject  Choice = "reject"
	ChoiceAbstain Choice = "abstain"
)

// Proposal is a request to replace the active law's parameters.
type Proposal struct {
	ID             string         `json:"id"`
	Category       string         `json:"category"`
	ProposedParams law.Parameters `json:"proposed_parameters"`
	Proposer       string         `json:"proposer"`
	Reason         string         `json:"reason,omitempty"`
	EvidenceIDs    []string       `json:"evidence_snapshot_ids,omitempty"`
	OpenedAt       time.Time      `json:"opened_at"`
	VotingDeadline time.Time      `json:"voting_deadline"`
	Status         Status         `json:"status"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
}

// Vote is one recorded ballot.
type Vote struct {
	ProposalID string    `json:"proposal_id"`
	VoterID    string    `json:"voter_id"`
	Choice     Choice    `json:"choice"`
	CastAt     time.Time `json:"cast_at"`
}

// CategoryCoreLaw is the serialized governance category: at most one
// proposal of this category may be in Voting at a time.
const CategoryCoreLaw = "core-law"

// Ledger owns the proposal registry, the vote book, and the active law.
// All mutation happens under one lock so the duplicate-vote check and
// the eager resolution after each vote are race-free.
type Ledger struct {
	mu        sync.Mutex
	quorum    int
	ratio     float64
	votingFor time.Duration
	voters    map[string]bool

	proposals map[string]*Proposal
	votes     map[string]map[string]Vote // proposal id -> voter id -> vote
	active    *law.Law
	history   []*law.Law

	log   *Log
	clock func() time.Time
}

// NewLedger builds a ledger from the governance configuration, activating
// the configured law version.
func NewLedger(cfg *law.Config, activity *Log) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	active, err := law.New(cfg.ActiveLawVersion, cfg.Parameters)
	if err != nil {
		return nil, err
	}
	active.Active = true
	active.ActivatedAt = time.Now().UTC()

	voters := make(map[string]bool, len(cfg.Voters))
	for _, v := range cfg.Voters {
		voters[v] = true
	}
	if activity == nil {
		activity = NewLog()
	}
	return &Ledger{
		quorum:    cfg.QuorumSize,
		ratio:     cfg.ApprovalRatio,
		votingFor: cfg.VotingDeadline(),
		voters:    voters,
		proposals: make(map[string]*Proposal),
		votes:     make(map[string]map[string]Vote),
		active:    active,
		log:       activity,
		clock:     time.Now,
	}, nil
}

// WithClock overrides the clock for testing.
func (l *Ledger) WithClock(clock func() time.Time) *Ledger {
	l.clock = clock
	return l
}

// Open registers a Pending proposal against the active law. Evidence ids
// name the snapshots that motivated it; those snapshots are protected
// from retention cleanup while the proposal is open.
func (l *Ledger) Open(params law.Parameters, proposer, reason string, evidenceIDs ...string) (*Proposal, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock().UTC()
	p := &Proposal{
		ID:             "prop-" + uuid.NewString(),
		Category:       CategoryCoreLaw,
		ProposedParams: params,
		Proposer:       proposer,
		Reason:         reason,
		EvidenceIDs:    evidenceIDs,
		OpenedAt:       now,
		VotingDeadline: now.Add(l.votingFor),
		Status:         StatusPending,
	}
	l.proposals[p.ID] = p
	l.votes[p.ID] = make(map[string]Vote)

	_, err := l.log.Append(EventProposalOpened, p.ID, proposer, map[string]any{
		"reason":   reason,
		"evidence": evidenceIDs,
	})
	if err != nil {
		return nil, err
	}
	return l.copyProposal(p), nil
}

// StartVoting moves a Pending proposal into Voting. Core law governance
// is serialized: a second proposal cannot enter Voting while one is open.
func (l *Ledger) StartVoting(proposalID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if p.Status != StatusPending {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotInVotingState, proposalID, p.Status)
	}
	for _, other := range l.proposals {
		if other.ID != p.ID && other.Category == p.Category && other.Status == StatusVoting {
			return fmt.Errorf("%w: %s", ErrVotingInProgress, other.ID)
		}
	}

	now := l.clock().UTC()
	p.Status = StatusVoting
	p.VotingDeadline = now.Add(l.votingFor)

	_, err := l.log.Append(EventVotingStarted, p.ID, p.Proposer, map[string]any{
		"voting_deadline": p.VotingDeadline,
	})
	return err
}

// CastVote records one ballot and eagerly re-resolves the proposal. A
// voter outside the registry, a second ballot from the same voter, and
// a ballot on a non-Voting proposal are all rejected synchronously.
func (l *Ledger) CastVote(proposalID, voterID string, choice Choice) error {
	switch choice {
	case ChoiceApprove, ChoiceReject, ChoiceAbstain:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidChoice, choice)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.voters[voterID] {
		return fmt.Errorf("%w: %s", ErrUnknownVoter, voterID)
	}
	p, ok := l.proposals[proposalID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}

	now := l.clock().UTC()
	if p.Status == StatusVoting && now.After(p.VotingDeadline) {
		if err := l.resolveLocked(p, now); err != nil {
			return err
		}
	}
	if p.Status != StatusVoting {
		return fmt.Errorf("%w: %s is %s", ErrProposalNotInVotingState, proposalID, p.Status)
	}
	if _, voted := l.votes[p.ID][voterID]; voted {
		return fmt.Errorf("%w: %s already voted on %s", ErrDuplicateVote, voterID, proposalID)
	}

	l.votes[p.ID][voterID] = Vote{
		ProposalID: p.ID,
		VoterID:    voterID,
		Choice:     choice,
		CastAt:     now,
	}
	if _, err := l.log.Append(EventVoteCast, p.ID, voterID, map[string]any{
		"choice": string(choice),
	}); err != nil {
		return err
	}
	return l.resolveLocked(p, now)
}

// Resolve recomputes the proposal status against the recorded votes and
// the clock, and returns the (possibly terminal) status.
func (l *Ledger) Resolve(proposalID string) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.proposals[proposalID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	if err := l.resolveLocked(p, l.clock().UTC()); err != nil {
		return "", err
	}
	return p.Status, nil
}

// resolveLocked applies the quorum rules. Outcomes are deterministic in
// the recorded vote sequence. Before the deadline a proposal resolves
// early only once the outcome cannot change whatever the remaining
// registry voters do; past the deadline, quorum shortfall means Expired.
func (l *Ledger) resolveLocked(p *Proposal, now time.Time) error {
	if p.Status != StatusVoting {
		return nil
	}

	var approve, reject, abstain int
	for _, v := range l.votes[p.ID] {
		switch v.Choice {
		case ChoiceApprove:
			approve++
		case ChoiceReject:
			reject++
		case ChoiceAbstain:
			abstain++
		}
	}
	cast := approve + reject + abstain
	remaining := len(l.voters) - cast
	pastDeadline := now.After(p.VotingDeadline)

	var next Status
	switch {
	case pastDeadline && cast < l.quorum:
		next = StatusExpired
	case pastDeadline:
		if ratioMet(approve, approve+reject, l.ratio) {
			next = StatusApproved
		} else {
			next = StatusRejected
		}
	case cast >= l.quorum && ratioMet(approve, approve+reject+remaining, l.ratio):
		// even if every remaining voter rejects, the ratio holds
		next = StatusApproved
	case !ratioMet(approve+remaining, approve+reject+remaining, l.ratio):
		// even if every remaining voter approves, the ratio cannot be met
		next = StatusRejected
	default:
		return nil // still undecided
	}

	p.Status = next
	resolved := now
	p.ResolvedAt = &resolved
	if _, err := l.log.Append(EventProposalResolved, p.ID, "", map[string]any{
		"status":  string(next),
		"approve": approve,
		"reject":  reject,
		"abstain": abstain,
	}); err != nil {
		return err
	}

	if next == StatusApproved {
		return l.activateLocked(p, now)
	}
	return nil
}

// ratioMet compares approve/denominator against the threshold in tenths
// of a percent, so a 2-of-3 vote meets the documented 66.7% bar without
// tripping over binary float representation.
func ratioMet(approve, denominator int, threshold float64) bool {
	if denominator <= 0 {
		return false
	}
	got := int(math.Round(float64(approve) / float64(denominator) * 1000))
	want := int(math.Round(threshold * 1000))
	return got >= want
}

// activateLocked retires the current law and activates the proposal's
// parameters under a minor-bumped version.
func (l *Ledger) activateLocked(p *Proposal, now time.Time) error {
	if l.active == nil {
		return ErrNoActiveLaw
	}
	version, err := law.NextVersion(l.active.Version)
	if err != nil {
		return err
	}
	next, err := law.New(version, p.ProposedParams)
	if err != nil {
		return err
	}
	next.Active = true
	next.ActivatedAt = now

	l.active.Active = false
	l.history = append(l.history, l.active)
	l.active = next

	_, err = l.log.Append(EventLawActivated, p.ID, "", map[string]any{
		"version": version,
	})
	return err
}

// Escalate records a governance escalation without opening a proposal,
// used when proposal creation is throttled or refused.
func (l *Ledger) Escalate(reason string, detail map[string]any) error {
	_, err := l.log.Append(EventEscalation, "", "", mergeDetail(detail, "reason", reason))
	return err
}

func mergeDetail(detail map[string]any, key string, value any) map[string]any {
	out := map[string]any{key: value}
	for k, v := range detail {
		out[k] = v
	}
	return out
}

// ActiveLaw returns a copy of the currently active law.
func (l *Ledger) ActiveLaw() (*law.Law, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == nil {
		return nil, ErrNoActiveLaw
	}
	cp := *l.active
	return &cp, nil
}

// LawHistory returns retired law versions oldest first.
func (l *Ledger) LawHistory() []*law.Law {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*law.Law, 0, len(l.history))
	for _, old := range l.history {
		cp := *old
		out = append(out, &cp)
	}
	return out
}

// GetProposal returns a copy of the proposal.
func (l *Ledger) GetProposal(proposalID string) (*Proposal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	p, ok := l.proposals[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	return l.copyProposal(p), nil
}

// ActiveProposals returns non-terminal proposals ordered by opening time.
func (l *Ledger) ActiveProposals() []*Proposal {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []*Proposal
	for _, p := range l.proposals {
		if !p.Status.Terminal() {
			out = append(out, l.copyProposal(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OpenedAt.Equal(out[j].OpenedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].OpenedAt.Before(out[j].OpenedAt)
	})
	return out
}

// Votes returns the recorded ballots for a proposal ordered by cast time.
func (l *Ledger) Votes(proposalID string) ([]Vote, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	book, ok := l.votes[proposalID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProposal, proposalID)
	}
	out := make([]Vote, 0, len(book))
	for _, v := range book {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CastAt.Equal(out[j].CastAt) {
			return out[i].VoterID < out[j].VoterID
		}
		return out[i].CastAt.Before(out[j].CastAt)
	})
	return out, nil
}

// ProtectedSnapshots returns the evidence ids of open proposals, the set
// retention cleanup must not delete.
func (l *Ledger) ProtectedSnapshots() map[string]bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]bool)
	for _, p := range l.proposals {
		if p.Status.Terminal() {
			continue
		}
		for _, id := range p.EvidenceIDs {
			out[id] = true
		}
	}
	return out
}

// GovernanceStatus summarizes the ledger for reporting tools.
type GovernanceStatus struct {
	ActiveLawVersion string         `json:"active_law_version"`
	VoterCount       int            `json:"voter_count"`
	QuorumSize       int            `json:"quorum_size"`
	ApprovalRatio    float64        `json:"approval_ratio"`
	Proposals        map[Status]int `json:"proposals"`
	LogEntries       int            `json:"log_entries"`
}

// Status summarizes ledger state.
func (l *Ledger) Status() GovernanceStatus {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[Status]int)
	for _, p := range l.proposals {
		counts[p.Status]++
	}
	version := ""
	if l.active != nil {
		version = l.active.Version
	}
	return GovernanceStatus{
		ActiveLawVersion: version,
		VoterCount:       len(l.voters),
		QuorumSize:       l.quorum,
		ApprovalRatio:    l.ratio,
		Proposals:        counts,
		LogEntries:       len(l.log.Entries()),
	}
}

// Log exposes the activity log for verification and reporting.
func (l *Ledger) Log() *Log {
	return l.log
}

func (l *Ledger) copyProposal(p *Proposal) *Proposal {
	cp := *p
	if p.EvidenceIDs != nil {
		cp.EvidenceIDs = append([]string(nil), p.EvidenceIDs...)
	}
	if p.ResolvedAt != nil {
		resolved := *p.ResolvedAt
		cp.ResolvedAt = &resolved
	}
	return &cp
}
