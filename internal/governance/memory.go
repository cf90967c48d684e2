package governance

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. Suitable for
// tests and single-node deployments; the pg package provides the durable
// implementation.
type InMemory struct {
	mu        sync.RWMutex
	nextID    uint64
	proposals map[uint64]*Proposal
	votes     map[uint64]map[string]Vote // proposalID -> voterID -> vote
}

// NewInMemory creates an empty proposal store.
func NewInMemory() *InMemory {
	return &InMemory{
		nextID:    1,
		proposals: make(map[uint64]*Proposal),
		votes:     make(map[uint64]map[string]Vote),
	}
}

var _ Store = (*InMemory)(nil)

func (s *InMemory) CreateProposal(ctx context.Context, p *Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.ID = s.nextID
	s.nextID++
	cp := *p
	s.proposals[cp.ID] = &cp
	s.votes[cp.ID] = make(map[string]Vote)
	return nil
}

func (s *InMemory) Proposal(ctx context.Context, id uint64) (Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.proposals[id]
	if !ok {
		return Proposal{}, ErrNotFound
	}
	return s.withTallies(*p), nil
}

func (s *InMemory) Proposals(ctx context.Context) ([]Proposal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Proposal, 0, len(s.proposals))
	for _, p := range s.proposals {
		out = append(out, s.withTallies(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *InMemory) ProposalsByStatus(ctx context.Context, status Status) ([]Proposal, error) {
	all, err := s.Proposals(ctx)
	if err != nil {
		return nil, err
	}
	filtered := all[:0]
	for _, p := range all {
		if p.Status == status {
			filtered = append(filtered, p)
		}
	}
	return filtered, nil
}

func (s *InMemory) TransitionStatus(ctx context.Context, id uint64, from, to Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status != from {
		return ErrConflict
	}
	p.Status = to
	return nil
}

func (s *InMemory) SetOnChain(ctx context.Context, id uint64, txIndex uint64, submitted time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	idx := txIndex
	sub := submitted.UTC()
	p.OnChainTxIndex = &idx
	p.OnChainSubmissionTime = &sub
	return nil
}

func (s *InMemory) UpdateMirror(ctx context.Context, id uint64, confirmations int, executed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.proposals[id]
	if !ok {
		return ErrNotFound
	}
	p.OnChainConfirmations = confirmations
	p.OnChainExecuted = executed
	return nil
}

func (s *InMemory) UpsertVote(ctx context.Context, v *Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byVoter, ok := s.votes[v.ProposalID]
	if !ok {
		return ErrNotFound
	}
	byVoter[v.VoterID] = *v
	return nil
}

func (s *InMemory) Votes(ctx context.Context, proposalID uint64) ([]Vote, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVoter, ok := s.votes[proposalID]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Vote, 0, len(byVoter))
	for _, v := range byVoter {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VoterID < out[j].VoterID })
	return out, nil
}

// withTallies must be called with at least the read lock held.
func (s *InMemory) withTallies(p Proposal) Proposal {
	tally := TallyVotes(mapValues(s.votes[p.ID]))
	p.Approvals = tally.Approvals
	p.Rejections = tally.Rejections
	return p
}

func mapValues(m map[string]Vote) []Vote {
	out := make([]Vote, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return out
}

// StaticDirectory is a fixed signer set resolved from configuration or the
// on-chain settings at startup.
type StaticDirectory struct {
	mu      sync.RWMutex
	signers map[string]Signer
}

// NewStaticDirectory builds a directory keyed by signer ID.
func NewStaticDirectory(signers []Signer) *StaticDirectory {
	d := &StaticDirectory{signers: make(map[string]Signer, len(signers))}
	for _, s := range signers {
		d.signers[s.ID] = s
	}
	return d
}

var _ SignerDirectory = (*StaticDirectory)(nil)

func (d *StaticDirectory) Signer(ctx context.Context, voterID string) (Signer, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	s, ok := d.signers[voterID]
	if !ok {
		return Signer{}, ErrNotFound
	}
	return s, nil
}

func (d *StaticDirectory) EligibleCount(ctx context.Context, scope Scope) (int, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, s := range d.signers {
		if Eligible(scope, strings.ToLower(s.Role)) {
			count++
		}
	}
	return count, nil
}

// Put inserts or replaces a signer entry.
func (d *StaticDirectory) Put(s Signer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signers[s.ID] = s
}
