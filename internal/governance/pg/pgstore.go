package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"bbsns.org/internal/governance"
)

// Store is the durable proposal store backed by Postgres.
type Store struct {
	db *sql.DB
}

var (
	_ governance.Store           = (*Store)(nil)
	_ governance.SignerDirectory = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

const proposalColumns = `
	p.id, p.type, p.title, p.description, p.target_id, p.proposer_id,
	p.status, p.threshold, p.participation_scope, p.created_at, p.expires_at,
	p.on_chain_tx_index, p.on_chain_submission_time, p.on_chain_confirmations, p.on_chain_executed,
	coalesce(t.approvals, 0), coalesce(t.rejections, 0)`

const proposalTallyJoin = `
	left join (
		select proposal_id,
			count(*) filter (where decision = 'approve') as approvals,
			count(*) filter (where decision = 'reject') as rejections
		from votes group by proposal_id
	) t on t.proposal_id = p.id`

func (s *Store) CreateProposal(ctx context.Context, p *governance.Proposal) error {
	return s.db.QueryRowContext(ctx, `
		insert into proposals(type, title, description, target_id, proposer_id,
			status, threshold, participation_scope, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		returning id
	`, p.Type, p.Title, p.Description, p.TargetID, p.ProposerID,
		p.Status, p.Threshold, p.Scope, p.CreatedAt, p.ExpiresAt).Scan(&p.ID)
}

func (s *Store) Proposal(ctx context.Context, id uint64) (governance.Proposal, error) {
	row := s.db.QueryRowContext(ctx, `
		select `+proposalColumns+`
		from proposals p`+proposalTallyJoin+`
		where p.id = $1
	`, id)
	p, err := scanProposal(row)
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Proposal{}, governance.ErrNotFound
	}
	return p, err
}

func (s *Store) Proposals(ctx context.Context) ([]governance.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+proposalColumns+`
		from proposals p`+proposalTallyJoin+`
		order by p.id desc
	`)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

func (s *Store) ProposalsByStatus(ctx context.Context, status governance.Status) ([]governance.Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+proposalColumns+`
		from proposals p`+proposalTallyJoin+`
		where p.status = $1
		order by p.id desc
	`, status)
	if err != nil {
		return nil, err
	}
	return collectProposals(rows)
}

// TransitionStatus performs the conditional update that backs the state
// machine. Exactly one row changes on success; zero rows means either a
// missing proposal or a lost race, disambiguated with a follow-up read.
func (s *Store) TransitionStatus(ctx context.Context, id uint64, from, to governance.Status) error {
	res, err := s.db.ExecContext(ctx, `
		update proposals set status = $3 where id = $1 and status = $2
	`, id, from, to)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from proposals where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return governance.ErrNotFound
	}
	return governance.ErrConflict
}

func (s *Store) SetOnChain(ctx context.Context, id uint64, txIndex uint64, submitted time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update proposals
		set on_chain_tx_index = $2, on_chain_submission_time = $3
		where id = $1
	`, id, txIndex, submitted.UTC())
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *Store) UpdateMirror(ctx context.Context, id uint64, confirmations int, executed bool) error {
	res, err := s.db.ExecContext(ctx, `
		update proposals
		set on_chain_confirmations = $2, on_chain_executed = $3
		where id = $1
	`, id, confirmations, executed)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *Store) UpsertVote(ctx context.Context, v *governance.Vote) error {
	res, err := s.db.ExecContext(ctx, `
		insert into votes(proposal_id, voter_id, decision, signature, signed_at_ms, cast_at)
		select $1,$2,$3,$4,$5,$6
		where exists(select 1 from proposals where id = $1)
		on conflict (proposal_id, voter_id) do update
		set decision = excluded.decision,
			signature = excluded.signature,
			signed_at_ms = excluded.signed_at_ms,
			cast_at = excluded.cast_at
	`, v.ProposalID, v.VoterID, v.Decision, v.Signature, v.Timestamp, v.CastAt)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

func (s *Store) Votes(ctx context.Context, proposalID uint64) ([]governance.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		select proposal_id, voter_id, decision, signature, signed_at_ms, cast_at
		from votes
		where proposal_id = $1
		order by voter_id asc
	`, proposalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []governance.Vote
	for rows.Next() {
		var v governance.Vote
		if err := rows.Scan(&v.ProposalID, &v.VoterID, &v.Decision, &v.Signature, &v.Timestamp, &v.CastAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) Signer(ctx context.Context, voterID string) (governance.Signer, error) {
	var sg governance.Signer
	err := s.db.QueryRowContext(ctx, `
		select id, address, role from signers where id = $1
	`, voterID).Scan(&sg.ID, &sg.Address, &sg.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return governance.Signer{}, governance.ErrNotFound
	}
	return sg, err
}

func (s *Store) EligibleCount(ctx context.Context, scope governance.Scope) (int, error) {
	query := `select count(*) from signers`
	switch scope {
	case governance.ScopeAdmin:
		query += ` where role = 'admin'`
	case governance.ScopeNotary:
		query += ` where role = 'notary'`
	case governance.ScopeAll:
		query += ` where role in ('admin','notary')`
	}
	var n int
	err := s.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// UpsertSigner syncs a directory entry, normally from on-chain settings.
func (s *Store) UpsertSigner(ctx context.Context, sg governance.Signer) error {
	_, err := s.db.ExecContext(ctx, `
		insert into signers(id, address, role) values ($1,$2,$3)
		on conflict (id) do update set address = excluded.address, role = excluded.role
	`, sg.ID, sg.Address, sg.Role)
	return err
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (governance.Proposal, error) {
	var (
		p       governance.Proposal
		txIdx   sql.NullInt64
		subTime sql.NullTime
		desc    sql.NullString
	)
	err := row.Scan(&p.ID, &p.Type, &p.Title, &desc, &p.TargetID, &p.ProposerID,
		&p.Status, &p.Threshold, &p.Scope, &p.CreatedAt, &p.ExpiresAt,
		&txIdx, &subTime, &p.OnChainConfirmations, &p.OnChainExecuted,
		&p.Approvals, &p.Rejections)
	if err != nil {
		return governance.Proposal{}, err
	}
	p.Description = desc.String
	if txIdx.Valid {
		idx := uint64(txIdx.Int64)
		p.OnChainTxIndex = &idx
	}
	if subTime.Valid {
		t := subTime.Time.UTC()
		p.OnChainSubmissionTime = &t
	}
	return p, nil
}

func collectProposals(rows *sql.Rows) ([]governance.Proposal, error) {
	defer rows.Close()
	var out []governance.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return governance.ErrNotFound
	}
	return nil
}
