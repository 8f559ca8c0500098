package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/efreitasn/minimarket/internal/domain"
)

// SQLite is the persistent Store implementation. WAL mode allows
// concurrent readers; every multi-step operation runs inside one
// transaction.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens (or creates) the database at path and initializes the
// schema.
func NewSQLite(path string) (*SQLite, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS proposals (
		id              TEXT PRIMARY KEY,
		owner           TEXT NOT NULL,
		properties      TEXT NOT NULL,
		constraints     TEXT NOT NULL,
		issuer          TEXT NOT NULL,
		prev_id         TEXT,
		prev_owner      TEXT,
		state           TEXT NOT NULL,
		subscription_id TEXT NOT NULL,
		offer_id        TEXT NOT NULL,
		demand_id       TEXT NOT NULL,
		provider_id     TEXT NOT NULL,
		requestor_id    TEXT NOT NULL,
		countered       INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_proposals_subscription ON proposals(subscription_id);

	CREATE TABLE IF NOT EXISTS market_events (
		seq             INTEGER PRIMARY KEY AUTOINCREMENT,
		id              TEXT NOT NULL UNIQUE,
		subscription_id TEXT NOT NULL,
		owner           TEXT NOT NULL,
		type            TEXT NOT NULL,
		proposal_id     TEXT NOT NULL,
		reason          TEXT NOT NULL DEFAULT '',
		timestamp       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_queue ON market_events(subscription_id, owner, timestamp, seq);

	CREATE TABLE IF NOT EXISTS agreements (
		id                 TEXT PRIMARY KEY,
		owner              TEXT NOT NULL,
		provider_id        TEXT NOT NULL,
		requestor_id       TEXT NOT NULL,
		session_id         TEXT NOT NULL DEFAULT '',
		state              TEXT NOT NULL,
		termination_reason TEXT NOT NULL DEFAULT '',
		terminated_by      TEXT NOT NULL DEFAULT '',
		created_at         TEXT NOT NULL,
		valid_to           TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agreement_events (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		agreement_id TEXT NOT NULL,
		agreement_owner TEXT NOT NULL,
		provider_id  TEXT NOT NULL,
		requestor_id TEXT NOT NULL,
		session_id   TEXT NOT NULL DEFAULT '',
		terminator   TEXT NOT NULL,
		reason       TEXT NOT NULL DEFAULT '',
		timestamp    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agreement_events_ts ON agreement_events(timestamp, seq);

	CREATE TABLE IF NOT EXISTS subscriptions (
		id          TEXT PRIMARY KEY,
		owner       TEXT NOT NULL,
		node_id     TEXT NOT NULL,
		properties  TEXT NOT NULL,
		constraints TEXT NOT NULL,
		created_at  TEXT NOT NULL,
		expires_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const timeLayout = time.RFC3339Nano

func fmtTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

// withTx runs fn inside a transaction, committing on nil and rolling
// back otherwise.
func (s *SQLite) withTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func marshalStrings(ss []string) string {
	b, err := json.Marshal(ss)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func unmarshalStrings(s string) []string {
	var out []string
	_ = json.Unmarshal([]byte(s), &out)
	return out
}

// SaveProposal stores a proposal and marks its predecessor countered,
// all in one transaction.
func (s *SQLite) SaveProposal(p *domain.Proposal) error {
	return s.withTx(func(tx *sql.Tx) error {
		if prev := p.Body.PrevProposalID; prev != nil {
			var countered int
			err := tx.QueryRow(`SELECT countered FROM proposals WHERE id = ?`, prev.ID).Scan(&countered)
			switch {
			case errors.Is(err, sql.ErrNoRows):
				// First proposal chains may start from a predecessor this
				// node never stored; nothing to mark.
			case err != nil:
				return err
			case countered != 0:
				return domain.ErrAlreadyCountered
			default:
				if _, err := tx.Exec(`UPDATE proposals SET countered = 1 WHERE id = ?`, prev.ID); err != nil {
					return err
				}
			}
		}

		var prevID, prevOwner any
		if p.Body.PrevProposalID != nil {
			prevID = p.Body.PrevProposalID.ID
			prevOwner = string(p.Body.PrevProposalID.Owner)
		}
		_, err := tx.Exec(
			`INSERT INTO proposals (id, owner, properties, constraints, issuer, prev_id, prev_owner,
			 state, subscription_id, offer_id, demand_id, provider_id, requestor_id, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Body.ID.ID, string(p.Body.ID.Owner), marshalStrings(p.Body.Properties),
			p.Body.Constraints, string(p.Body.Issuer), prevID, prevOwner,
			string(p.State), string(p.Negotiation.SubscriptionID),
			string(p.Negotiation.OfferID), string(p.Negotiation.DemandID),
			string(p.Negotiation.ProviderID), string(p.Negotiation.RequestorID),
			fmtTime(p.Body.CreatedAt),
		)
		return err
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProposal(row rowScanner) (*domain.Proposal, error) {
	var (
		p                  domain.Proposal
		owner, issuer      string
		props, state       string
		prevID, prevOwner  sql.NullString
		sub, offer, demand string
		provider, req      string
		createdAt          string
	)
	err := row.Scan(&p.Body.ID.ID, &owner, &props, &p.Body.Constraints, &issuer,
		&prevID, &prevOwner, &state, &sub, &offer, &demand, &provider, &req, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProposalNotFound
	}
	if err != nil {
		return nil, err
	}
	p.Body.ID.Owner = domain.Owner(owner)
	p.Body.Properties = unmarshalStrings(props)
	p.Body.Issuer = domain.Issuer(issuer)
	if prevID.Valid {
		p.Body.PrevProposalID = &domain.ProposalID{ID: prevID.String, Owner: domain.Owner(prevOwner.String)}
	}
	p.Body.CreatedAt = parseTime(createdAt)
	p.State = domain.ProposalState(state)
	p.Negotiation = domain.Negotiation{
		SubscriptionID: domain.SubscriptionID(sub),
		OfferID:        domain.SubscriptionID(offer),
		DemandID:       domain.SubscriptionID(demand),
		ProviderID:     domain.NodeID(provider),
		RequestorID:    domain.NodeID(req),
	}
	return &p, nil
}

const proposalColumns = `id, owner, properties, constraints, issuer, prev_id, prev_owner,
	state, subscription_id, offer_id, demand_id, provider_id, requestor_id, created_at`

// GetProposal fetches a proposal by id, under either owner's view.
func (s *SQLite) GetProposal(id domain.ProposalID) (*domain.Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id.ID)
	return scanProposal(row)
}

// ChangeProposalState applies the validated transition inside one
// transaction.
func (s *SQLite) ChangeProposalState(id domain.ProposalID, next domain.ProposalState) error {
	return s.withTx(func(tx *sql.Tx) error {
		var state string
		err := tx.QueryRow(`SELECT state FROM proposals WHERE id = ?`, id.ID).Scan(&state)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrProposalNotFound
		}
		if err != nil {
			return err
		}
		if err := domain.CheckProposalTransition(domain.ProposalState(state), next); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE proposals SET state = ? WHERE id = ?`, string(next), id.ID)
		return err
	})
}

// AddProposalEvent enqueues a proposal event on the given side's queue.
func (s *SQLite) AddProposalEvent(p *domain.Proposal, owner domain.Owner) error {
	return s.addEvent(p, owner, domain.EventProposal, "")
}

// AddProposalRejectedEvent enqueues a rejection event.
func (s *SQLite) AddProposalRejectedEvent(p *domain.Proposal, owner domain.Owner, reason string) error {
	return s.addEvent(p, owner, domain.EventProposalRejected, reason)
}

func (s *SQLite) addEvent(p *domain.Proposal, owner domain.Owner, typ domain.EventType, reason string) error {
	_, err := s.db.Exec(
		`INSERT INTO market_events (id, subscription_id, owner, type, proposal_id, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), string(p.Negotiation.SubscriptionID), string(owner),
		string(typ), p.Body.ID.ID, reason, fmtTime(time.Now()),
	)
	return err
}

// TakeEvents validates subscription liveness, selects up to max events
// oldest-first and deletes them, all in one transaction.
func (s *SQLite) TakeEvents(subID domain.SubscriptionID, max int, owner domain.Owner) ([]domain.MarketEvent, error) {
	var events []domain.MarketEvent
	err := s.withTx(func(tx *sql.Tx) error {
		var expiresAt string
		err := tx.QueryRow(`SELECT expires_at FROM subscriptions WHERE id = ?`, string(subID)).Scan(&expiresAt)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrSubscriptionNotFound
		}
		if err != nil {
			return err
		}
		if time.Now().After(parseTime(expiresAt)) {
			return domain.ErrSubscriptionExpired
		}

		rows, err := tx.Query(
			`SELECT seq, id, subscription_id, owner, type, proposal_id, reason, timestamp
			 FROM market_events WHERE subscription_id = ? AND owner = ?
			 ORDER BY timestamp ASC, seq ASC LIMIT ?`,
			string(subID), string(owner), max,
		)
		if err != nil {
			return err
		}
		defer rows.Close()

		var seqs []string
		for rows.Next() {
			var (
				ev             domain.MarketEvent
				sub, evOwner   string
				typ, propID    string
				ts             string
			)
			if err := rows.Scan(&ev.Seq, &ev.ID, &sub, &evOwner, &typ, &propID, &ev.Reason, &ts); err != nil {
				return err
			}
			ev.SubscriptionID = domain.SubscriptionID(sub)
			ev.Owner = domain.Owner(evOwner)
			ev.Type = domain.EventType(typ)
			ev.Timestamp = parseTime(ts)

			prop, err := scanProposal(tx.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, propID))
			if err != nil && !errors.Is(err, domain.ErrProposalNotFound) {
				return err
			}
			ev.Proposal = prop
			events = append(events, ev)
			seqs = append(seqs, fmt.Sprintf("%d", ev.Seq))
		}
		if err := rows.Err(); err != nil {
			return err
		}

		if len(seqs) > 0 {
			_, err = tx.Exec(`DELETE FROM market_events WHERE seq IN (` + strings.Join(seqs, ",") + `)`)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RemoveEvents drops all queued events for a subscription.
func (s *SQLite) RemoveEvents(subID domain.SubscriptionID) error {
	_, err := s.db.Exec(`DELETE FROM market_events WHERE subscription_id = ?`, string(subID))
	return err
}

// CreateAgreement seeds an agreement record.
func (s *SQLite) CreateAgreement(a *domain.Agreement) error {
	_, err := s.db.Exec(
		`INSERT INTO agreements (id, owner, provider_id, requestor_id, session_id, state, created_at, valid_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID.ID, string(a.ID.Owner), string(a.ProviderID), string(a.RequestorID),
		a.SessionID, string(a.State), fmtTime(a.CreatedAt), fmtTime(a.ValidTo),
	)
	return err
}

func scanAgreement(row rowScanner, now time.Time) (*domain.Agreement, error) {
	var (
		a                    domain.Agreement
		owner, state         string
		provider, requestor  string
		terminatedBy         string
		createdAt, validTo   string
	)
	err := row.Scan(&a.ID.ID, &owner, &provider, &requestor, &a.SessionID,
		&state, &a.TerminationReason, &terminatedBy, &createdAt, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAgreementNotFound
	}
	if err != nil {
		return nil, err
	}
	a.ID.Owner = domain.Owner(owner)
	a.ProviderID = domain.NodeID(provider)
	a.RequestorID = domain.NodeID(requestor)
	a.State = domain.AgreementState(state)
	a.TerminatedBy = domain.Owner(terminatedBy)
	a.CreatedAt = parseTime(createdAt)
	a.ValidTo = parseTime(validTo)
	a.State = a.EffectiveState(now)
	return &a, nil
}

const agreementColumns = `id, owner, provider_id, requestor_id, session_id, state,
	termination_reason, terminated_by, created_at, valid_to`

// AgreementByNode fetches an agreement only when the node is one of its
// parties.
func (s *SQLite) AgreementByNode(id domain.AgreementID, node domain.NodeID, now time.Time) (*domain.Agreement, error) {
	row := s.db.QueryRow(
		`SELECT `+agreementColumns+` FROM agreements
		 WHERE id = ? AND (provider_id = ? OR requestor_id = ?)`,
		id.ID, string(node), string(node),
	)
	return scanAgreement(row, now)
}

// Agreement fetches by id alone.
func (s *SQLite) Agreement(id domain.AgreementID, now time.Time) (*domain.Agreement, error) {
	row := s.db.QueryRow(`SELECT `+agreementColumns+` FROM agreements WHERE id = ?`, id.ID)
	return scanAgreement(row, now)
}

// TerminateAgreement applies the validated transition to Terminated in
// one transaction.
func (s *SQLite) TerminateAgreement(id domain.AgreementID, reason string, terminator domain.Owner) error {
	return s.withTx(func(tx *sql.Tx) error {
		var state, validTo string
		err := tx.QueryRow(`SELECT state, valid_to FROM agreements WHERE id = ?`, id.ID).Scan(&state, &validTo)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrAgreementNotFound
		}
		if err != nil {
			return err
		}
		current := domain.AgreementState(state)
		if !current.IsTerminal() && time.Now().After(parseTime(validTo)) {
			current = domain.AgreementExpired
		}
		if err := domain.CheckAgreementTransition(current, domain.AgreementTerminated); err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE agreements SET state = ?, termination_reason = ?, terminated_by = ? WHERE id = ?`,
			string(domain.AgreementTerminated), reason, string(terminator), id.ID,
		)
		return err
	})
}

// AddAgreementTerminatedEvent records a termination event for polling.
func (s *SQLite) AddAgreementTerminatedEvent(a *domain.Agreement, reason string, terminator domain.Owner) error {
	_, err := s.db.Exec(
		`INSERT INTO agreement_events (id, agreement_id, agreement_owner, provider_id, requestor_id,
		 session_id, terminator, reason, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.New().String(), a.ID.ID, string(a.ID.Owner), string(a.ProviderID),
		string(a.RequestorID), a.SessionID, string(terminator), reason, fmtTime(time.Now()),
	)
	return err
}

// AgreementEvents lists termination events visible to the node,
// oldest-first, strictly after the given timestamp.
func (s *SQLite) AgreementEvents(node domain.NodeID, sessionID string, max int, after time.Time) ([]domain.AgreementEvent, error) {
	query := `SELECT id, agreement_id, agreement_owner, provider_id, requestor_id, session_id, terminator, reason, timestamp
		 FROM agreement_events
		 WHERE (provider_id = ? OR requestor_id = ?) AND timestamp > ?`
	args := []any{string(node), string(node), fmtTime(after)}
	if sessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY timestamp ASC, seq ASC LIMIT ?`
	args = append(args, max)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.AgreementEvent
	for rows.Next() {
		var (
			ev                   domain.AgreementEvent
			agreementOwner       string
			provider, requestor  string
			terminator, ts       string
		)
		if err := rows.Scan(&ev.ID, &ev.AgreementID.ID, &agreementOwner, &provider,
			&requestor, &ev.SessionID, &terminator, &ev.Reason, &ts); err != nil {
			return nil, err
		}
		ev.AgreementID.Owner = domain.Owner(agreementOwner)
		ev.ProviderID = domain.NodeID(provider)
		ev.RequestorID = domain.NodeID(requestor)
		ev.Terminator = domain.Owner(terminator)
		ev.Timestamp = parseTime(ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Subscribe registers a Demand/Offer subscription.
func (s *SQLite) Subscribe(sub *domain.Subscription) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriptions (id, owner, node_id, properties, constraints, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(sub.ID), string(sub.Owner), string(sub.NodeID),
		marshalStrings(sub.Properties), sub.Constraints,
		fmtTime(sub.CreatedAt), fmtTime(sub.ExpiresAt),
	)
	return err
}

// Subscription fetches a registration by id.
func (s *SQLite) Subscription(id domain.SubscriptionID) (*domain.Subscription, error) {
	var (
		sub                  domain.Subscription
		owner, node, props   string
		createdAt, expiresAt string
	)
	err := s.db.QueryRow(
		`SELECT id, owner, node_id, properties, constraints, created_at, expires_at
		 FROM subscriptions WHERE id = ?`, string(id),
	).Scan(&sub.ID, &owner, &node, &props, &sub.Constraints, &createdAt, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	sub.Owner = domain.Owner(owner)
	sub.NodeID = domain.NodeID(node)
	sub.Properties = unmarshalStrings(props)
	sub.CreatedAt = parseTime(createdAt)
	sub.ExpiresAt = parseTime(expiresAt)
	return &sub, nil
}

// SubscriptionState reports the registration's liveness.
func (s *SQLite) SubscriptionState(id domain.SubscriptionID, now time.Time) domain.SubscriptionState {
	var expiresAt string
	err := s.db.QueryRow(`SELECT expires_at FROM subscriptions WHERE id = ?`, string(id)).Scan(&expiresAt)
	if err != nil {
		return domain.SubscriptionNotFound
	}
	if now.After(parseTime(expiresAt)) {
		return domain.SubscriptionExpired
	}
	return domain.SubscriptionActive
}

// Unsubscribe withdraws a registration.
func (s *SQLite) Unsubscribe(id domain.SubscriptionID) error {
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, string(id))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}
