package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LupusDei/adjutant/internal/errs"
)

// Proposal types.
const (
	ProposalProduct     = "product"
	ProposalEngineering = "engineering"
)

// Proposal statuses. Transitions form a DAG:
// pending → accepted → completed, pending → dismissed; terminal after that.
const (
	ProposalPending   = "pending"
	ProposalAccepted  = "accepted"
	ProposalDismissed = "dismissed"
	ProposalCompleted = "completed"
)

// Proposal is an agent-authored suggestion awaiting operator triage.
type Proposal struct {
	ID          string    `json:"id"`
	Author      string    `json:"author"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// allowedProposalNext maps a status to the statuses reachable from it.
var allowedProposalNext = map[string][]string{
	ProposalPending:  {ProposalAccepted, ProposalDismissed},
	ProposalAccepted: {ProposalCompleted},
}

// CreateProposal inserts a new pending proposal authored by author.
func (s *Store) CreateProposal(author, title, description, typ string) (*Proposal, error) {
	if strings.TrimSpace(title) == "" {
		return nil, errs.New(errs.CodeValidation, "proposal title is empty")
	}
	if typ != ProposalProduct && typ != ProposalEngineering {
		return nil, errs.New(errs.CodeValidation, "unknown proposal type %q", typ)
	}

	now := time.Now().UTC()
	p := &Proposal{
		ID:          uuid.NewString(),
		Author:      author,
		Title:       title,
		Description: description,
		Type:        typ,
		Status:      ProposalPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	s.writeMu.Lock()
	_, err := s.db.Exec(`
		INSERT INTO proposals (id, author, title, description, type, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.Author, p.Title, p.Description, p.Type, p.Status,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	s.writeMu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("inserting proposal: %w", err))
	}
	return p, nil
}

// ListProposals returns proposals newest-created-first with rowid tiebreaker,
// optionally filtered by status and type.
func (s *Store) ListProposals(status, typ string) ([]*Proposal, error) {
	query := "SELECT id, author, title, description, type, status, created_at, updated_at FROM proposals"
	var where []string
	var args []any
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}
	if typ != "" {
		where = append(where, "type = ?")
		args = append(args, typ)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("listing proposals: %w", err))
	}
	defer rows.Close()

	var out []*Proposal
	for rows.Next() {
		var p Proposal
		var created, updated string
		if err := rows.Scan(&p.ID, &p.Author, &p.Title, &p.Description, &p.Type, &p.Status, &created, &updated); err != nil {
			return nil, errs.Wrap(errs.CodeStorage, err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetProposal returns a proposal by id.
func (s *Store) GetProposal(id string) (*Proposal, error) {
	props, err := s.ListProposals("", "")
	if err != nil {
		return nil, err
	}
	for _, p := range props {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, errs.New(errs.CodeNotFound, "proposal %s not found", id)
}

// UpdateProposalStatus advances a proposal along the status DAG. Transitions
// not on the DAG are rejected with INVALID_ARGUMENT.
func (s *Store) UpdateProposalStatus(id, status string) (*Proposal, error) {
	p, err := s.GetProposal(id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, next := range allowedProposalNext[p.Status] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, errs.New(errs.CodeInvalidArg, "proposal transition %s → %s not allowed", p.Status, status)
	}

	now := time.Now().UTC()
	s.writeMu.Lock()
	_, err = s.db.Exec("UPDATE proposals SET status = ?, updated_at = ? WHERE id = ?",
		status, now.Format(time.RFC3339Nano), id)
	s.writeMu.Unlock()
	if err != nil {
		return nil, errs.Wrap(errs.CodeStorage, fmt.Errorf("updating proposal: %w", err))
	}
	p.Status = status
	p.UpdatedAt = now
	return p, nil
}
