// Package member resolves campaign target groups into concrete recipients
// and applies consent actions (unsubscribe, account removal) to the
// membership tables.
package member

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/clubops/mailroom/internal/pkg/logger"
)

// Recipient is one resolved delivery target.
type Recipient struct {
	ID     uuid.UUID
	Email  string
	Name   string
	Active bool // active club members get unsubscribe links; others only delete-account
}

// Resolver expands group ids into recipients against the membership tables.
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a resolver backed by the given database.
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// ResolveGroup returns all members of a single group.
func (r *Resolver) ResolveGroup(ctx context.Context, groupID uuid.UUID) ([]Recipient, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.email, COALESCE(m.name, ''), m.active
		FROM members m
		JOIN member_groups mg ON mg.member_id = m.id
		WHERE mg.group_id = $1
		  AND m.email <> ''
		  AND NOT m.unsubscribed
		ORDER BY m.email ASC
	`, groupID)
	if err != nil {
		return nil, fmt.Errorf("resolve group %s: %w", groupID, err)
	}
	defer rows.Close()

	var recipients []Recipient
	for rows.Next() {
		var rec Recipient
		if err := rows.Scan(&rec.ID, &rec.Email, &rec.Name, &rec.Active); err != nil {
			logger.Warn("resolver: scan failed", "group_id", groupID.String(), "error", err.Error())
			continue
		}
		recipients = append(recipients, rec)
	}
	return recipients, rows.Err()
}

// ResolveGroups expands multiple groups and deduplicates overlapping
// memberships by recipient id.
func (r *Resolver) ResolveGroups(ctx context.Context, groupIDs []uuid.UUID) ([]Recipient, error) {
	seen := make(map[uuid.UUID]struct{})
	var all []Recipient

	for _, gid := range groupIDs {
		recs, err := r.ResolveGroup(ctx, gid)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			all = append(all, rec)
		}
	}
	return all, nil
}

// FindByEmail reports whether the email belongs to a known member. Used by
// consent token verification: an unresolvable address must not verify.
func (r *Resolver) FindByEmail(ctx context.Context, email string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM members WHERE lower(email) = lower($1))
	`, strings.TrimSpace(email)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("find member by email: %w", err)
	}
	return exists, nil
}

// Unsubscribe flags a member as opted out of notifications. Idempotent.
func (r *Resolver) Unsubscribe(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE members SET unsubscribed = true, updated_at = NOW()
		WHERE lower(email) = lower($1)
	`, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("unsubscribe member: %w", err)
	}
	logger.Info("member unsubscribed", "email", email)
	return nil
}

// Deactivate removes a member's account standing without deleting send
// history. Idempotent.
func (r *Resolver) Deactivate(ctx context.Context, email string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE members SET active = false, unsubscribed = true, updated_at = NOW()
		WHERE lower(email) = lower($1)
	`, strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("deactivate member: %w", err)
	}
	logger.Info("member account deactivated", "email", email)
	return nil
}
