package meta

import (
	"context"
	"fmt"

	"entanglement/pkg/models"

	"github.com/google/uuid"
)

// CreateRule adds a selective-sync rule for a user.
func (s *Store) CreateRule(ctx context.Context, userID, kind, pattern string, priority int) (*models.SyncRule, error) {
	if kind != models.RuleInclude && kind != models.RuleExclude {
		return nil, fmt.Errorf("%w: unknown rule kind %q", ErrDatabase, kind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rule := &models.SyncRule{
		ID:       uuid.NewString(),
		UserID:   userID,
		Kind:     kind,
		Pattern:  pattern,
		Priority: priority,
		IsActive: true,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO selective_sync_rules (id, user_id, kind, pattern, priority, is_active)
		 VALUES (?, ?, ?, ?, ?, TRUE)`,
		rule.ID, rule.UserID, rule.Kind, rule.Pattern, rule.Priority,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return rule, nil
}

// RulesForUser returns a user's rules ordered by descending priority,
// ready for first-match-wins evaluation.
func (s *Store) RulesForUser(ctx context.Context, userID string) ([]models.SyncRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, kind, pattern, priority, is_active
		 FROM selective_sync_rules WHERE user_id = ?
		 ORDER BY priority DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	defer func() { _ = rows.Close() }()

	var rules []models.SyncRule
	for rows.Next() {
		var r models.SyncRule
		if err := rows.Scan(&r.ID, &r.UserID, &r.Kind, &r.Pattern, &r.Priority, &r.IsActive); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	return rules, nil
}

// UpdateRule toggles activity or adjusts the priority of a rule.
func (s *Store) UpdateRule(ctx context.Context, id string, priority int, isActive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx,
		`UPDATE selective_sync_rules SET priority = ?, is_active = ? WHERE id = ?`,
		priority, isActive, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM selective_sync_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDatabase, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
