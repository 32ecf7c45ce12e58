// Package rules resolves stake amounts to payout tiers.
package rules

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mohib051/grow-stake-daily/pkg/logging"
	"github.com/mohib051/grow-stake-daily/pkg/models"
)

// ErrNoMatchingRule is returned when no active rule range contains the amount
var ErrNoMatchingRule = errors.New("no payout rule matches amount")

// Resolver maps stake amounts to the active payout rule whose range
// contains them. Resolution runs against an in-memory snapshot so it is
// pure and safe for concurrent use; Reload swaps the snapshot between
// scheduler runs, which is when administrative rule edits take effect.
type Resolver struct {
	db     *sql.DB
	logger logging.Logger

	mu    sync.RWMutex
	rules []models.PayoutRule
}

// NewResolver creates a resolver; call Reload before first use
func NewResolver(db *sql.DB, logger logging.Logger) *Resolver {
	return &Resolver{db: db, logger: logger}
}

// Reload replaces the rule snapshot with the current active rule set,
// ordered by ascending min_amount.
func (r *Resolver) Reload(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, min_amount, max_amount, daily_payout, duration_days, is_active, created_at, updated_at
		FROM payout_rules
		WHERE is_active = true
		ORDER BY min_amount ASC
	`)
	if err != nil {
		return fmt.Errorf("load payout rules: %w", err)
	}
	defer rows.Close()

	var loaded []models.PayoutRule
	for rows.Next() {
		var rule models.PayoutRule
		if err := rows.Scan(&rule.ID, &rule.MinAmount, &rule.MaxAmount, &rule.DailyPayout,
			&rule.DurationDays, &rule.IsActive, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return fmt.Errorf("scan payout rule: %w", err)
		}
		loaded = append(loaded, rule)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	r.rules = loaded
	r.mu.Unlock()

	r.logger.WithField("rule_count", len(loaded)).Debug("Payout rules reloaded")
	return nil
}

// SetRules replaces the snapshot directly. Used by tests and by callers
// that source rules from somewhere other than the database.
func (r *Resolver) SetRules(rules []models.PayoutRule) {
	sorted := make([]models.PayoutRule, len(rules))
	copy(sorted, rules)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinAmount < sorted[j].MinAmount })

	r.mu.Lock()
	r.rules = sorted
	r.mu.Unlock()
}

// Resolve returns the active rule whose range contains amount. When a
// misconfigured rule set yields more than one match, the first rule in
// ascending min_amount order wins and a configuration conflict is logged.
func (r *Resolver) Resolve(amount int64) (*models.PayoutRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched *models.PayoutRule
	for i := range r.rules {
		rule := r.rules[i]
		if !rule.Contains(amount) {
			continue
		}
		if matched == nil {
			matched = &rule
			continue
		}
		r.logger.WithFields(logging.Fields{
			"amount":        amount,
			"selected_rule": matched.ID,
			"shadowed_rule": rule.ID,
		}).Warn("Overlapping active payout rules, selecting lowest min_amount")
	}
	if matched == nil {
		return nil, ErrNoMatchingRule
	}

	out := *matched
	return &out, nil
}

// Rules returns a copy of the current snapshot
func (r *Resolver) Rules() []models.PayoutRule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.PayoutRule, len(r.rules))
	copy(out, r.rules)
	return out
}
