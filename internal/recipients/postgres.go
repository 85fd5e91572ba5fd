package recipients

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/trustline/broadcast-engine/internal/domain"
)

// PostgresStore implements Store against the CRM's read-side tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed recipient store.
func NewPostgresStore(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

const recipientColumns = `id, full_name, client_type, tier_level, COALESCE(city,''), COALESCE(state,''),
	COALESCE(email,''), COALESCE(phone,''), COALESCE(whatsapp,''), COALESCE(social_handle,''),
	birthday, anniversary, joined_at, active`

func (s *PostgresStore) FindCandidates(ctx context.Context, criteria domain.TargetingCriteria) ([]domain.Recipient, error) {
	if criteria.IsEmpty() {
		return nil, nil
	}

	seen := make(map[string]bool)
	var out []domain.Recipient

	if criteria.AllClients {
		rows, err := s.queryRecipients(ctx,
			fmt.Sprintf(`SELECT %s FROM recipients WHERE active = TRUE ORDER BY id`, recipientColumns))
		if err != nil {
			return nil, err
		}
		return rows, nil
	}

	if criteria.HasFilters() {
		query, args := buildFilterQuery(criteria)
		rows, err := s.queryRecipients(ctx, query, args...)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}

	if len(criteria.SpecificIDs) > 0 {
		rows, err := s.queryRecipients(ctx,
			fmt.Sprintf(`SELECT %s FROM recipients WHERE id = ANY($1) AND active = TRUE ORDER BY id`, recipientColumns),
			pq.Array(criteria.SpecificIDs))
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			if !seen[r.ID] {
				seen[r.ID] = true
				out = append(out, r)
			}
		}
	}

	// The union of two sorted result sets is not itself sorted.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// buildFilterQuery turns the populated set/range filters into a single
// WHERE clause: one condition per filter, all ANDed together. Policy
// filters apply via EXISTS on the policy summary table.
func buildFilterQuery(criteria domain.TargetingCriteria) (string, []interface{}) {
	query := fmt.Sprintf(`SELECT %s FROM recipients WHERE active = TRUE`, recipientColumns)
	var args []interface{}
	idx := 1

	if len(criteria.ClientTypes) > 0 {
		types := make([]string, len(criteria.ClientTypes))
		for i, t := range criteria.ClientTypes {
			types[i] = string(t)
		}
		query += fmt.Sprintf(" AND client_type = ANY($%d)", idx)
		args = append(args, pq.Array(types))
		idx++
	}

	if len(criteria.TierLevels) > 0 {
		tiers := make([]string, len(criteria.TierLevels))
		for i, t := range criteria.TierLevels {
			tiers[i] = string(t)
		}
		query += fmt.Sprintf(" AND tier_level = ANY($%d)", idx)
		args = append(args, pq.Array(tiers))
		idx++
	}

	if len(criteria.Locations) > 0 {
		query += " AND ("
		for i, loc := range criteria.Locations {
			if i > 0 {
				query += " OR "
			}
			if loc.City != "" {
				query += fmt.Sprintf("(state = $%d AND city = $%d)", idx, idx+1)
				args = append(args, loc.State, loc.City)
				idx += 2
			} else {
				query += fmt.Sprintf("state = $%d", idx)
				args = append(args, loc.State)
				idx++
			}
		}
		query += ")"
	}

	policyConds := ""
	if len(criteria.PolicyTypes) > 0 {
		policyConds += fmt.Sprintf(" AND p.policy_type = ANY($%d)", idx)
		args = append(args, pq.Array(criteria.PolicyTypes))
		idx++
	}
	if len(criteria.PolicyStatus) > 0 {
		policyConds += fmt.Sprintf(" AND p.policy_status = ANY($%d)", idx)
		args = append(args, pq.Array(criteria.PolicyStatus))
		idx++
	}
	if criteria.PremiumRange != nil {
		if criteria.PremiumRange.Min != nil {
			policyConds += fmt.Sprintf(" AND p.annual_premium >= $%d", idx)
			args = append(args, *criteria.PremiumRange.Min)
			idx++
		}
		if criteria.PremiumRange.Max != nil {
			policyConds += fmt.Sprintf(" AND p.annual_premium <= $%d", idx)
			args = append(args, *criteria.PremiumRange.Max)
			idx++
		}
	}
	if policyConds != "" {
		query += " AND EXISTS (SELECT 1 FROM recipient_policies p WHERE p.recipient_id = recipients.id" + policyConds + ")"
	}

	query += " ORDER BY id"
	return query, args
}

func (s *PostgresStore) queryRecipients(ctx context.Context, query string, args ...interface{}) ([]domain.Recipient, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query recipients: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var r domain.Recipient
		var birthday, anniversary sql.NullTime
		if err := rows.Scan(
			&r.ID, &r.FullName, &r.Type, &r.Tier, &r.City, &r.State,
			&r.Email, &r.Phone, &r.WhatsApp, &r.SocialHandle,
			&birthday, &anniversary, &r.JoinedAt, &r.Active,
		); err != nil {
			return nil, fmt.Errorf("%w: scan recipient: %v", ErrUnavailable, err)
		}
		if birthday.Valid {
			r.Birthday = &birthday.Time
		}
		if anniversary.Valid {
			r.Anniversary = &anniversary.Time
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate recipients: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (s *PostgresStore) FindPreference(ctx context.Context, recipientID string, ch domain.Channel, cat domain.Category) (*domain.Preference, error) {
	var p domain.Preference
	err := s.db.QueryRowContext(ctx, `
		SELECT recipient_id, channel, category, opt_in, updated_at
		FROM recipient_preferences
		WHERE recipient_id = $1 AND channel = $2 AND category = $3
	`, recipientID, ch, cat).Scan(&p.RecipientID, &p.Channel, &p.Category, &p.OptIn, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: find preference: %v", ErrUnavailable, err)
	}
	return &p, nil
}

func (s *PostgresStore) FindPreferences(ctx context.Context, recipientIDs []string, cat domain.Category) (map[string]map[domain.Channel]bool, error) {
	if len(recipientIDs) == 0 {
		return map[string]map[domain.Channel]bool{}, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT recipient_id, channel, opt_in
		FROM recipient_preferences
		WHERE recipient_id = ANY($1) AND category = $2
	`, pq.Array(recipientIDs), cat)
	if err != nil {
		return nil, fmt.Errorf("%w: batch preferences: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	prefs := make(map[string]map[domain.Channel]bool)
	for rows.Next() {
		var id string
		var ch domain.Channel
		var optIn bool
		if err := rows.Scan(&id, &ch, &optIn); err != nil {
			return nil, fmt.Errorf("%w: scan preference: %v", ErrUnavailable, err)
		}
		if prefs[id] == nil {
			prefs[id] = make(map[domain.Channel]bool)
		}
		prefs[id][ch] = optIn
	}
	return prefs, rows.Err()
}

func (s *PostgresStore) FindIDsByAnchorDate(ctx context.Context, kind AnchorKind, day time.Time) ([]string, error) {
	var query string
	var args []interface{}

	switch kind {
	case AnchorBirthday:
		query = `SELECT id FROM recipients
			WHERE active = TRUE
			  AND EXTRACT(MONTH FROM birthday) = $1 AND EXTRACT(DAY FROM birthday) = $2
			ORDER BY id`
		args = []interface{}{int(day.Month()), day.Day()}
	case AnchorAnniversary:
		query = `SELECT id FROM recipients
			WHERE active = TRUE
			  AND EXTRACT(MONTH FROM anniversary) = $1 AND EXTRACT(DAY FROM anniversary) = $2
			ORDER BY id`
		args = []interface{}{int(day.Month()), day.Day()}
	case AnchorRenewal:
		query = `SELECT DISTINCT r.id FROM recipients r
			JOIN recipient_policies p ON p.recipient_id = r.id
			WHERE r.active = TRUE AND p.renewal_date = $1
			ORDER BY r.id`
		args = []interface{}{day.Format("2006-01-02")}
	case AnchorJoined:
		query = `SELECT id FROM recipients
			WHERE active = TRUE AND joined_at::date = $1
			ORDER BY id`
		args = []interface{}{day.Format("2006-01-02")}
	default:
		return nil, fmt.Errorf("unknown anchor kind: %s", kind)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: anchor date query: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: scan id: %v", ErrUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
