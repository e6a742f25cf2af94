package storage

import (
	"context"
	"fmt"
)

// Stats are the dashboard counters.
type Stats struct {
	ActivePersons     int64        `json:"activePersons"`
	ActiveStays       int64        `json:"activeStays"`
	PresentToday      int64        `json:"presentToday"`
	EntriesToday      int64        `json:"entriesToday"`
	TopNationalities  []NamedCount `json:"topNationalities"`
	TopEstablishments []NamedCount `json:"topEstablishments"`
}

// NamedCount is one bucket of a grouped count.
type NamedCount struct {
	Name  string `json:"name"`
	Count int64  `json:"count"`
}

// Stats computes the counters as of today. A guest is present when the
// entry date is on or before today and there is no exit date or it is
// today or later.
func (q *Queries) Stats(ctx context.Context, today Date, top int) (Stats, error) {
	if top <= 0 {
		top = 5
	}
	var st Stats
	var err error

	if st.ActivePersons, err = q.CountPersons(ctx, false); err != nil {
		return Stats{}, err
	}

	day := today.String()
	counters := []struct {
		dst   *int64
		query string
		args  []any
	}{
		{&st.ActiveStays, `SELECT COUNT(*) FROM stays WHERE active = ?`, []any{true}},
		{&st.PresentToday, `SELECT COUNT(*) FROM stays WHERE active = ? AND entry_date <= ?
			AND (exit_date IS NULL OR exit_date >= ?)`, []any{true, day, day}},
		{&st.EntriesToday, `SELECT COUNT(*) FROM stays WHERE active = ? AND entry_date = ?`, []any{true, day}},
	}
	for _, c := range counters {
		if err := q.queryRow(ctx, c.query, c.args...).Scan(c.dst); err != nil {
			return Stats{}, fmt.Errorf("stats: %w", classify(err))
		}
	}

	if st.TopNationalities, err = q.groupCount(ctx, `SELECT p.nationality, COUNT(*) AS n
		FROM stays s JOIN persons p ON p.id = s.person_id
		WHERE s.active = ? GROUP BY p.nationality ORDER BY n DESC, p.nationality LIMIT ?`, true, top); err != nil {
		return Stats{}, err
	}
	if st.TopEstablishments, err = q.groupCount(ctx, `SELECT establishment_name, COUNT(*) AS n
		FROM stays WHERE active = ? AND establishment_name <> '' GROUP BY establishment_name
		ORDER BY n DESC, establishment_name LIMIT ?`, true, top); err != nil {
		return Stats{}, err
	}
	return st, nil
}

func (q *Queries) groupCount(ctx context.Context, query string, args ...any) ([]NamedCount, error) {
	rows, err := q.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()

	var out []NamedCount
	for rows.Next() {
		var nc NamedCount
		if err := rows.Scan(&nc.Name, &nc.Count); err != nil {
			return nil, classify(err)
		}
		out = append(out, nc)
	}
	return out, classify(rows.Err())
}
