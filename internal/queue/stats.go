package queue

import "context"

// Stats aggregates queue counts with a single grouped query per dimension;
// observers see a consistent snapshot rather than N per-status scans.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByStatus:   make(map[Status]int),
		ByTaskType: make(map[string]int),
	}

	rows, err := s.ro.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM work_items WHERE archived = 0 GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.ByStatus[Status(status)] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	typeRows, err := s.ro.QueryContext(ctx, `
		SELECT task_type, COUNT(*) FROM work_items WHERE archived = 0 GROUP BY task_type
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = typeRows.Close() }()
	for typeRows.Next() {
		var taskType string
		var count int
		if err := typeRows.Scan(&taskType, &count); err != nil {
			return nil, err
		}
		stats.ByTaskType[taskType] = count
	}
	return stats, typeRows.Err()
}
