package store

import (
	"context"
	"fmt"

	"extractd/internal/apperrors"
	"extractd/internal/job"
)

// AddDependencies records edges jobID -> dependsOn. Unknown dependency jobs
// are rejected, as are edges that would close a cycle over the stored graph.
func (s *Store) AddDependencies(ctx context.Context, jobID string, dependsOn []string) error {
	if len(dependsOn) == 0 {
		return nil
	}

	edges, err := s.loadDependencyEdges(ctx)
	if err != nil {
		return err
	}
	for _, dep := range dependsOn {
		if dep == jobID {
			return apperrors.Validation("dependsOn", "job cannot depend on itself")
		}
		if _, err := s.GetJob(ctx, dep); err != nil {
			return err
		}
		if reachable(edges, dep, jobID) {
			return apperrors.Validation("dependsOn", fmt.Sprintf("dependency on %s would create a cycle", dep))
		}
		edges[jobID] = append(edges[jobID], dep)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperrors.Internal("store.addDependencies", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, dep := range dependsOn {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO job_deps (job_id, depends_on) VALUES (?, ?)`, jobID, dep); err != nil {
			return apperrors.Internal("store.addDependencies", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return apperrors.Internal("store.addDependencies", err)
	}
	return nil
}

// UnmetDependencies returns the dependency job IDs not yet completed.
func (s *Store) UnmetDependencies(ctx context.Context, jobID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT d.depends_on FROM job_deps d
JOIN jobs j ON j.id = d.depends_on
WHERE d.job_id = ? AND j.status != ?
ORDER BY d.depends_on`,
		jobID, string(job.StatusCompleted))
	if err != nil {
		return nil, apperrors.Internal("store.unmetDependencies", err)
	}
	defer rows.Close()

	var unmet []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, apperrors.Internal("store.unmetDependencies", err)
		}
		unmet = append(unmet, id)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.unmetDependencies", err)
	}
	return unmet, nil
}

func (s *Store) loadDependencyEdges(ctx context.Context) (map[string][]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT job_id, depends_on FROM job_deps`)
	if err != nil {
		return nil, apperrors.Internal("store.loadDependencyEdges", err)
	}
	defer rows.Close()

	edges := make(map[string][]string)
	for rows.Next() {
		var from, to string
		if err := rows.Scan(&from, &to); err != nil {
			return nil, apperrors.Internal("store.loadDependencyEdges", err)
		}
		edges[from] = append(edges[from], to)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.Internal("store.loadDependencyEdges", err)
	}
	return edges, nil
}

// reachable reports whether target can be reached from start over edges.
func reachable(edges map[string][]string, start, target string) bool {
	if start == target {
		return true
	}
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range edges[node] {
			if next == target {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
