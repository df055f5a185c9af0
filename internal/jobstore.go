package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgJobStore persists job state as JSONB rows.
type pgJobStore struct {
	db *pgxpool.Pool
}

var _ jobStore = (*pgJobStore)(nil)

func newPGJobStore(db *pgxpool.Pool) *pgJobStore {
	return &pgJobStore{db: db}
}

func (s *pgJobStore) save(ctx context.Context, state JobState) error {
	blob, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding job state: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO jobs (id, state, updated) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET state = $2, updated = now()`,
		state.JobID, blob,
	)
	return err
}

func (s *pgJobStore) delete(ctx context.Context, jobID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, jobID)
	return err
}

// memJobStore keeps job state in memory, for tests and database-less
// runs.
type memJobStore struct {
	mu    sync.Mutex
	jobs  map[string]JobState
	saves int
}

var _ jobStore = (*memJobStore)(nil)

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]JobState{}}
}

func (s *memJobStore) save(_ context.Context, state JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[state.JobID] = state
	s.saves++
	return nil
}

func (s *memJobStore) delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobID)
	return nil
}
