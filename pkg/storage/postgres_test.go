package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jdziat/projectsync/pkg/core"
)

// skipIfNotPostgres skips the test when TEST_DATABASE_URL is not set.
func skipIfNotPostgres(t *testing.T) {
	t.Helper()
	if os.Getenv("TEST_DATABASE_URL") == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping PostgreSQL-specific test")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// ClaimNext: FOR UPDATE SKIP LOCKED
// ──────────────────────────────────────────────────────────────────────────────

func TestClaimNext_PostgreSQL_SkipsLockedRows(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)
	require.True(t, s.IsPostgres())

	ids := insertJobs(t, s, "work", 2)

	// Hold a row lock on the oldest job from another transaction; a claim
	// must skip it instead of waiting.
	tx := s.DB().Begin()
	require.NoError(t, tx.Error)
	defer tx.Rollback()

	var locked core.Job
	require.NoError(t, tx.Raw("SELECT * FROM jobs WHERE id = ? FOR UPDATE", ids[0]).Scan(&locked).Error)

	claimed, err := s.ClaimNext(ctx, "work", 2)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, ids[1], claimed[0].ID)
}

func TestClaimNext_PostgreSQL_ParallelClaims(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)
	insertJobs(t, s, "work", 20)

	var (
		mu      sync.Mutex
		results []string
		wg      sync.WaitGroup
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimNext(ctx, "work", 5)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, j := range jobs {
				results = append(results, j.ID)
			}
		}()
	}
	wg.Wait()

	unique := map[string]struct{}{}
	for _, id := range results {
		unique[id] = struct{}{}
	}
	assert.Len(t, unique, len(results), "concurrent claims must return different jobs")
	assert.LessOrEqual(t, len(results), 20)
}

func TestInsertBatch_PostgreSQL_Transactional(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)

	err := s.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		inner := NewGormStorage(tx)
		if err := inner.InsertBatch(ctx, []*core.Job{newTestJob("work"), newTestJob("work")}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	ids, err := s.ListPending(ctx, "work")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// ──────────────────────────────────────────────────────────────────────────────
// InsertUnique: partial unique index
// ──────────────────────────────────────────────────────────────────────────────

func TestInsertUnique_PostgreSQL_ParallelInserts(t *testing.T) {
	skipIfNotPostgres(t)

	ctx := context.Background()
	s := newTestStorage(t)
	require.True(t, s.IsPostgres())

	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		inserted atomic.Int32
	)
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			job := newTestJob("sap-sync")
			job.UniqueKey = "sap-sync:manual"
			err := s.InsertUnique(ctx, job)
			if err == nil {
				inserted.Add(1)
				return
			}
			assert.True(t, errors.Is(err, core.ErrDuplicateJob), "unexpected error: %v", err)
		}()
	}
	close(start)
	wg.Wait()
	assert.Equal(t, int32(1), inserted.Load())

	var pending int64
	require.NoError(t, s.DB().Model(&core.Job{}).
		Where("unique_key = ? AND state = ?", "sap-sync:manual", core.StateCreated).
		Count(&pending).Error)
	assert.Equal(t, int64(1), pending)
}
