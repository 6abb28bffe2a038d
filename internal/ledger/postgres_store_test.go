//go:build integration

package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/ecollect/internal/apperr"
	"github.com/mbd888/ecollect/internal/logging"
	"github.com/mbd888/ecollect/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_ConditionalInsert(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Microsecond)

	tail, err := store.Tail(ctx)
	require.NoError(t, err)
	require.Nil(t, tail)

	a := &Entry{ID: "aud_a", SubjectID: "pk_1", ContentRef: "1", PreviousHash: Genesis, Timestamp: ts}
	a.Hash = a.Rehash()
	require.NoError(t, store.Insert(ctx, a))
	assert.Positive(t, a.Seq)

	fork := &Entry{ID: "aud_b", SubjectID: "pk_1", ContentRef: "2", PreviousHash: Genesis, Timestamp: ts}
	fork.Hash = fork.Rehash()
	assert.ErrorIs(t, store.Insert(ctx, fork), apperr.ErrChainConflict)

	tail, err = store.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, a.Hash, tail.Hash)
	assert.Equal(t, a.Rehash(), tail.Rehash(), "stored timestamp must re-hash identically")
}

func TestPostgresStore_ConcurrentAppends(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	svc := NewService(NewPostgresStore(db), logging.Discard())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Append(ctx, "pk_1", "artifact")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	res, err := svc.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, res.Valid, res.Reason)
	assert.Equal(t, int64(10), res.Entries)
}
