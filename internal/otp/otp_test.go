package otp

import (
	"context"
	"errors"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKey struct {
	user    uuid.UUID
	purpose Purpose
}

type memRecord struct {
	Record
	attempts int
}

type memStore struct {
	mu   sync.Mutex
	recs map[memKey]*memRecord
}

func newMemStore() *memStore {
	return &memStore{recs: map[memKey]*memRecord{}}
}

func (s *memStore) Put(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[memKey{rec.UserID, rec.Purpose}] = &memRecord{Record: rec}
	return nil
}

func (s *memStore) Consume(_ context.Context, userID uuid.UUID, purpose Purpose, codeHash string, now time.Time, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := memKey{userID, purpose}
	rec, ok := s.recs[k]
	if !ok {
		return ErrNotFound
	}
	if !now.Before(rec.ExpiresAt) {
		delete(s.recs, k)
		return ErrExpired
	}
	if rec.CodeHash != codeHash {
		rec.attempts++
		if rec.attempts >= maxAttempts {
			delete(s.recs, k)
		}
		return ErrMismatch
	}
	delete(s.recs, k)
	return nil
}

var sixDigits = regexp.MustCompile(`^[1-9][0-9]{5}$`)

func TestGenerator_Issue_FormatAndRange(t *testing.T) {
	t.Parallel()

	g := NewGenerator(newMemStore(), time.Minute, 3)
	for i := 0; i < 200; i++ {
		code, err := g.Issue(context.Background(), uuid.New(), PurposeEmailConfirmation)
		require.NoError(t, err)
		require.Regexp(t, sixDigits, code)

		n, err := strconv.Atoi(code)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 100000)
		assert.LessOrEqual(t, n, 999999)
	}
}

func TestGenerator_Verify_SingleUse(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGenerator(newMemStore(), time.Minute, 3)
	user := uuid.New()

	code, err := g.Issue(ctx, user, PurposeEmailConfirmation)
	require.NoError(t, err)

	require.NoError(t, g.Verify(ctx, user, PurposeEmailConfirmation, code))
	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, code), ErrNotFound)
}

func TestGenerator_Verify_PurposesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGenerator(newMemStore(), time.Minute, 3)
	user := uuid.New()

	code, err := g.Issue(ctx, user, PurposePasswordReset)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, code), ErrNotFound)
	assert.NoError(t, g.Verify(ctx, user, PurposePasswordReset, code))
}

func TestGenerator_Reissue_SupersedesPrevious(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGenerator(newMemStore(), time.Minute, 10)
	user := uuid.New()

	first, err := g.Issue(ctx, user, PurposePasswordReset)
	require.NoError(t, err)

	var second string
	for {
		second, err = g.Issue(ctx, user, PurposePasswordReset)
		require.NoError(t, err)
		if second != first {
			break
		}
	}

	assert.ErrorIs(t, g.Verify(ctx, user, PurposePasswordReset, first), ErrMismatch)
	assert.NoError(t, g.Verify(ctx, user, PurposePasswordReset, second))
}

func TestGenerator_Verify_MismatchAllowsRetryUntilLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGenerator(newMemStore(), time.Minute, 3)
	user := uuid.New()

	code, err := g.Issue(ctx, user, PurposeEmailConfirmation)
	require.NoError(t, err)

	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, "000000"), ErrMismatch)
	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, "000001"), ErrMismatch)
	require.NoError(t, g.Verify(ctx, user, PurposeEmailConfirmation, code))

	code, err = g.Issue(ctx, user, PurposeEmailConfirmation)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, "bad"), ErrMismatch)
	}
	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, code), ErrNotFound)
}

func TestGenerator_Verify_Expired(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	g := NewGenerator(newMemStore(), 10*time.Minute, 3)
	g.Now = func() time.Time { return now }
	user := uuid.New()

	code, err := g.Issue(ctx, user, PurposeEmailConfirmation)
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, code), ErrExpired)
	assert.ErrorIs(t, g.Verify(ctx, user, PurposeEmailConfirmation, code), ErrNotFound)
}

func TestGenerator_InvalidPurpose(t *testing.T) {
	t.Parallel()

	g := NewGenerator(newMemStore(), 0, 0)
	_, err := g.Issue(context.Background(), uuid.New(), Purpose("login"))
	assert.ErrorIs(t, err, ErrInvalidPurpose)
	assert.ErrorIs(t, g.Verify(context.Background(), uuid.New(), Purpose(""), "123456"), ErrInvalidPurpose)
}

func TestGenerator_Verify_ConcurrentSingleWinner(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	g := NewGenerator(newMemStore(), time.Minute, 100)
	user := uuid.New()
	code, err := g.Issue(ctx, user, PurposeEmailConfirmation)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Verify(ctx, user, PurposeEmailConfirmation, code)
			if err == nil {
				wins.Add(1)
				return
			}
			assert.True(t, errors.Is(err, ErrNotFound))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, wins.Load())
}

func TestHashCode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, HashCode("123456"), HashCode("123456"))
	assert.NotEqual(t, HashCode("123456"), HashCode("123457"))
	assert.Len(t, HashCode("123456"), 64)
}
