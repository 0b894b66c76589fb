package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/repository"
	"github.com/lvdashuaibi/realpick/internal/retry"
)

type memoryCache struct {
	mu      sync.Mutex
	points  map[string]int
	deletes int
}

func newMemoryCache() *memoryCache {
	return &memoryCache{points: map[string]int{}}
}

func (c *memoryCache) GetBalance(_ context.Context, userID string) (int, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.points[userID]
	return p, ok, nil
}

func (c *memoryCache) SetBalance(_ context.Context, userID string, points int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.points[userID] = points
	return nil
}

func (c *memoryCache) DeleteBalance(_ context.Context, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.points, userID)
	c.deletes++
	return nil
}

var testPolicy = retry.Policy{MaxTries: 2, InitialInterval: time.Millisecond}

func newTestService(t *testing.T, cache BalanceCache) *Service {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(repo.Close)
	return NewService(repo, cache, testPolicy)
}

func TestCreditAndBalance(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	missionID := "m1"
	missionType := model.MissionTypeSingle
	entry, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 250, Reason: "미션 정답", MissionID: &missionID, MissionType: &missionType})
	require.NoError(t, err)
	assert.Equal(t, 250, entry.BalanceAfter)

	balance, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 250, balance.Points)
	assert.Equal(t, "솔로 지망생", balance.Tier.Name)

	entry, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: -1000, Reason: "오답"})
	require.NoError(t, err)
	assert.Equal(t, 0, entry.BalanceAfter)

	tier, err := svc.GetTier(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "모태솔로", tier.Name)

	logs, err := svc.ListMissionLogs(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.MissionTypeSingle, *logs[0].MissionType)

	logs, err = svc.ListUserLogs(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestCreditValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	_, err := svc.Credit(ctx, CreditRequest{UserID: " ", Diff: 10, Reason: "x"})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 10})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	bogus := model.MissionType("mission9")
	_, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 10, Reason: "x", MissionType: &bogus})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = svc.GetBalance(ctx, "")
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestBalanceCacheIsInvalidatedOnCredit(t *testing.T) {
	ctx := context.Background()
	cache := newMemoryCache()
	svc := newTestService(t, cache)

	_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 100, Reason: "보너스"})
	require.NoError(t, err)

	balance, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Points)
	cached, ok, _ := cache.GetBalance(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, 100, cached)

	_, err = svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 50, Reason: "보너스"})
	require.NoError(t, err)
	_, ok, _ = cache.GetBalance(ctx, "u1")
	assert.False(t, ok)

	balance, err = svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 150, balance.Points)
	assert.Equal(t, 2, cache.deletes)
}

func TestConcurrentCreditsAreSerialized(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, nil)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Credit(ctx, CreditRequest{UserID: "u1", Diff: 10, Reason: "참여"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	balance, err := svc.GetBalance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 200, balance.Points)
}
