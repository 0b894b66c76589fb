package vote

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/aggregation"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/repository"
)

type countingInvalidator struct {
	mu    sync.Mutex
	users []string
}

func (c *countingInvalidator) Invalidate(_ context.Context, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, userID)
}

// settlingRepository 在读到任务之后立即把任务结算，复现结算与提交并发
type settlingRepository struct {
	*repository.SQLRepository
}

func (r *settlingRepository) GetMissionForWrite(ctx context.Context, id string) (*model.Mission, error) {
	m, err := r.SQLRepository.GetMissionForWrite(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.SQLRepository.MarkMissionSettled(ctx, id, model.SingleChoice("A"), nil); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *settlingRepository) GetCoupleMissionForWrite(ctx context.Context, id string) (*model.CoupleMission, error) {
	m, err := r.SQLRepository.GetCoupleMissionForWrite(ctx, id)
	if err != nil {
		return nil, err
	}
	final := []model.Connection{{Left: "민수", Right: "영희"}}
	if _, err := r.SQLRepository.MarkCoupleMissionSettled(ctx, id, final, nil); err != nil {
		return nil, err
	}
	return m, nil
}

type fixture struct {
	store    *Store
	repo     *repository.SQLRepository
	balances *countingInvalidator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(repo.Close)

	balances := &countingInvalidator{}
	return &fixture{
		store:    NewStore(repo, aggregation.NewEngine(repo, nil), balances),
		repo:     repo,
		balances: balances,
	}
}

func (f *fixture) mission(t *testing.T, id string, kind model.MissionKind, format model.MissionFormat) {
	t.Helper()
	require.NoError(t, f.repo.CreateMission(context.Background(), &model.Mission{
		ID: id, Title: "오늘의 미션", Kind: kind, Format: format,
		SubmissionType: model.SubmissionSelection,
		Options:        []string{"A", "B", "C"},
		Deadline:       time.Now().Add(time.Hour),
	}))
}

func TestSubmitMajorityPaysParticipation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindMajority, model.FormatBinary)

	v, err := f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	assert.Equal(t, 10, v.PointsEarned)
	assert.Equal(t, []string{"u1"}, f.balances.users)

	points, err := f.repo.GetUserPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, points)

	logs, err := f.repo.ListPointLogsByMission(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, model.MissionTypeSingle, *logs[0].MissionType)

	m, err := f.repo.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.StatsParticipants)
	assert.Equal(t, 1, m.VoteCounts["A"])
	assert.Equal(t, 100, m.OptionVoteCounts["A"])
}

func TestSubmitTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindMajority, model.FormatBinary)

	_, err := f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	_, err = f.store.Submit(ctx, "u1", "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict))

	points, err := f.repo.GetUserPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, points)
}

func TestConcurrentSubmitCountsEachUserOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, _ = f.store.Submit(ctx, user, "m1", model.SingleChoice("B"))
			}(fmt.Sprintf("u%d", i))
		}
	}
	wg.Wait()

	m, err := f.repo.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 10, m.StatsParticipants)
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "bin", model.KindPredict, model.FormatBinary)
	f.mission(t, "multi", model.KindPredict, model.FormatMulti)

	_, err := f.store.Submit(ctx, "u1", "missing", model.SingleChoice("A"))
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = f.store.Submit(ctx, "u1", "bin", model.MultiChoice("A", "B"))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = f.store.Submit(ctx, "u1", "bin", model.SingleChoice("Z"))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = f.store.Submit(ctx, "u1", "bin", model.SingleChoice("  "))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = f.store.Submit(ctx, "", "bin", model.SingleChoice("A"))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	v, err := f.store.Submit(ctx, "u1", "multi", model.MultiChoice("A", "C"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, v.Selected.Values())
	assert.Zero(t, v.PointsEarned)
}

func TestSubmitRejectsClosedMission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	require.NoError(t, f.repo.CreateMission(ctx, &model.Mission{
		ID: "old", Kind: model.KindPredict, Format: model.FormatBinary, SubmissionType: model.SubmissionSelection,
		Options: []string{"A", "B"}, Deadline: time.Now().Add(-time.Minute),
	}))
	_, err := f.store.Submit(ctx, "u1", "old", model.SingleChoice("A"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict))

	f.mission(t, "m1", model.KindPredict, model.FormatBinary)
	_, err = f.repo.MarkMissionSettled(ctx, "m1", model.SingleChoice("A"), nil)
	require.NoError(t, err)
	_, err = f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestResubmit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindMajority, model.FormatBinary)

	_, err := f.store.Resubmit(ctx, "u1", "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	v, err := f.store.Resubmit(ctx, "u1", "m1", model.SingleChoice("B"))
	require.NoError(t, err)
	assert.Equal(t, "B", v.Selected.Single())

	m, err := f.repo.GetMission(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.StatsParticipants)
	assert.Equal(t, 0, m.VoteCounts["A"])
	assert.Equal(t, 1, m.VoteCounts["B"])

	points, err := f.repo.GetUserPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 10, points)
}

func (f *fixture) coupleMission(t *testing.T) {
	t.Helper()
	require.NoError(t, f.repo.CreateCoupleMission(context.Background(), &model.CoupleMission{
		ID: "c1", Title: "커플 매칭", Kind: model.KindPredict,
		MatchPairs:    model.MatchPairs{Left: []string{"민수", "철수"}, Right: []string{"영희", "지은"}},
		Deadline:      time.Now().Add(time.Hour),
		TotalEpisodes: 4,
	}))
}

func TestSubmitEpisode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	v, err := f.store.SubmitEpisode(ctx, "u1", "c1", 1, []model.Connection{{Left: "민수", Right: "영희"}})
	require.NoError(t, err)
	assert.Len(t, v.Votes, 1)

	v, err = f.store.SubmitEpisode(ctx, "u1", "c1", 2, []model.Connection{{Left: " 민수", Right: "지은 "}})
	require.NoError(t, err)
	assert.Len(t, v.Votes, 2)
	assert.Equal(t, "지은", v.Votes[2].Connections[0].Right)

	m, err := f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, m.StatsParticipants)

	ep, err := f.repo.GetEpisode(ctx, "c1", 2)
	require.NoError(t, err)
	assert.Equal(t, 1, ep.TotalPicks)
	assert.Equal(t, model.EpisodeOpen, ep.Status)
}

func TestSubmitEpisodeValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	cases := []struct {
		name      string
		episodeNo int
		conns     []model.Connection
		kind      apperr.Kind
	}{
		{"非正回合", 0, []model.Connection{{Left: "민수", Right: "영희"}}, apperr.InvalidInput},
		{"空配对", 1, nil, apperr.InvalidInput},
		{"右侧为空", 1, []model.Connection{{Left: "민수", Right: " "}}, apperr.InvalidInput},
		{"超出回合数", 5, []model.Connection{{Left: "민수", Right: "영희"}}, apperr.InvalidInput},
		{"未知人物", 1, []model.Connection{{Left: "영수", Right: "영희"}}, apperr.InvalidInput},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.store.SubmitEpisode(ctx, "u1", "c1", tc.episodeNo, tc.conns)
			assert.True(t, apperr.IsKind(err, tc.kind), "got %v", err)
		})
	}

	_, err := f.repo.EnsureEpisode(ctx, "c1", 3)
	require.NoError(t, err)
	_, err = f.repo.TransitionEpisode(ctx, "c1", 3, model.EpisodeOpen, model.EpisodeLocked)
	require.NoError(t, err)
	_, err = f.store.SubmitEpisode(ctx, "u1", "c1", 3, []model.Connection{{Left: "민수", Right: "영희"}})
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
}

func (f *fixture) racingStore() *Store {
	return NewStore(&settlingRepository{f.repo}, aggregation.NewEngine(f.repo, nil), f.balances)
}

func TestSubmitLosesRaceWithSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindMajority, model.FormatBinary)

	_, err := f.racingStore().Submit(ctx, "u1", "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict), "got %v", err)

	_, err = f.repo.GetVote(ctx, "u1", "m1")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	points, err := f.repo.GetUserPoints(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, points)
	assert.Empty(t, f.balances.users)
}

func TestResubmitLosesRaceWithSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary)

	_, err := f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	require.NoError(t, err)

	_, err = f.racingStore().Resubmit(ctx, "u1", "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict), "got %v", err)

	v, err := f.repo.GetVote(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "A", v.Selected.Single())
}

func TestResubmitAfterVoteSettled(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary)

	v, err := f.store.Submit(ctx, "u1", "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	_, err = f.repo.SettleVote(ctx, &model.VoteSettlement{VoteID: v.ID})
	require.NoError(t, err)

	_, err = f.store.Resubmit(ctx, "u1", "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict), "got %v", err)

	stored, err := f.repo.GetVote(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, "A", stored.Selected.Single())
}

func TestSubmitEpisodeLosesRaceWithSettlement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	_, err := f.racingStore().SubmitEpisode(ctx, "u1", "c1", 1, []model.Connection{{Left: "민수", Right: "영희"}})
	assert.True(t, apperr.IsKind(err, apperr.Conflict), "got %v", err)

	_, err = f.repo.GetCoupleVote(ctx, "u1", "c1")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
	m, err := f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Zero(t, m.StatsParticipants)
}
