package settlement

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/aggregation"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/episode"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/repository"
)

// flakyRepository 让指定投票的第一次结算失败
type flakyRepository struct {
	*repository.SQLRepository
	failVote int64
	failed   bool
}

func (f *flakyRepository) SettleVote(ctx context.Context, s *model.VoteSettlement) (bool, error) {
	if s.VoteID == f.failVote && !f.failed {
		f.failed = true
		return false, apperr.New(apperr.Conflict, "模拟写入失败")
	}
	return f.SQLRepository.SettleVote(ctx, s)
}

type fixture struct {
	repo   *repository.SQLRepository
	engine *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(repo.Close)
	return &fixture{repo: repo, engine: newEngine(repo, repo)}
}

func newEngine(repo Repository, sqlRepo *repository.SQLRepository) *Engine {
	stats := aggregation.NewEngine(sqlRepo, nil)
	return NewEngine(repo, stats, episode.NewMachine(sqlRepo, stats), nil,
		config.SettlementConfig{Workers: 4, RetryMaxTries: 2})
}

func (f *fixture) mission(t *testing.T, id string, kind model.MissionKind, format model.MissionFormat, deadline time.Time) {
	t.Helper()
	require.NoError(t, f.repo.CreateMission(context.Background(), &model.Mission{
		ID: id, Title: "최종 선택", Kind: kind, Format: format,
		SubmissionType: model.SubmissionSelection,
		Options:        []string{"A", "B", "C"},
		Deadline:       deadline,
	}))
}

func (f *fixture) vote(t *testing.T, user, missionID string, answer model.Answer, earned int) *model.Vote {
	t.Helper()
	v := &model.Vote{UserID: user, MissionID: missionID, Selected: answer, PointsEarned: earned}
	var credit *model.PointLog
	if earned != 0 {
		credit = &model.PointLog{UserID: user, Diff: earned, Reason: "미션 참여 보상"}
	}
	require.NoError(t, f.repo.InsertVote(context.Background(), v, credit))
	return v
}

func (f *fixture) points(t *testing.T, user string) int {
	t.Helper()
	p, err := f.repo.GetUserPoints(context.Background(), user)
	require.NoError(t, err)
	return p
}

func TestSettlePredictMission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary, time.Now().Add(time.Hour))
	f.vote(t, "u1", "m1", model.SingleChoice("A"), 0)
	f.vote(t, "u2", "m1", model.SingleChoice("B"), 0)

	report, err := f.engine.SettleMission(ctx, "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 2, report.Settled)
	assert.Equal(t, 100, f.points(t, "u1"))
	assert.Equal(t, 0, f.points(t, "u2"))

	loser, err := f.repo.GetVote(ctx, "u2", "m1")
	require.NoError(t, err)
	assert.Equal(t, -50, loser.PointsEarned)
	require.NotNil(t, loser.IsCorrect)
	assert.False(t, *loser.IsCorrect)

	again, err := f.engine.SettleMission(ctx, "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	assert.False(t, again.Applied)
	assert.Equal(t, 2, again.Skipped)
	assert.Equal(t, 100, f.points(t, "u1"))

	_, err = f.engine.SettleMission(ctx, "m1", model.SingleChoice("B"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict))

	due, err := f.repo.FetchDueOutbox(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Contains(t, string(due[0].Payload), `"answer":"A"`)
}

func TestSettleValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary, time.Now().Add(time.Hour))

	_, err := f.engine.SettleMission(ctx, "missing", model.SingleChoice("A"))
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	_, err = f.engine.SettleMission(ctx, "m1", model.Answer{})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	_, err = f.engine.SettleMission(ctx, "m1", model.SingleChoice("Z"))
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
}

func TestSettleMajorityDoesNotRepayParticipation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindMajority, model.FormatBinary, time.Now().Add(time.Hour))
	f.vote(t, "u1", "m1", model.SingleChoice("A"), 10)
	f.vote(t, "u2", "m1", model.SingleChoice("A"), 10)
	f.vote(t, "u3", "m1", model.SingleChoice("B"), 10)

	report, err := f.engine.SettleMission(ctx, "m1", model.Answer{})
	require.NoError(t, err)
	assert.Equal(t, "A", report.Answer)
	assert.Equal(t, 3, report.Settled)

	for _, u := range []string{"u1", "u2", "u3"} {
		assert.Equal(t, 10, f.points(t, u), u)
	}
	v, err := f.repo.GetVote(ctx, "u3", "m1")
	require.NoError(t, err)
	assert.False(t, *v.IsCorrect)

	logs, err := f.repo.ListPointLogsByUser(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestSettleMajorityTieNeedsAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPoll, model.FormatBinary, time.Now().Add(time.Hour))
	f.vote(t, "u1", "m1", model.SingleChoice("A"), 10)
	f.vote(t, "u2", "m1", model.SingleChoice("B"), 10)

	_, err := f.engine.SettleMission(ctx, "m1", model.Answer{})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	report, err := f.engine.SettleMission(ctx, "m1", model.SingleChoice("B"))
	require.NoError(t, err)
	assert.True(t, report.Applied)
}

func TestSettleMultiSelect(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatMulti, time.Now().Add(time.Hour))
	f.vote(t, "u1", "m1", model.MultiChoice("A", "B"), 0)
	f.vote(t, "u2", "m1", model.MultiChoice("A", "C"), 0)

	_, err := f.engine.SettleMission(ctx, "m1", model.MultiChoice("A", "C"))
	require.NoError(t, err)
	assert.Equal(t, 50, f.points(t, "u1"))
	assert.Equal(t, 200, f.points(t, "u2"))
}

func TestResettleRecoversFailedVotes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary, time.Now().Add(time.Hour))
	f.vote(t, "u1", "m1", model.SingleChoice("A"), 0)
	target := f.vote(t, "u2", "m1", model.SingleChoice("A"), 0)

	flaky := &flakyRepository{SQLRepository: f.repo, failVote: target.ID}
	engine := newEngine(flaky, f.repo)

	report, err := engine.SettleMission(ctx, "m1", model.SingleChoice("A"))
	require.NoError(t, err, "单条投票失败不影响结算结果")
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 0, f.points(t, "u2"))

	report, err = engine.SettleMission(ctx, "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	assert.False(t, report.Applied)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 100, f.points(t, "u2"))
	assert.Equal(t, 100, f.points(t, "u1"))
}

func TestSettleManyVotesConcurrently(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "m1", model.KindPredict, model.FormatBinary, time.Now().Add(time.Hour))
	for i := 0; i < 30; i++ {
		f.vote(t, fmt.Sprintf("u%02d", i), "m1", model.SingleChoice("A"), 0)
	}

	report, err := f.engine.SettleMission(ctx, "m1", model.SingleChoice("A"))
	require.NoError(t, err)
	assert.Equal(t, 30, report.Settled)

	logs, err := f.repo.ListPointLogsByMission(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, logs, 30)
}

func (f *fixture) coupleMission(t *testing.T) {
	t.Helper()
	require.NoError(t, f.repo.CreateCoupleMission(context.Background(), &model.CoupleMission{
		ID: "c1", Title: "커플 매칭", Kind: model.KindPredict,
		MatchPairs:    model.MatchPairs{Left: []string{"민수", "철수"}, Right: []string{"영희", "지은"}},
		Deadline:      time.Now().Add(time.Hour),
		TotalEpisodes: 3,
	}))
}

func TestSettleCoupleMission(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	pick := func(user string, ep int, left, right string) {
		_, _, err := f.repo.UpsertEpisodePick(ctx, user, "c1", ep, model.EpisodePick{
			Connections: []model.Connection{{Left: left, Right: right}},
		})
		require.NoError(t, err)
	}
	pick("u1", 1, "민수", "영희")
	pick("u1", 2, "민수", "영희")
	pick("u2", 2, "민수", "지은")
	pick("u3", 1, "철수", "지은")

	_, err := f.engine.SettleCoupleMission(ctx, "c1", []model.Connection{{Left: " ", Right: "x"}})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	final := []model.Connection{{Left: "민수", Right: "영희"}}
	report, err := f.engine.SettleCoupleMission(ctx, "c1", final)
	require.NoError(t, err)
	assert.True(t, report.Applied)
	assert.Equal(t, 3, report.Total)

	assert.Equal(t, 1000, f.points(t, "u1"))
	assert.Equal(t, 0, f.points(t, "u2"))
	assert.Equal(t, 0, f.points(t, "u3"))

	v, err := f.repo.GetCoupleVote(ctx, "u2", "c1")
	require.NoError(t, err)
	assert.Equal(t, -450, v.PointsEarned)

	_, err = f.engine.SettleCoupleMission(ctx, "c1", []model.Connection{{Left: "민수", Right: "지은"}})
	assert.True(t, apperr.IsKind(err, apperr.Conflict))

	again, err := f.engine.SettleCoupleMission(ctx, "c1", final)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Skipped)
	assert.Equal(t, 1000, f.points(t, "u1"))

	logs, err := f.repo.ListPointLogsByMission(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, logs, 2)
	for _, l := range logs {
		assert.Equal(t, model.MissionTypeCouple, *l.MissionType)
	}
}

func TestSettleEpisodes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	_, err := f.engine.SettleEpisodes(ctx, "c1", nil)
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))

	settled, err := f.engine.SettleEpisodes(ctx, "c1", []int{2, 1, 2, 9})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	require.Len(t, settled, 2)
	assert.Equal(t, 1, settled[0].EpisodeNo)

	m, err := f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodeSettled, m.EpisodeStatus(1))
	assert.Equal(t, model.EpisodeSettled, m.EpisodeStatus(2))
	assert.Equal(t, model.EpisodeOpen, m.EpisodeStatus(3))
}

func TestSettleEpisodesUsesStagedPairing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.coupleMission(t)

	_, _, err := f.repo.UpsertEpisodePick(ctx, "u1", "c1", 1, model.EpisodePick{
		Connections: []model.Connection{{Left: "민수", Right: "영희"}},
	})
	require.NoError(t, err)
	_, _, err = f.repo.UpsertEpisodePick(ctx, "u1", "c1", 2, model.EpisodePick{
		Connections: []model.Connection{{Left: "민수", Right: "영희"}},
	})
	require.NoError(t, err)

	err = f.engine.StageFinalPairing(ctx, "c1", []model.Connection{{Left: "민수", Right: " "}})
	assert.True(t, apperr.IsKind(err, apperr.InvalidInput))
	err = f.engine.StageFinalPairing(ctx, "missing", []model.Connection{{Left: "민수", Right: "영희"}})
	assert.True(t, apperr.IsKind(err, apperr.NotFound))

	final := []model.Connection{{Left: "민수", Right: "영희"}}
	require.NoError(t, f.engine.StageFinalPairing(ctx, "c1", final))

	m, err := f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, m.Status)
	assert.Equal(t, final, m.PendingFinalAnswer)
	assert.Empty(t, m.FinalAnswer)

	_, err = f.engine.SettleEpisodes(ctx, "c1", []int{1, 2})
	require.NoError(t, err)
	m, err = f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusOpen, m.Status)

	_, err = f.engine.SettleEpisodes(ctx, "c1", []int{3})
	require.NoError(t, err)
	m, err = f.repo.GetCoupleMission(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, m.Status)
	assert.Equal(t, final, m.FinalAnswer)
	assert.Equal(t, 1000, f.points(t, "u1"))

	// 再次结算回合不会重复发放
	_, err = f.engine.SettleEpisodes(ctx, "c1", []int{3})
	require.NoError(t, err)
	assert.Equal(t, 1000, f.points(t, "u1"))
}

type fixedLeader struct {
	leader   bool
	resigned bool
}

func (l *fixedLeader) Ensure() bool { return l.leader }
func (l *fixedLeader) Resign()      { l.resigned = true }

func TestSweeperSettlesExpiredMajorityMissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "expired", model.KindMajority, model.FormatBinary, time.Now().Add(time.Minute))
	f.mission(t, "tied", model.KindMajority, model.FormatBinary, time.Now().Add(time.Minute))
	f.mission(t, "future", model.KindMajority, model.FormatBinary, time.Now().Add(3*time.Hour))
	f.mission(t, "predict", model.KindPredict, model.FormatBinary, time.Now().Add(time.Minute))
	f.vote(t, "u1", "expired", model.SingleChoice("B"), 10)
	f.vote(t, "u1", "tied", model.SingleChoice("A"), 10)
	f.vote(t, "u2", "tied", model.SingleChoice("B"), 10)
	// 投票写入后把时钟拨到截止之后
	f.engine.now = func() time.Time { return time.Now().Add(time.Hour) }

	follower := NewSweeper(f.engine, &fixedLeader{}, time.Minute)
	n, err := follower.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	leader := &fixedLeader{leader: true}
	sweeper := NewSweeper(f.engine, leader, time.Minute)
	n, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	m, err := f.repo.GetMission(ctx, "expired")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSettled, m.Status)
	assert.Equal(t, "B", m.CorrectAnswer.Single())

	for _, id := range []string{"tied", "future", "predict"} {
		m, err := f.repo.GetMission(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, model.StatusOpen, m.Status, id)
	}

	sweeper.Start(ctx)
	sweeper.Stop()
	assert.True(t, leader.resigned)
}

func TestSweeperDefersUnresolvableMissions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.mission(t, "tied", model.KindMajority, model.FormatBinary, time.Now().Add(time.Minute))
	f.mission(t, "empty", model.KindPoll, model.FormatBinary, time.Now().Add(time.Minute))
	f.vote(t, "u1", "tied", model.SingleChoice("A"), 10)
	f.vote(t, "u2", "tied", model.SingleChoice("B"), 10)

	clock := time.Now().Add(time.Hour)
	f.engine.now = func() time.Time { return clock }
	sweeper := NewSweeper(f.engine, &fixedLeader{leader: true}, time.Minute)

	n, err := sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, sweeper.deferred, 2)
	first := sweeper.deferred["tied"]
	assert.Equal(t, clock.Add(deferRounds*time.Minute), first)

	// 推迟期内不再尝试
	clock = clock.Add(time.Minute)
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, sweeper.deferred["tied"])

	// 人工结算后移出推迟列表
	_, err = f.engine.SettleMission(ctx, "empty", model.SingleChoice("A"))
	require.NoError(t, err)
	clock = clock.Add(deferRounds * time.Minute)
	_, err = sweeper.SweepOnce(ctx)
	require.NoError(t, err)
	require.Len(t, sweeper.deferred, 1)
	assert.True(t, sweeper.deferred["tied"].After(first))
}
