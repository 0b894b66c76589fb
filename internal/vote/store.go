// Package vote 投票写入: 单轮任务提交、修改作答与情侣配对回合提交
package vote

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/scoring"
)

var tracer = otel.Tracer("github.com/lvdashuaibi/realpick/internal/vote")

type Repository interface {
	GetMissionForWrite(ctx context.Context, id string) (*model.Mission, error)
	InsertVote(ctx context.Context, v *model.Vote, credit *model.PointLog) error
	UpdateVoteSelection(ctx context.Context, userID, missionID string, answer model.Answer) (*model.Vote, error)
	GetCoupleMissionForWrite(ctx context.Context, id string) (*model.CoupleMission, error)
	EnsureEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error)
	UpsertEpisodePick(ctx context.Context, userID, missionID string, episodeNo int, pick model.EpisodePick) (*model.CoupleVote, bool, error)
}

// Aggregator 写入后同步刷新统计
type Aggregator interface {
	Recompute(ctx context.Context, missionID string) (*model.AggregatedResults, error)
	RecomputeEpisode(ctx context.Context, missionID string, episodeNo int) (*model.AggregatedResults, error)
}

// BalanceInvalidator 参与积分入账后清理余额缓存
type BalanceInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

type Store struct {
	repo     Repository
	stats    Aggregator
	balances BalanceInvalidator
	now      func() time.Time
}

func NewStore(repo Repository, stats Aggregator, balances BalanceInvalidator) *Store {
	return &Store{repo: repo, stats: stats, balances: balances, now: time.Now}
}

// Submit 首次提交作答。多数派任务在同一事务内发放参与积分。
func (s *Store) Submit(ctx context.Context, userID, missionID string, answer model.Answer) (_ *model.Vote, err error) {
	ctx, span := tracer.Start(ctx, "vote.Submit", trace.WithAttributes(
		attribute.String("mission.id", missionID), attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.InvalidInput, "用户ID不能为空")
	}
	m, err := s.repo.GetMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if !m.AcceptsVotesAt(s.now()) {
		return nil, closedError(m)
	}
	answer, err = m.NormalizeAnswer(answer)
	if err != nil {
		return nil, err
	}

	v := &model.Vote{UserID: userID, MissionID: missionID, Selected: answer}
	var credit *model.PointLog
	if m.Kind.RewardsParticipation() {
		outcome := scoring.Participation(m.Title)
		v.PointsEarned = outcome.Delta
		id := m.ID
		missionType := model.MissionTypeSingle
		credit = &model.PointLog{
			UserID:      userID,
			Diff:        outcome.Delta,
			Reason:      outcome.Reason,
			MissionID:   &id,
			MissionType: &missionType,
		}
	}

	if err := s.repo.InsertVote(ctx, v, credit); err != nil {
		return nil, err
	}
	if credit != nil && s.balances != nil {
		s.balances.Invalidate(ctx, userID)
	}

	logging.Log.WithFields(logrus.Fields{"mission": missionID, "user": userID, "answer": answer.String()}).Info("投票成功")
	s.refresh(ctx, missionID)
	return v, nil
}

// Resubmit 修改作答，参与人数不变
func (s *Store) Resubmit(ctx context.Context, userID, missionID string, answer model.Answer) (_ *model.Vote, err error) {
	ctx, span := tracer.Start(ctx, "vote.Resubmit", trace.WithAttributes(
		attribute.String("mission.id", missionID), attribute.String("user.id", userID)))
	defer func() { endSpan(span, err) }()

	m, err := s.repo.GetMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if !m.AcceptsVotesAt(s.now()) {
		return nil, closedError(m)
	}
	answer, err = m.NormalizeAnswer(answer)
	if err != nil {
		return nil, err
	}

	v, err := s.repo.UpdateVoteSelection(ctx, strings.TrimSpace(userID), missionID, answer)
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, missionID)
	return v, nil
}

// SubmitEpisode 提交某一回合的配对，只覆盖该回合
func (s *Store) SubmitEpisode(ctx context.Context, userID, missionID string, episodeNo int, connections []model.Connection) (_ *model.CoupleVote, err error) {
	ctx, span := tracer.Start(ctx, "vote.SubmitEpisode", trace.WithAttributes(
		attribute.String("mission.id", missionID), attribute.String("user.id", userID), attribute.Int("episode.no", episodeNo)))
	defer func() { endSpan(span, err) }()

	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.InvalidInput, "用户ID不能为空")
	}
	if episodeNo < 1 {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的回合: %d", episodeNo)
	}
	if len(connections) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "配对不能为空")
	}
	clean := model.SanitizeConnections(connections)
	if len(clean) != len(connections) {
		return nil, apperr.New(apperr.InvalidInput, "配对的左右两侧都不能为空")
	}

	m, err := s.repo.GetCoupleMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if m.Status != model.StatusOpen {
		return nil, apperr.Newf(apperr.Conflict, "任务 %s 已结算", missionID)
	}
	if episodeNo > m.TotalEpisodes {
		return nil, apperr.Newf(apperr.InvalidInput, "回合 %d 超出范围 1..%d", episodeNo, m.TotalEpisodes)
	}
	for _, c := range clean {
		if len(m.MatchPairs.Left) > 0 && !m.MatchPairs.HasLeft(c.Left) {
			return nil, apperr.Newf(apperr.InvalidInput, "未知的左侧人物: %s", c.Left)
		}
		if len(m.MatchPairs.Right) > 0 && !m.MatchPairs.HasRight(c.Right) {
			return nil, apperr.Newf(apperr.InvalidInput, "未知的右侧人物: %s", c.Right)
		}
	}

	ep, err := s.repo.EnsureEpisode(ctx, missionID, episodeNo)
	if err != nil {
		return nil, err
	}
	if ep.Status != model.EpisodeOpen {
		return nil, apperr.Newf(apperr.Conflict, "第 %d 回合已%s，不能再提交", episodeNo, statusLabel(ep.Status))
	}

	v, created, err := s.repo.UpsertEpisodePick(ctx, userID, missionID, episodeNo, model.EpisodePick{Connections: clean})
	if err != nil {
		return nil, err
	}

	logging.Log.WithFields(logrus.Fields{
		"mission": missionID, "user": userID, "episode": episodeNo, "created": created,
	}).Info("配对提交成功")
	if _, err := s.stats.RecomputeEpisode(ctx, missionID, episodeNo); err != nil {
		logging.Log.Errorf("刷新任务 %s 第 %d 回合统计失败: %v", missionID, episodeNo, err)
	}
	return v, nil
}

// refresh 统计失败不影响已写入的投票
func (s *Store) refresh(ctx context.Context, missionID string) {
	if _, err := s.stats.Recompute(ctx, missionID); err != nil {
		logging.Log.Errorf("刷新任务 %s 统计失败: %v", missionID, err)
	}
}

func closedError(m *model.Mission) error {
	if m.Status != model.StatusOpen {
		return apperr.Newf(apperr.Conflict, "任务 %s 已结算", m.ID)
	}
	return apperr.Newf(apperr.Conflict, "任务 %s 已截止", m.ID)
}

func statusLabel(s model.EpisodeStatus) string {
	if s == model.EpisodeSettled {
		return "结算"
	}
	return "锁定"
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
