// Package settlement 任务结算: 乐观锁标记结算、逐条投票计分入账、发出结算通知
package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/retry"
	"github.com/lvdashuaibi/realpick/internal/scoring"
)

var tracer = otel.Tracer("github.com/lvdashuaibi/realpick/internal/settlement")

type Repository interface {
	GetMissionForWrite(ctx context.Context, id string) (*model.Mission, error)
	MarkMissionSettled(ctx context.Context, missionID string, answer model.Answer, event *model.OutboxMessage) (bool, error)
	ListVotes(ctx context.Context, missionID string) ([]*model.Vote, error)
	SettleVote(ctx context.Context, s *model.VoteSettlement) (bool, error)
	GetCoupleMissionForWrite(ctx context.Context, id string) (*model.CoupleMission, error)
	MarkCoupleMissionSettled(ctx context.Context, missionID string, final []model.Connection, event *model.OutboxMessage) (bool, error)
	StageCoupleFinalPairing(ctx context.Context, missionID string, final []model.Connection) error
	ListCoupleVotes(ctx context.Context, missionID string) ([]*model.CoupleVote, error)
	SettleCoupleVote(ctx context.Context, s *model.VoteSettlement) (bool, error)
	ListExpiredOpenMissions(ctx context.Context, now time.Time, kinds []model.MissionKind) ([]*model.Mission, error)
}

// Aggregator 结算多数派任务前刷新多数选项
type Aggregator interface {
	Recompute(ctx context.Context, missionID string) (*model.AggregatedResults, error)
}

// EpisodeMachine 回合结算
type EpisodeMachine interface {
	Transition(ctx context.Context, missionID string, episodeNo int, to model.EpisodeStatus) (*model.Episode, error)
	AllSettled(ctx context.Context, missionID string) (bool, error)
}

type BalanceInvalidator interface {
	Invalidate(ctx context.Context, userID string)
}

type Engine struct {
	repo     Repository
	stats    Aggregator
	episodes EpisodeMachine
	balances BalanceInvalidator
	workers  int
	policy   retry.Policy
	now      func() time.Time
}

func NewEngine(repo Repository, stats Aggregator, episodes EpisodeMachine, balances BalanceInvalidator, cfg config.SettlementConfig) *Engine {
	policy := retry.DefaultPolicy
	if cfg.RetryMaxTries > 0 {
		policy.MaxTries = uint(cfg.RetryMaxTries)
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	return &Engine{
		repo:     repo,
		stats:    stats,
		episodes: episodes,
		balances: balances,
		workers:  workers,
		policy:   policy,
		now:      time.Now,
	}
}

type voteResult int

const (
	voteSettled voteResult = iota
	voteSkipped
	voteFailed
)

// SettleMission 结算单轮任务。多数派任务未给出答案时使用当前多数选项。
// 任务已用相同答案结算时重新处理尚未结算的投票，答案不同返回 Conflict。
func (e *Engine) SettleMission(ctx context.Context, missionID string, answer model.Answer) (_ *model.SettlementReport, err error) {
	ctx, span := tracer.Start(ctx, "settlement.SettleMission", trace.WithAttributes(attribute.String("mission.id", missionID)))
	defer func() { endSpan(span, err) }()

	m, err := e.repo.GetMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	answer, err = e.resolveAnswer(ctx, m, answer)
	if err != nil {
		return nil, err
	}

	event, err := newEvent(model.NotificationEvent{
		Type:      model.EventMissionSettled,
		MissionID: m.ID,
		Title:     m.Title,
		Answer:    &answer,
		SettledAt: e.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	applied, err := e.repo.MarkMissionSettled(ctx, missionID, answer, event)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := e.repo.GetMissionForWrite(ctx, missionID)
		if err != nil {
			return nil, err
		}
		if current.CorrectAnswer == nil || !current.CorrectAnswer.Equal(answer) {
			return nil, apperr.Newf(apperr.Conflict, "任务 %s 已按答案 %s 结算", missionID, answerString(current.CorrectAnswer))
		}
		logging.Log.Infof("任务 %s 已结算，重新处理未结算的投票", missionID)
	}

	report := &model.SettlementReport{MissionID: missionID, Applied: applied, Answer: answer.String()}
	votes, err := e.repo.ListVotes(ctx, missionID)
	if err != nil {
		logging.Log.Errorf("加载任务 %s 的投票失败，需要人工核对: %v", missionID, err)
		report.LoadFailed = true
		return report, nil
	}

	missionType := model.MissionTypeSingle
	results := e.run(len(votes), func(i int) voteResult {
		v := votes[i]
		if v.SettledAt != nil {
			return voteSkipped
		}
		outcome := scoring.Vote(m, answer, v.Selected)
		return e.settleOne(ctx, v.ID, v.UserID, m.ID, missionType, v.PointsEarned, outcome, e.repo.SettleVote)
	})
	e.fill(report, results)

	span.SetAttributes(attribute.Int("votes.settled", report.Settled), attribute.Int("votes.failed", report.Failed))
	logging.Log.WithFields(logrus.Fields{
		"mission": missionID, "answer": report.Answer, "total": report.Total,
		"settled": report.Settled, "skipped": report.Skipped, "failed": report.Failed,
	}).Info("任务结算完成")
	return report, nil
}

// resolveAnswer 多数派任务缺省答案取多数选项，预测任务必须给出答案
func (e *Engine) resolveAnswer(ctx context.Context, m *model.Mission, answer model.Answer) (model.Answer, error) {
	if !answer.IsZero() {
		return m.NormalizeAnswer(answer)
	}
	if !m.Kind.RewardsParticipation() {
		return model.Answer{}, apperr.Newf(apperr.InvalidInput, "预测任务 %s 需要提供正确答案", m.ID)
	}
	if m.Status == model.StatusOpen {
		if _, err := e.stats.Recompute(ctx, m.ID); err != nil {
			return model.Answer{}, err
		}
		refreshed, err := e.repo.GetMissionForWrite(ctx, m.ID)
		if err != nil {
			return model.Answer{}, err
		}
		*m = *refreshed
	} else if m.CorrectAnswer != nil {
		return *m.CorrectAnswer, nil
	}
	if m.MajorityOption == nil {
		return model.Answer{}, apperr.Newf(apperr.InvalidInput, "任务 %s 没有唯一的多数选项", m.ID)
	}
	return model.SingleChoice(*m.MajorityOption), nil
}

// SettleCoupleMission 按最终配对结算情侣配对任务
func (e *Engine) SettleCoupleMission(ctx context.Context, missionID string, finalPairing []model.Connection) (_ *model.SettlementReport, err error) {
	ctx, span := tracer.Start(ctx, "settlement.SettleCoupleMission", trace.WithAttributes(attribute.String("mission.id", missionID)))
	defer func() { endSpan(span, err) }()

	final := model.SanitizeConnections(finalPairing)
	if len(final) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "最终配对不能为空")
	}
	m, err := e.repo.GetCoupleMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}

	event, err := newEvent(model.NotificationEvent{
		Type:         model.EventCoupleMissionSettled,
		MissionID:    m.ID,
		Title:        m.Title,
		FinalPairing: final,
		SettledAt:    e.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	applied, err := e.repo.MarkCoupleMissionSettled(ctx, missionID, final, event)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := e.repo.GetCoupleMissionForWrite(ctx, missionID)
		if err != nil {
			return nil, err
		}
		if !samePairing(current.FinalAnswer, final) {
			return nil, apperr.Newf(apperr.Conflict, "任务 %s 已按其他配对结算", missionID)
		}
		logging.Log.Infof("任务 %s 已结算，重新处理未结算的配对投票", missionID)
	}

	report := &model.SettlementReport{MissionID: missionID, Applied: applied, Answer: pairingString(final)}
	votes, err := e.repo.ListCoupleVotes(ctx, missionID)
	if err != nil {
		logging.Log.Errorf("加载任务 %s 的配对投票失败，需要人工核对: %v", missionID, err)
		report.LoadFailed = true
		return report, nil
	}

	missionType := model.MissionTypeCouple
	results := e.run(len(votes), func(i int) voteResult {
		v := votes[i]
		if v.SettledAt != nil {
			return voteSkipped
		}
		outcome := scoring.Couple(m.Title, final, v.Picks(), m.TotalEpisodes)
		return e.settleOne(ctx, v.ID, v.UserID, m.ID, missionType, v.PointsEarned, outcome, e.repo.SettleCoupleVote)
	})
	e.fill(report, results)

	logging.Log.WithFields(logrus.Fields{
		"mission": missionID, "total": report.Total,
		"settled": report.Settled, "skipped": report.Skipped, "failed": report.Failed,
	}).Info("情侣配对任务结算完成")
	return report, nil
}

// SettleEpisodes 结算指定回合，单个回合失败不影响其他回合
func (e *Engine) SettleEpisodes(ctx context.Context, missionID string, episodeNos []int) ([]*model.Episode, error) {
	if len(episodeNos) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "回合列表不能为空")
	}
	nos := append([]int(nil), episodeNos...)
	sort.Ints(nos)

	var (
		settled []*model.Episode
		errs    []error
	)
	for i, no := range nos {
		if i > 0 && nos[i-1] == no {
			continue
		}
		ep, err := e.episodes.Transition(ctx, missionID, no, model.EpisodeSettled)
		if err != nil {
			logging.Log.Errorf("结算任务 %s 第 %d 回合失败: %v", missionID, no, err)
			errs = append(errs, fmt.Errorf("第 %d 回合: %w", no, err))
			continue
		}
		settled = append(settled, ep)
	}

	if done, err := e.episodes.AllSettled(ctx, missionID); err == nil && done {
		if err := e.settleStagedPairing(ctx, missionID); err != nil {
			errs = append(errs, err)
		}
	}
	return settled, errors.Join(errs...)
}

// StageFinalPairing 登记最终配对。全部回合已结算时立即结算任务。
func (e *Engine) StageFinalPairing(ctx context.Context, missionID string, finalPairing []model.Connection) error {
	final := model.SanitizeConnections(finalPairing)
	if len(final) == 0 || len(final) != len(finalPairing) {
		return apperr.New(apperr.InvalidInput, "最终配对的左右两侧都不能为空")
	}
	if err := e.repo.StageCoupleFinalPairing(ctx, missionID, final); err != nil {
		return err
	}
	logging.Log.Infof("任务 %s 已登记最终配对 %s", missionID, pairingString(final))

	done, err := e.episodes.AllSettled(ctx, missionID)
	if err != nil || !done {
		return err
	}
	return e.settleStagedPairing(ctx, missionID)
}

// settleStagedPairing 全部回合结算后，使用已登记的最终配对结算任务
func (e *Engine) settleStagedPairing(ctx context.Context, missionID string) error {
	m, err := e.repo.GetCoupleMissionForWrite(ctx, missionID)
	if err != nil {
		return err
	}
	if m.Status != model.StatusOpen {
		return nil
	}
	if len(m.PendingFinalAnswer) == 0 {
		logging.Log.Infof("任务 %s 的全部回合已结算，等待最终配对", missionID)
		return nil
	}
	report, err := e.SettleCoupleMission(ctx, missionID, m.PendingFinalAnswer)
	if err != nil {
		logging.Log.Errorf("任务 %s 自动结算失败: %v", missionID, err)
		return fmt.Errorf("自动结算: %w", err)
	}
	logging.Log.Infof("任务 %s 全部回合已结算，已按登记的配对自动结算，结算 %d 票", missionID, report.Settled)
	return nil
}

// settleOne 单条投票结算，重试耗尽后只记录日志
func (e *Engine) settleOne(ctx context.Context, voteID int64, userID, missionID string, missionType model.MissionType,
	alreadyEarned int, outcome scoring.Outcome, write func(context.Context, *model.VoteSettlement) (bool, error)) voteResult {

	correct := outcome.Correct
	s := &model.VoteSettlement{
		VoteID:       voteID,
		IsCorrect:    &correct,
		PointsEarned: outcome.Delta,
		SettledAt:    e.now(),
	}
	// 提交时已发放的参与积分不重复发放
	if delta := outcome.Delta - alreadyEarned; delta != 0 {
		id := missionID
		s.Credit = &model.PointLog{
			UserID:      userID,
			Diff:        delta,
			Reason:      outcome.Reason,
			MissionID:   &id,
			MissionType: &missionType,
			Metadata:    map[string]any{"voteId": voteID, "isCorrect": correct},
		}
	}

	applied, err := retry.Do(ctx, e.policy, "结算投票", func() (bool, error) {
		return write(ctx, s)
	})
	if err != nil {
		logging.Log.WithFields(logrus.Fields{
			"mission": missionID, "vote": voteID, "user": userID, "points": outcome.Delta,
		}).Errorf("投票结算失败，需要人工核对: %v", err)
		return voteFailed
	}
	if !applied {
		return voteSkipped
	}
	if s.Credit != nil && e.balances != nil {
		e.balances.Invalidate(ctx, userID)
	}
	return voteSettled
}

// run 在有限并发的协程池中逐条结算
func (e *Engine) run(n int, settle func(i int) voteResult) []voteResult {
	p := pool.NewWithResults[voteResult]().WithMaxGoroutines(e.workers)
	for i := 0; i < n; i++ {
		p.Go(func() voteResult {
			return settle(i)
		})
	}
	return p.Wait()
}

func (e *Engine) fill(report *model.SettlementReport, results []voteResult) {
	report.Total = len(results)
	for _, r := range results {
		switch r {
		case voteSettled:
			report.Settled++
		case voteSkipped:
			report.Skipped++
		case voteFailed:
			report.Failed++
		}
	}
}

func newEvent(ev model.NotificationEvent) (*model.OutboxMessage, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("序列化结算通知失败: %w", err)
	}
	return &model.OutboxMessage{EventType: ev.Type, AggregateID: ev.MissionID, Payload: payload}, nil
}

func samePairing(a, b []model.Connection) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[string]int, len(a))
	for _, c := range a {
		keys[c.Key()]++
	}
	for _, c := range b {
		keys[c.Key()]--
		if keys[c.Key()] < 0 {
			return false
		}
	}
	return true
}

func pairingString(conns []model.Connection) string {
	keys := make([]string, 0, len(conns))
	for _, c := range conns {
		keys = append(keys, c.Key())
	}
	return strings.Join(keys, ",")
}

func answerString(a *model.Answer) string {
	if a == nil {
		return "<空>"
	}
	return a.String()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
