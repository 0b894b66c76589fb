package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/aggregation"
	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/episode"
	"github.com/lvdashuaibi/realpick/internal/ledger"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/repository"
	"github.com/lvdashuaibi/realpick/internal/retry"
	"github.com/lvdashuaibi/realpick/internal/settlement"
	"github.com/lvdashuaibi/realpick/internal/vote"
)

const (
	DefaultTopVoters = 3
	MaxTopVoters     = 100
)

// CreateMissionInput 新建单轮任务
type CreateMissionInput struct {
	Title          string
	Kind           model.MissionKind
	Format         model.MissionFormat
	SubmissionType model.SubmissionType
	Options        []string
	Deadline       time.Time
}

// CreateCoupleMissionInput 新建情侣配对任务
type CreateCoupleMissionInput struct {
	Title         string
	Left          []string
	Right         []string
	Deadline      time.Time
	TotalEpisodes int
}

type MissionService struct {
	repo       *repository.SQLRepository
	votes      *vote.Store
	stats      *aggregation.Engine
	episodes   *episode.Machine
	settlement *settlement.Engine
	ledger     *ledger.Service
	now        func() time.Time
}

// NewMissionService cache 为空时不使用 Redis 缓存
func NewMissionService(repo *repository.SQLRepository, cache *repository.RedisRepository, cfg config.SettlementConfig) *MissionService {
	var (
		results  aggregation.ResultCache
		balances ledger.BalanceCache
	)
	if cache != nil {
		results, balances = cache, cache
	}

	policy := retry.DefaultPolicy
	if cfg.RetryMaxTries > 0 {
		policy.MaxTries = uint(cfg.RetryMaxTries)
	}

	stats := aggregation.NewEngine(repo, results)
	points := ledger.NewService(repo, balances, policy)
	episodes := episode.NewMachine(repo, stats)
	return &MissionService{
		repo:       repo,
		votes:      vote.NewStore(repo, stats, points),
		stats:      stats,
		episodes:   episodes,
		settlement: settlement.NewEngine(repo, stats, episodes, points, cfg),
		ledger:     points,
		now:        time.Now,
	}
}

// Settlement 定时结算使用的结算引擎
func (s *MissionService) Settlement() *settlement.Engine {
	return s.settlement
}

// CreateMission 新建单轮任务
func (s *MissionService) CreateMission(ctx context.Context, in CreateMissionInput) (*model.Mission, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.InvalidInput, "任务标题不能为空")
	}
	if !in.Kind.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的任务类型: %q", in.Kind)
	}
	if in.Format == "" {
		in.Format = model.FormatBinary
	}
	if in.Format == model.FormatCouple {
		return nil, apperr.New(apperr.InvalidInput, "情侣配对任务请使用 CreateCoupleMission")
	}
	if !in.Format.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的任务形式: %q", in.Format)
	}
	if in.SubmissionType == "" {
		in.SubmissionType = model.SubmissionSelection
	}
	if !in.SubmissionType.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的提交方式: %q", in.SubmissionType)
	}
	if err := s.checkDeadline(in.Deadline); err != nil {
		return nil, err
	}

	options, err := normalizeNames(in.Options, "选项")
	if err != nil {
		return nil, err
	}
	if in.SubmissionType == model.SubmissionSelection {
		if len(options) < 2 {
			return nil, apperr.New(apperr.InvalidInput, "选择题至少需要两个选项")
		}
		if in.Format == model.FormatBinary && len(options) != 2 {
			return nil, apperr.New(apperr.InvalidInput, "二选一任务只能有两个选项")
		}
	}

	m := &model.Mission{
		ID:             uuid.NewString(),
		Title:          title,
		Kind:           in.Kind,
		Format:         in.Format,
		SubmissionType: in.SubmissionType,
		Options:        options,
		Deadline:       in.Deadline,
	}
	if err := s.repo.CreateMission(ctx, m); err != nil {
		return nil, err
	}
	logging.Log.Infof("任务已创建: %s (%s/%s)", m.ID, m.Kind, m.Format)
	return m, nil
}

// CreateCoupleMission 新建情侣配对任务，只能是预测类型
func (s *MissionService) CreateCoupleMission(ctx context.Context, in CreateCoupleMissionInput) (*model.CoupleMission, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.InvalidInput, "任务标题不能为空")
	}
	left, err := normalizeNames(in.Left, "左侧人物")
	if err != nil {
		return nil, err
	}
	right, err := normalizeNames(in.Right, "右侧人物")
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		return nil, apperr.New(apperr.InvalidInput, "左右两侧的人物都不能为空")
	}
	if in.TotalEpisodes < 0 {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的回合数: %d", in.TotalEpisodes)
	}
	if in.TotalEpisodes == 0 {
		in.TotalEpisodes = model.DefaultTotalEpisodes
	}
	if err := s.checkDeadline(in.Deadline); err != nil {
		return nil, err
	}

	m := &model.CoupleMission{
		ID:            uuid.NewString(),
		Title:         title,
		Kind:          model.KindPredict,
		MatchPairs:    model.MatchPairs{Left: left, Right: right},
		Deadline:      in.Deadline,
		TotalEpisodes: in.TotalEpisodes,
	}
	if err := s.repo.CreateCoupleMission(ctx, m); err != nil {
		return nil, err
	}
	logging.Log.Infof("情侣配对任务已创建: %s，共 %d 回合", m.ID, m.TotalEpisodes)
	return m, nil
}

func (s *MissionService) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	return s.repo.GetMission(ctx, id)
}

func (s *MissionService) GetCoupleMission(ctx context.Context, id string) (*model.CoupleMission, error) {
	return s.repo.GetCoupleMission(ctx, id)
}

// GetUserVote 用户在单轮任务下的作答，未投票返回 NotFound
func (s *MissionService) GetUserVote(ctx context.Context, userID, missionID string) (*model.Vote, error) {
	return s.repo.GetVote(ctx, strings.TrimSpace(userID), missionID)
}

func (s *MissionService) GetUserCoupleVote(ctx context.Context, userID, missionID string) (*model.CoupleVote, error) {
	return s.repo.GetCoupleVote(ctx, strings.TrimSpace(userID), missionID)
}

// HasUserVoted 单轮投票与配对投票任一存在即视为已参与
func (s *MissionService) HasUserVoted(ctx context.Context, userID, missionID string) (bool, error) {
	_, err := s.GetUserVote(ctx, userID, missionID)
	if err == nil {
		return true, nil
	}
	if !apperr.IsKind(err, apperr.NotFound) {
		return false, err
	}
	_, err = s.GetUserCoupleVote(ctx, userID, missionID)
	if err == nil {
		return true, nil
	}
	if apperr.IsKind(err, apperr.NotFound) {
		return false, nil
	}
	return false, err
}

// TopVoters 任务参与者按积分排行
func (s *MissionService) TopVoters(ctx context.Context, missionID string, limit int) ([]*model.Balance, error) {
	if limit <= 0 {
		limit = DefaultTopVoters
	}
	if limit > MaxTopVoters {
		limit = MaxTopVoters
	}
	return s.repo.ListTopVoters(ctx, missionID, limit)
}

func (s *MissionService) SubmitVote(ctx context.Context, userID, missionID string, answer model.Answer) (*model.Vote, error) {
	return s.votes.Submit(ctx, userID, missionID, answer)
}

func (s *MissionService) ResubmitVote(ctx context.Context, userID, missionID string, answer model.Answer) (*model.Vote, error) {
	return s.votes.Resubmit(ctx, userID, missionID, answer)
}

func (s *MissionService) SubmitEpisodeVote(ctx context.Context, userID, missionID string, episodeNo int, connections []model.Connection) (*model.CoupleVote, error) {
	return s.votes.SubmitEpisode(ctx, userID, missionID, episodeNo, connections)
}

func (s *MissionService) SettleMission(ctx context.Context, missionID string, answer model.Answer) (*model.SettlementReport, error) {
	return s.settlement.SettleMission(ctx, missionID, answer)
}

func (s *MissionService) SettleCoupleMission(ctx context.Context, missionID string, finalPairing []model.Connection) (*model.SettlementReport, error) {
	return s.settlement.SettleCoupleMission(ctx, missionID, finalPairing)
}

// StageFinalPairing 登记最终配对，全部回合结算后自动结算任务
func (s *MissionService) StageFinalPairing(ctx context.Context, missionID string, finalPairing []model.Connection) error {
	return s.settlement.StageFinalPairing(ctx, missionID, finalPairing)
}

func (s *MissionService) SettleEpisodes(ctx context.Context, missionID string, episodeNos []int) ([]*model.Episode, error) {
	return s.settlement.SettleEpisodes(ctx, missionID, episodeNos)
}

func (s *MissionService) TransitionEpisode(ctx context.Context, missionID string, episodeNo int, to model.EpisodeStatus) (*model.Episode, error) {
	return s.episodes.Transition(ctx, missionID, episodeNo, to)
}

// GetAggregatedResults episodeNo 为空时返回任务整体统计
func (s *MissionService) GetAggregatedResults(ctx context.Context, missionID string, episodeNo *int) (*model.AggregatedResults, error) {
	return s.stats.Results(ctx, missionID, episodeNo)
}

func (s *MissionService) CreditPoints(ctx context.Context, req ledger.CreditRequest) (*model.PointLog, error) {
	return s.ledger.Credit(ctx, req)
}

func (s *MissionService) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	return s.ledger.GetBalance(ctx, userID)
}

func (s *MissionService) ListPointLogs(ctx context.Context, userID string, limit int) ([]*model.PointLog, error) {
	return s.ledger.ListUserLogs(ctx, userID, limit)
}

func (s *MissionService) ListMissionPointLogs(ctx context.Context, missionID string) ([]*model.PointLog, error) {
	return s.ledger.ListMissionLogs(ctx, missionID)
}

// RecalculateAll 重算全部任务统计，单个任务失败不中断
func (s *MissionService) RecalculateAll(ctx context.Context) (recomputed, failed int, err error) {
	return s.stats.RecomputeAll(ctx)
}

// HandleSettlementCommand 执行消息队列下发的结算指令（消费者使用）
func (s *MissionService) HandleSettlementCommand(ctx context.Context, cmd *model.SettlementCommand) error {
	switch cmd.Type {
	case model.CommandSettleMission:
		report, err := s.SettleMission(ctx, cmd.MissionID, cmd.CorrectAnswer)
		if err != nil {
			return fmt.Errorf("处理结算指令失败: %w", err)
		}
		if report.Failed > 0 || report.LoadFailed {
			logging.Log.Warnf("任务 %s 结算存在未完成的投票，重新下发相同指令即可补结算", cmd.MissionID)
		}
	case model.CommandSettleCoupleMission:
		if _, err := s.SettleCoupleMission(ctx, cmd.MissionID, cmd.FinalPairing); err != nil {
			return fmt.Errorf("处理配对结算指令失败: %w", err)
		}
	case model.CommandSettleEpisodes:
		if _, err := s.SettleEpisodes(ctx, cmd.MissionID, cmd.EpisodeNos); err != nil {
			return fmt.Errorf("处理回合结算指令失败: %w", err)
		}
	default:
		return apperr.Newf(apperr.InvalidInput, "未知的结算指令类型: %q", cmd.Type)
	}
	return nil
}

func (s *MissionService) checkDeadline(deadline time.Time) error {
	if deadline.IsZero() {
		return apperr.New(apperr.InvalidInput, "截止时间不能为空")
	}
	if !deadline.After(s.now()) {
		return apperr.New(apperr.InvalidInput, "截止时间必须晚于当前时间")
	}
	return nil
}

// normalizeNames 去除空白，拒绝空值与重复
func normalizeNames(names []string, label string) ([]string, error) {
	out := make([]string, 0, len(names))
	seen := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			return nil, apperr.Newf(apperr.InvalidInput, "%s不能为空", label)
		}
		if _, dup := seen[n]; dup {
			return nil, apperr.Newf(apperr.InvalidInput, "%s重复: %s", label, n)
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// Outcome 把错误转换为对外的统一结果
func Outcome(err error, okMessage string) model.Result {
	if err == nil {
		return model.Result{Success: true, Message: okMessage}
	}
	kind := apperr.KindOf(err)
	message := err.Error()
	if kind == apperr.PersistenceFailure {
		// 存储层细节不对外暴露
		logging.Log.Errorf("请求失败: %v", err)
		message = "服务暂时不可用，请稍后重试"
	}
	return model.Result{Success: false, ErrorKind: string(kind), Message: message}
}
