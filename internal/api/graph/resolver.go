package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/ledger"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/service"
)

// Resolver GraphQL解析器。mutation 的错误统一放在 payload 中返回，不作为 GraphQL 错误。
type Resolver struct {
	missionService *service.MissionService
}

func NewResolver(missionService *service.MissionService) *Resolver {
	return &Resolver{missionService: missionService}
}

// outcome 返回 payload 的公共字段
func outcome(err error, okMessage string) (bool, *string, string) {
	res := service.Outcome(err, okMessage)
	if res.Success {
		return true, nil, res.Message
	}
	kind := res.ErrorKind
	return false, &kind, res.Message
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, apperr.Newf(apperr.InvalidInput, "解析%s失败，需要 RFC3339 格式: %s", field, value)
	}
	return t, nil
}

func answerOf(values []string) model.Answer {
	if len(values) == 1 {
		return model.SingleChoice(values[0])
	}
	return model.MultiChoice(values...)
}

func connectionsOf(in []ConnectionInput) []model.Connection {
	out := make([]model.Connection, 0, len(in))
	for _, c := range in {
		out = append(out, model.Connection{Left: c.Left, Right: c.Right})
	}
	return out
}

// Mission 查询单轮任务，不存在时返回 null
func (r *Resolver) Mission(ctx context.Context, args struct{ ID string }) (*Mission, error) {
	m, err := r.missionService.GetMission(ctx, args.ID)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toMission(m), nil
}

func (r *Resolver) CoupleMission(ctx context.Context, args struct{ ID string }) (*CoupleMission, error) {
	m, err := r.missionService.GetCoupleMission(ctx, args.ID)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoupleMission(m), nil
}

func (r *Resolver) Results(ctx context.Context, args struct {
	MissionID string
	EpisodeNo *int32
}) (*Results, error) {
	var episodeNo *int
	if args.EpisodeNo != nil {
		no := int(*args.EpisodeNo)
		episodeNo = &no
	}
	results, err := r.missionService.GetAggregatedResults(ctx, args.MissionID, episodeNo)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	// 按任务声明的选项顺序输出
	var order []string
	if episodeNo == nil {
		if m, err := r.missionService.GetMission(ctx, args.MissionID); err == nil {
			order = m.Options
		}
	}
	return toResults(results, order), nil
}

type userMissionArgs struct {
	UserID    string
	MissionID string
}

func (r *Resolver) Vote(ctx context.Context, args userMissionArgs) (*Vote, error) {
	v, err := r.missionService.GetUserVote(ctx, args.UserID, args.MissionID)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toVote(v), nil
}

func (r *Resolver) CoupleVote(ctx context.Context, args userMissionArgs) (*CoupleVote, error) {
	v, err := r.missionService.GetUserCoupleVote(ctx, args.UserID, args.MissionID)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return toCoupleVote(v), nil
}

func (r *Resolver) HasVoted(ctx context.Context, args userMissionArgs) (bool, error) {
	return r.missionService.HasUserVoted(ctx, args.UserID, args.MissionID)
}

func (r *Resolver) TopVoters(ctx context.Context, args struct {
	MissionID string
	Limit     *int32
}) ([]*Balance, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}
	voters, err := r.missionService.TopVoters(ctx, args.MissionID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*Balance, 0, len(voters))
	for _, b := range voters {
		out = append(out, toBalance(b))
	}
	return out, nil
}

func (r *Resolver) Balance(ctx context.Context, args struct{ UserID string }) (*Balance, error) {
	balance, err := r.missionService.GetBalance(ctx, args.UserID)
	if err != nil {
		return nil, err
	}
	return toBalance(balance), nil
}

func (r *Resolver) PointLogs(ctx context.Context, args struct {
	UserID string
	Limit  *int32
}) ([]*PointLog, error) {
	limit := 0
	if args.Limit != nil {
		limit = int(*args.Limit)
	}
	logs, err := r.missionService.ListPointLogs(ctx, args.UserID, limit)
	if err != nil {
		return nil, err
	}
	return toPointLogs(logs), nil
}

func (r *Resolver) MissionPointLogs(ctx context.Context, args struct{ MissionID string }) ([]*PointLog, error) {
	logs, err := r.missionService.ListMissionPointLogs(ctx, args.MissionID)
	if err != nil {
		return nil, err
	}
	return toPointLogs(logs), nil
}

func (r *Resolver) Tiers() []*Tier {
	out := make([]*Tier, 0, len(model.Tiers))
	for _, t := range model.Tiers {
		out = append(out, toTier(t))
	}
	return out
}

// CreateMission 新建单轮任务
func (r *Resolver) CreateMission(ctx context.Context, args struct{ Input CreateMissionInput }) *MissionPayload {
	in := args.Input
	payload := &MissionPayload{}

	deadline, err := parseTime("截止时间", in.Deadline)
	if err == nil {
		req := service.CreateMissionInput{
			Title:    in.Title,
			Kind:     model.MissionKind(in.Kind),
			Deadline: deadline,
		}
		if in.Format != nil {
			req.Format = model.MissionFormat(*in.Format)
		}
		if in.SubmissionType != nil {
			req.SubmissionType = model.SubmissionType(*in.SubmissionType)
		}
		if in.Options != nil {
			req.Options = *in.Options
		}
		var m *model.Mission
		if m, err = r.missionService.CreateMission(ctx, req); err == nil {
			payload.Mission = toMission(m)
		}
	}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "任务创建成功")
	return payload
}

func (r *Resolver) CreateCoupleMission(ctx context.Context, args struct{ Input CreateCoupleMissionInput }) *CoupleMissionPayload {
	in := args.Input
	payload := &CoupleMissionPayload{}

	deadline, err := parseTime("截止时间", in.Deadline)
	if err == nil {
		req := service.CreateCoupleMissionInput{
			Title:    in.Title,
			Left:     in.Left,
			Right:    in.Right,
			Deadline: deadline,
		}
		if in.TotalEpisodes != nil {
			req.TotalEpisodes = int(*in.TotalEpisodes)
		}
		var m *model.CoupleMission
		if m, err = r.missionService.CreateCoupleMission(ctx, req); err == nil {
			payload.CoupleMission = toCoupleMission(m)
		}
	}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "情侣配对任务创建成功")
	return payload
}

type voteArgs struct {
	UserID    string
	MissionID string
	Answer    []string
}

func (r *Resolver) SubmitVote(ctx context.Context, args voteArgs) *VotePayload {
	v, err := r.missionService.SubmitVote(ctx, args.UserID, args.MissionID, answerOf(args.Answer))
	return votePayload(v, err, "投票成功")
}

func (r *Resolver) ResubmitVote(ctx context.Context, args voteArgs) *VotePayload {
	v, err := r.missionService.ResubmitVote(ctx, args.UserID, args.MissionID, answerOf(args.Answer))
	return votePayload(v, err, "修改成功")
}

func votePayload(v *model.Vote, err error, okMessage string) *VotePayload {
	payload := &VotePayload{}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, okMessage)
	if err == nil {
		payload.Vote = toVote(v)
	}
	return payload
}

func (r *Resolver) SubmitEpisodeVote(ctx context.Context, args struct {
	UserID      string
	MissionID   string
	EpisodeNo   int32
	Connections []ConnectionInput
}) *CoupleVotePayload {
	v, err := r.missionService.SubmitEpisodeVote(ctx, args.UserID, args.MissionID, int(args.EpisodeNo), connectionsOf(args.Connections))
	payload := &CoupleVotePayload{}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, fmt.Sprintf("第 %d 回合提交成功", args.EpisodeNo))
	if err == nil {
		payload.Vote = toCoupleVote(v)
	}
	return payload
}

func (r *Resolver) SettleMission(ctx context.Context, args struct {
	MissionID     string
	CorrectAnswer *[]string
}) *SettlementPayload {
	var answer model.Answer
	if args.CorrectAnswer != nil {
		answer = answerOf(*args.CorrectAnswer)
	}
	report, err := r.missionService.SettleMission(ctx, args.MissionID, answer)
	return settlementPayload(report, err)
}

func (r *Resolver) SettleCoupleMission(ctx context.Context, args struct {
	MissionID    string
	FinalPairing []ConnectionInput
}) *SettlementPayload {
	report, err := r.missionService.SettleCoupleMission(ctx, args.MissionID, connectionsOf(args.FinalPairing))
	return settlementPayload(report, err)
}

func settlementPayload(report *model.SettlementReport, err error) *SettlementPayload {
	payload := &SettlementPayload{}
	msg := "结算完成"
	if err == nil && (report.Failed > 0 || report.LoadFailed) {
		msg = "结算完成，部分投票未能结算，可使用相同答案重试"
	}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, msg)
	if err == nil {
		payload.Report = toReport(report)
	}
	return payload
}

// SettleEpisodes 部分回合失败时仍返回已结算的回合
func (r *Resolver) SettleEpisodes(ctx context.Context, args struct {
	MissionID  string
	EpisodeNos []int32
}) *EpisodesPayload {
	nos := make([]int, 0, len(args.EpisodeNos))
	for _, no := range args.EpisodeNos {
		nos = append(nos, int(no))
	}
	episodes, err := r.missionService.SettleEpisodes(ctx, args.MissionID, nos)
	payload := &EpisodesPayload{Episodes: make([]*Episode, 0, len(episodes))}
	for _, ep := range episodes {
		payload.Episodes = append(payload.Episodes, toEpisode(ep))
	}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "回合结算完成")
	return payload
}

func (r *Resolver) StageFinalPairing(ctx context.Context, args struct {
	MissionID    string
	FinalPairing []ConnectionInput
}) *ResultPayload {
	err := r.missionService.StageFinalPairing(ctx, args.MissionID, connectionsOf(args.FinalPairing))
	payload := &ResultPayload{}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "最终配对已登记")
	return payload
}

func (r *Resolver) TransitionEpisode(ctx context.Context, args struct {
	MissionID string
	EpisodeNo int32
	Status    string
}) *EpisodePayload {
	ep, err := r.missionService.TransitionEpisode(ctx, args.MissionID, int(args.EpisodeNo), model.EpisodeStatus(args.Status))
	payload := &EpisodePayload{}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "回合状态已更新")
	if err == nil {
		payload.Episode = toEpisode(ep)
	}
	return payload
}

func (r *Resolver) CreditPoints(ctx context.Context, args struct{ Input CreditInput }) *PointLogPayload {
	in := args.Input
	req := ledger.CreditRequest{
		UserID:    in.UserID,
		Diff:      int(in.Diff),
		Reason:    in.Reason,
		MissionID: in.MissionID,
	}
	if in.MissionType != nil {
		t := model.MissionType(*in.MissionType)
		req.MissionType = &t
	}
	entry, err := r.missionService.CreditPoints(ctx, req)
	payload := &PointLogPayload{}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "积分已入账")
	if err == nil {
		payload.Log = toPointLog(entry)
	}
	return payload
}

func (r *Resolver) RecalculateAll(ctx context.Context) *RecalculatePayload {
	recomputed, failed, err := r.missionService.RecalculateAll(ctx)
	payload := &RecalculatePayload{Recomputed: int32(recomputed), Failed: int32(failed)}
	payload.Success, payload.ErrorKind, payload.Message = outcome(err, "统计重算完成")
	return payload
}
