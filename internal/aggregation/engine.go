package aggregation

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

// Store 统计所需的存储能力
type Store interface {
	GetMission(ctx context.Context, id string) (*model.Mission, error)
	GetMissionForWrite(ctx context.Context, id string) (*model.Mission, error)
	ListVotes(ctx context.Context, missionID string) ([]*model.Vote, error)
	UpdateMissionTally(ctx context.Context, missionID string, tally *model.Tally) error
	GetCoupleMission(ctx context.Context, id string) (*model.CoupleMission, error)
	ListCoupleVotes(ctx context.Context, missionID string) ([]*model.CoupleVote, error)
	EnsureEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error)
	GetEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error)
	ListEpisodes(ctx context.Context, missionID string) ([]*model.Episode, error)
	UpdateEpisodeStats(ctx context.Context, ep *model.Episode) error
	ListMissionIDs(ctx context.Context) ([]string, error)
	ListCoupleMissionIDs(ctx context.Context) ([]string, error)
}

// ResultCache 统计结果缓存，可为空
type ResultCache interface {
	GetResults(ctx context.Context, missionID string, episodeNo *int) (*model.AggregatedResults, bool, error)
	SetResults(ctx context.Context, results *model.AggregatedResults) error
	InvalidateResults(ctx context.Context, missionID string, episodeNo *int) error
}

// Engine 统计引擎，每次写入后同步重算
type Engine struct {
	store Store
	cache ResultCache
	now   func() time.Time
}

func NewEngine(store Store, cache ResultCache) *Engine {
	return &Engine{store: store, cache: cache, now: time.Now}
}

// Recompute 重新统计单轮任务并写回任务记录
func (e *Engine) Recompute(ctx context.Context, missionID string) (*model.AggregatedResults, error) {
	m, err := e.store.GetMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	votes, err := e.store.ListVotes(ctx, missionID)
	if err != nil {
		return nil, err
	}

	answers := make([]model.Answer, 0, len(votes))
	for _, v := range votes {
		answers = append(answers, v.Selected)
	}
	tally := Compute(m, answers)

	if err := e.store.UpdateMissionTally(ctx, missionID, &tally); err != nil {
		e.invalidate(ctx, missionID, nil)
		return nil, err
	}

	results := &model.AggregatedResults{
		MissionID:    missionID,
		Counts:       tally.Counts,
		Percentages:  tally.Percentages,
		TotalVotes:   tally.Total,
		Participants: len(votes),
		Majority:     tally.Majority,
		Version:      e.now().UnixNano(),
	}
	if tally.Total == 0 {
		// 无票时多数选项保持原值
		results.Majority = m.MajorityOption
	}
	e.cacheResults(ctx, results)

	logging.Log.WithFields(logrus.Fields{"mission": missionID, "total": tally.Total}).Debug("任务统计已更新")
	return results, nil
}

// RecomputeEpisode 重新统计某一回合的配对分布
func (e *Engine) RecomputeEpisode(ctx context.Context, missionID string, episodeNo int) (*model.AggregatedResults, error) {
	m, err := e.store.GetCoupleMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if episodeNo < 1 || episodeNo > m.TotalEpisodes {
		return nil, apperr.Newf(apperr.InvalidInput, "回合 %d 超出范围 1..%d", episodeNo, m.TotalEpisodes)
	}
	votes, err := e.store.ListCoupleVotes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	ep, err := e.store.EnsureEpisode(ctx, missionID, episodeNo)
	if err != nil {
		return nil, err
	}

	ep.CouplePickCounts, ep.TotalPicks, ep.Participants = PairStats(episodeNo, votes)
	if err := e.store.UpdateEpisodeStats(ctx, ep); err != nil {
		e.invalidate(ctx, missionID, &episodeNo)
		return nil, err
	}

	no := episodeNo
	results := &model.AggregatedResults{
		MissionID:    missionID,
		EpisodeNo:    &no,
		Pairs:        ep.CouplePickCounts,
		TotalVotes:   ep.TotalPicks,
		Participants: ep.Participants,
		Version:      e.now().UnixNano(),
	}
	e.cacheResults(ctx, results)
	return results, nil
}

// Results 读取统计结果，缓存未命中时从存储中的统计字段构建，不触发重算。
// episodeNo 仅对情侣配对任务有效。
func (e *Engine) Results(ctx context.Context, missionID string, episodeNo *int) (*model.AggregatedResults, error) {
	if e.cache != nil {
		results, ok, err := e.cache.GetResults(ctx, missionID, episodeNo)
		if err != nil {
			logging.Log.Warnf("读取任务 %s 统计缓存失败: %v", missionID, err)
		} else if ok {
			return results, nil
		}
	}

	var (
		results *model.AggregatedResults
		err     error
	)
	if episodeNo == nil {
		results, err = e.missionResults(ctx, missionID)
	} else {
		results, err = e.episodeResults(ctx, missionID, *episodeNo)
	}
	if err != nil {
		return nil, err
	}
	e.cacheResults(ctx, results)
	return results, nil
}

func (e *Engine) missionResults(ctx context.Context, missionID string) (*model.AggregatedResults, error) {
	m, err := e.store.GetMission(ctx, missionID)
	if err == nil {
		total := 0
		for _, c := range m.VoteCounts {
			total += c
		}
		return &model.AggregatedResults{
			MissionID:    missionID,
			Counts:       m.VoteCounts,
			Percentages:  m.OptionVoteCounts,
			TotalVotes:   total,
			Participants: m.StatsParticipants,
			Majority:     m.MajorityOption,
			Version:      m.UpdatedAt.UnixNano(),
		}, nil
	}
	if !apperr.IsKind(err, apperr.NotFound) {
		return nil, err
	}

	cm, err := e.store.GetCoupleMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	episodes, err := e.store.ListEpisodes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, ep := range episodes {
		total += ep.TotalPicks
	}
	return &model.AggregatedResults{
		MissionID:    missionID,
		TotalVotes:   total,
		Participants: cm.StatsParticipants,
		Version:      cm.UpdatedAt.UnixNano(),
	}, nil
}

func (e *Engine) episodeResults(ctx context.Context, missionID string, episodeNo int) (*model.AggregatedResults, error) {
	ep, err := e.store.GetEpisode(ctx, missionID, episodeNo)
	if err != nil {
		return nil, err
	}
	no := episodeNo
	return &model.AggregatedResults{
		MissionID:    missionID,
		EpisodeNo:    &no,
		Pairs:        ep.CouplePickCounts,
		TotalVotes:   ep.TotalPicks,
		Participants: ep.Participants,
		Version:      ep.UpdatedAt.UnixNano(),
	}, nil
}

// RecomputeAll 重算全部任务与已有投票的回合，单个任务失败只记录日志
func (e *Engine) RecomputeAll(ctx context.Context) (recomputed, failed int, err error) {
	ids, err := e.store.ListMissionIDs(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, id := range ids {
		if _, err := e.Recompute(ctx, id); err != nil {
			logging.Log.Errorf("重算任务 %s 失败: %v", id, err)
			failed++
			continue
		}
		recomputed++
	}

	coupleIDs, err := e.store.ListCoupleMissionIDs(ctx)
	if err != nil {
		return recomputed, failed, err
	}
	for _, id := range coupleIDs {
		episodes, err := e.episodesToRecompute(ctx, id)
		if err != nil {
			logging.Log.Errorf("查询任务 %s 的回合失败: %v", id, err)
			failed++
			continue
		}
		for _, no := range episodes {
			if _, err := e.RecomputeEpisode(ctx, id, no); err != nil {
				logging.Log.Errorf("重算任务 %s 第 %d 回合失败: %v", id, no, err)
				failed++
				continue
			}
			recomputed++
		}
	}
	logging.Log.Infof("统计重算完成: 成功 %d, 失败 %d", recomputed, failed)
	return recomputed, failed, nil
}

// episodesToRecompute 已创建的回合与投票中出现过的回合
func (e *Engine) episodesToRecompute(ctx context.Context, missionID string) ([]int, error) {
	m, err := e.store.GetCoupleMission(ctx, missionID)
	if err != nil {
		return nil, err
	}
	seen := map[int]struct{}{}
	episodes, err := e.store.ListEpisodes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	for _, ep := range episodes {
		seen[ep.EpisodeNo] = struct{}{}
	}
	votes, err := e.store.ListCoupleVotes(ctx, missionID)
	if err != nil {
		return nil, err
	}
	for _, v := range votes {
		for no := range v.Votes {
			seen[no] = struct{}{}
		}
	}

	out := make([]int, 0, len(seen))
	for no := range seen {
		if no >= 1 && no <= m.TotalEpisodes {
			out = append(out, no)
		}
	}
	sort.Ints(out)
	return out, nil
}

// cacheResults 尽力写入缓存
func (e *Engine) cacheResults(ctx context.Context, results *model.AggregatedResults) {
	if e.cache == nil {
		return
	}
	if err := e.cache.SetResults(ctx, results); err != nil {
		logging.Log.Warnf("写入任务 %s 统计缓存失败: %v", results.MissionID, err)
	}
}

func (e *Engine) invalidate(ctx context.Context, missionID string, episodeNo *int) {
	if e.cache == nil {
		return
	}
	if err := e.cache.InvalidateResults(ctx, missionID, episodeNo); err != nil {
		logging.Log.Warnf("删除任务 %s 统计缓存失败: %v", missionID, err)
	}
}
