// Package episode 回合状态机 open -> locked -> settled
package episode

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

type Store interface {
	GetCoupleMissionForWrite(ctx context.Context, id string) (*model.CoupleMission, error)
	EnsureEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error)
	GetEpisode(ctx context.Context, missionID string, episodeNo int) (*model.Episode, error)
	TransitionEpisode(ctx context.Context, missionID string, episodeNo int, from, to model.EpisodeStatus) (bool, error)
}

// Recomputer 回合结算前刷新配对统计
type Recomputer interface {
	RecomputeEpisode(ctx context.Context, missionID string, episodeNo int) (*model.AggregatedResults, error)
}

type Machine struct {
	store Store
	stats Recomputer
}

func NewMachine(store Store, stats Recomputer) *Machine {
	return &Machine{store: store, stats: stats}
}

// Transition 推进回合状态。相同状态视为成功，回退返回 Conflict。
func (m *Machine) Transition(ctx context.Context, missionID string, episodeNo int, to model.EpisodeStatus) (*model.Episode, error) {
	if !to.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的回合状态: %s", to)
	}
	mission, err := m.store.GetCoupleMissionForWrite(ctx, missionID)
	if err != nil {
		return nil, err
	}
	if episodeNo < 1 || episodeNo > mission.TotalEpisodes {
		return nil, apperr.Newf(apperr.InvalidInput, "回合 %d 超出范围 1..%d", episodeNo, mission.TotalEpisodes)
	}

	ep, err := m.store.EnsureEpisode(ctx, missionID, episodeNo)
	if err != nil {
		return nil, err
	}
	if ep.Status == to {
		return ep, nil
	}
	if !ep.Status.CanTransitionTo(to) {
		return nil, apperr.Newf(apperr.Conflict, "第 %d 回合不能从 %s 回到 %s", episodeNo, ep.Status, to)
	}

	if to == model.EpisodeSettled {
		if _, err := m.stats.RecomputeEpisode(ctx, missionID, episodeNo); err != nil {
			return nil, err
		}
	}

	applied, err := m.store.TransitionEpisode(ctx, missionID, episodeNo, ep.Status, to)
	if err != nil {
		return nil, err
	}
	current, err := m.store.GetEpisode(ctx, missionID, episodeNo)
	if err != nil {
		return nil, err
	}
	if !applied && current.Status != to {
		// 并发推进到了其他状态
		return nil, apperr.Newf(apperr.Conflict, "第 %d 回合当前状态为 %s", episodeNo, current.Status)
	}

	logging.Log.WithFields(logrus.Fields{
		"mission": missionID, "episode": episodeNo, "from": ep.Status, "to": to,
	}).Info("回合状态已更新")
	return current, nil
}

// AllSettled 1..totalEpisodes 是否全部结算
func (m *Machine) AllSettled(ctx context.Context, missionID string) (bool, error) {
	mission, err := m.store.GetCoupleMissionForWrite(ctx, missionID)
	if err != nil {
		return false, err
	}
	return mission.AllEpisodesSettled(), nil
}
