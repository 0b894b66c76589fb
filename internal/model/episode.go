package model

import "time"

// EpisodeStatus 回合状态 open -> locked -> settled
type EpisodeStatus string

const (
	EpisodeOpen    EpisodeStatus = "open"
	EpisodeLocked  EpisodeStatus = "locked"
	EpisodeSettled EpisodeStatus = "settled"
)

func (s EpisodeStatus) rank() int {
	switch s {
	case EpisodeOpen:
		return 1
	case EpisodeLocked:
		return 2
	case EpisodeSettled:
		return 3
	}
	return 0
}

func (s EpisodeStatus) Valid() bool {
	return s.rank() > 0
}

// CanTransitionTo 只允许向前推进
func (s EpisodeStatus) CanTransitionTo(to EpisodeStatus) bool {
	return to.Valid() && s.rank() < to.rank()
}

// PairStat 配对统计
type PairStat struct {
	Count      int `json:"count"`
	Percentage int `json:"percentage"`
}

// Episode 回合统计
type Episode struct {
	ID               int64               `json:"id"`
	MissionID        string              `json:"missionId"`
	EpisodeNo        int                 `json:"episodeNo"`
	Status           EpisodeStatus       `json:"status"`
	TotalPicks       int                 `json:"totalPicks"`
	Participants     int                 `json:"participants"`
	CouplePickCounts map[string]PairStat `json:"couplePickCounts"`
	CreatedAt        time.Time           `json:"createdAt"`
	UpdatedAt        time.Time           `json:"updatedAt"`
}
