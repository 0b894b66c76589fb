package model

import (
	"strings"
	"time"
)

// Vote 单轮任务的投票记录，每个用户每个任务只有一条
type Vote struct {
	ID           int64      `json:"id"`
	UserID       string     `json:"userId"`
	MissionID    string     `json:"missionId"`
	Selected     Answer     `json:"selectedOption"`
	IsCorrect    *bool      `json:"isCorrect,omitempty"`
	PointsEarned int        `json:"pointsEarned"`
	SubmittedAt  time.Time  `json:"submittedAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	SettledAt    *time.Time `json:"settledAt,omitempty"`
}

// Connection 一对配对
type Connection struct {
	Left  string `json:"left"`
	Right string `json:"right"`
}

// Key 统计用的配对键
func (c Connection) Key() string {
	return c.Left + "-" + c.Right
}

// SanitizeConnections 去除首尾空白并丢弃不完整的配对
func SanitizeConnections(conns []Connection) []Connection {
	out := make([]Connection, 0, len(conns))
	for _, c := range conns {
		c.Left = strings.TrimSpace(c.Left)
		c.Right = strings.TrimSpace(c.Right)
		if c.Left == "" || c.Right == "" {
			continue
		}
		out = append(out, c)
	}
	return out
}

// EpisodePick 某一回合的配对提交
type EpisodePick struct {
	Connections []Connection `json:"connections"`
	SubmittedAt time.Time    `json:"submittedAt"`
}

// CoupleVote 情侣配对任务的汇总投票记录，按回合保存每次提交
type CoupleVote struct {
	ID           int64               `json:"id"`
	UserID       string              `json:"userId"`
	MissionID    string              `json:"missionId"`
	Votes        map[int]EpisodePick `json:"votes"`
	IsCorrect    *bool               `json:"isCorrect,omitempty"`
	PointsEarned int                 `json:"pointsEarned"`
	SubmittedAt  time.Time           `json:"submittedAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
	SettledAt    *time.Time          `json:"settledAt,omitempty"`
}

// Picks 回合 -> 左侧 -> 右侧，同一回合内同一左侧以最后一次为准
func (v *CoupleVote) Picks() map[int]map[string]string {
	picks := make(map[int]map[string]string, len(v.Votes))
	for ep, pick := range v.Votes {
		m := make(map[string]string, len(pick.Connections))
		for _, c := range pick.Connections {
			m[c.Left] = c.Right
		}
		picks[ep] = m
	}
	return picks
}
