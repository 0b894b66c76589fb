package model

import (
	"strings"
	"time"

	"github.com/lvdashuaibi/realpick/internal/apperr"
)

// MissionKind 任务类型
type MissionKind string

const (
	KindMajority MissionKind = "majority"
	KindPoll     MissionKind = "poll"
	KindPredict  MissionKind = "predict"
)

func (k MissionKind) Valid() bool {
	switch k {
	case KindMajority, KindPoll, KindPredict:
		return true
	}
	return false
}

// RewardsParticipation 多数派/投票类任务在提交时即发放参与积分
func (k MissionKind) RewardsParticipation() bool {
	return k == KindMajority || k == KindPoll
}

// MissionFormat 任务形式
type MissionFormat string

const (
	FormatBinary MissionFormat = "binary"
	FormatMulti  MissionFormat = "multi"
	FormatCouple MissionFormat = "couple"
)

func (f MissionFormat) Valid() bool {
	switch f {
	case FormatBinary, FormatMulti, FormatCouple:
		return true
	}
	return false
}

// SubmissionType 提交方式，text 表示自由文本作答
type SubmissionType string

const (
	SubmissionSelection SubmissionType = "selection"
	SubmissionText      SubmissionType = "text"
)

func (s SubmissionType) Valid() bool {
	return s == SubmissionSelection || s == SubmissionText
}

// MissionStatus 任务状态，只能从 open 变为 settled
type MissionStatus string

const (
	StatusOpen    MissionStatus = "open"
	StatusSettled MissionStatus = "settled"
)

// DefaultTotalEpisodes 情侣配对任务默认回合数
const DefaultTotalEpisodes = 8

// Mission 单轮任务
type Mission struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Kind              MissionKind    `json:"kind"`
	Format            MissionFormat  `json:"format"`
	SubmissionType    SubmissionType `json:"submissionType"`
	Options           []string       `json:"options"`
	Deadline          time.Time      `json:"deadline"`
	Status            MissionStatus  `json:"status"`
	CorrectAnswer     *Answer        `json:"correctAnswer,omitempty"`
	VoteCounts        map[string]int `json:"voteCounts"`
	OptionVoteCounts  map[string]int `json:"optionVoteCounts"`
	MajorityOption    *string        `json:"majorityOption,omitempty"`
	StatsParticipants int            `json:"statsParticipants"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// IsMultiSelect 多选或文本作答的任务按集合计分
func (m *Mission) IsMultiSelect() bool {
	return m.Format == FormatMulti || m.SubmissionType == SubmissionText
}

// IsTextSubmission 文本作答的任务没有固定选项
func (m *Mission) IsTextSubmission() bool {
	return m.SubmissionType == SubmissionText
}

// HasOption 判断选项是否属于任务声明的选项
func (m *Mission) HasOption(option string) bool {
	option = strings.TrimSpace(option)
	for _, o := range m.Options {
		if o == option {
			return true
		}
	}
	return false
}

// AcceptsVotesAt 任务未结算且未过截止时间
func (m *Mission) AcceptsVotesAt(now time.Time) bool {
	if m.Status != StatusOpen {
		return false
	}
	return m.Deadline.IsZero() || now.Before(m.Deadline)
}

// NormalizeAnswer 按任务形式校验作答: 单选只能一个值，选择题只接受声明过的选项
func (m *Mission) NormalizeAnswer(answer Answer) (Answer, error) {
	values := answer.Values()
	if len(values) == 0 {
		return Answer{}, apperr.New(apperr.InvalidInput, "作答不能为空")
	}
	if !m.IsTextSubmission() {
		for _, v := range values {
			if !m.HasOption(v) {
				return Answer{}, apperr.Newf(apperr.InvalidInput, "选项 %q 不属于任务 %s", v, m.ID)
			}
		}
	}
	if m.IsMultiSelect() {
		return MultiChoice(values...), nil
	}
	if len(values) > 1 {
		return Answer{}, apperr.Newf(apperr.InvalidInput, "任务 %s 只能选择一个选项", m.ID)
	}
	return SingleChoice(values[0]), nil
}

// MatchPairs 情侣配对任务的左右候选名单
type MatchPairs struct {
	Left  []string `json:"left"`
	Right []string `json:"right"`
}

func (p MatchPairs) HasLeft(name string) bool {
	return contains(p.Left, name)
}

func (p MatchPairs) HasRight(name string) bool {
	return contains(p.Right, name)
}

// CoupleMission 多回合情侣配对任务
type CoupleMission struct {
	ID                 string                `json:"id"`
	Title              string                `json:"title"`
	Kind               MissionKind           `json:"kind"`
	MatchPairs         MatchPairs            `json:"matchPairs"`
	Deadline           time.Time             `json:"deadline"`
	Status             MissionStatus         `json:"status"`
	FinalAnswer        []Connection          `json:"finalAnswer,omitempty"`
	// PendingFinalAnswer 预先登记的最终配对，全部回合结算后自动使用
	PendingFinalAnswer []Connection          `json:"-"`
	TotalEpisodes      int                   `json:"totalEpisodes"`
	EpisodeStatuses    map[int]EpisodeStatus `json:"episodeStatuses"`
	StatsParticipants  int                   `json:"statsParticipants"`
	CreatedAt          time.Time             `json:"createdAt"`
	UpdatedAt          time.Time             `json:"updatedAt"`
}

// EpisodeStatus 返回回合状态，未记录的回合视为 open
func (m *CoupleMission) EpisodeStatus(episodeNo int) EpisodeStatus {
	if s, ok := m.EpisodeStatuses[episodeNo]; ok {
		return s
	}
	return EpisodeOpen
}

// AllEpisodesSettled 1..TotalEpisodes 全部结算
func (m *CoupleMission) AllEpisodesSettled() bool {
	if m.TotalEpisodes <= 0 {
		return false
	}
	for ep := 1; ep <= m.TotalEpisodes; ep++ {
		if m.EpisodeStatus(ep) != EpisodeSettled {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	v = strings.TrimSpace(v)
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
