package model

import "time"

// Tally 单轮任务的统计结果
type Tally struct {
	Counts      map[string]int `json:"counts"`
	Percentages map[string]int `json:"percentages"`
	Total       int            `json:"total"`
	Majority    *string        `json:"majority,omitempty"`
}

// AggregatedResults 对外的统计视图
type AggregatedResults struct {
	MissionID    string              `json:"missionId"`
	EpisodeNo    *int                `json:"episodeNo,omitempty"`
	Counts       map[string]int      `json:"counts,omitempty"`
	Percentages  map[string]int      `json:"percentages,omitempty"`
	Pairs        map[string]PairStat `json:"pairs,omitempty"`
	TotalVotes   int                 `json:"totalVotes"`
	Participants int                 `json:"participants"`
	Majority     *string             `json:"majority,omitempty"`
	Version      int64               `json:"version"`
}

// VoteSettlement 单条投票的结算写入，Credit 为空表示不产生积分变动
type VoteSettlement struct {
	VoteID       int64
	IsCorrect    *bool
	PointsEarned int
	SettledAt    time.Time
	Credit       *PointLog
}

// SettlementReport 结算汇总
type SettlementReport struct {
	MissionID  string `json:"missionId"`
	Applied    bool   `json:"applied"`
	Answer     string `json:"answer"`
	Total      int    `json:"total"`
	Settled    int    `json:"settled"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	LoadFailed bool   `json:"loadFailed"`
}

// 通知事件类型
const (
	EventMissionSettled       = "mission.settled"
	EventCoupleMissionSettled = "couple_mission.settled"
)

// NotificationEvent 结算完成后对外发布的通知
type NotificationEvent struct {
	Type         string       `json:"type"`
	MissionID    string       `json:"missionId"`
	Title        string       `json:"title"`
	Answer       *Answer      `json:"answer,omitempty"`
	FinalPairing []Connection `json:"finalPairing,omitempty"`
	SettledAt    time.Time    `json:"settledAt"`
}

// 结算指令类型
const (
	CommandSettleMission       = "settle_mission"
	CommandSettleCoupleMission = "settle_couple_mission"
	CommandSettleEpisodes      = "settle_episodes"
)

// SettlementCommand 由协作方通过消息队列下发的结算指令
type SettlementCommand struct {
	Type          string       `json:"type"`
	MissionID     string       `json:"missionId"`
	CorrectAnswer Answer       `json:"correctAnswer"`
	FinalPairing  []Connection `json:"finalPairing,omitempty"`
	EpisodeNos    []int        `json:"episodeNos,omitempty"`
	RequestedAt   time.Time    `json:"requestedAt"`
}

// 发件箱状态
const (
	OutboxPending = "pending"
	OutboxSent    = "sent"
	OutboxFailed  = "failed"
)

// OutboxMessage 待投递的通知
type OutboxMessage struct {
	ID            int64
	EventType     string
	AggregateID   string
	Payload       []byte
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SentAt        *time.Time
}

// Result 对外接口统一结果
type Result struct {
	Success   bool   `json:"success"`
	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message"`
}
