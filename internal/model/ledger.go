package model

import "time"

// MissionType 积分日志关联的任务类别
type MissionType string

const (
	MissionTypeSingle MissionType = "mission1"
	MissionTypeCouple MissionType = "mission2"
)

func (t MissionType) Valid() bool {
	return t == MissionTypeSingle || t == MissionTypeCouple
}

// PointLog 积分流水，只追加
type PointLog struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	Diff         int            `json:"diff"`
	Reason       string         `json:"reason"`
	MissionID    *string        `json:"missionId,omitempty"`
	MissionType  *MissionType   `json:"missionType,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	BalanceAfter int            `json:"balanceAfter"`
	CreatedAt    time.Time      `json:"createdAt"`
}

// Tier 等级
type Tier struct {
	Name      string `json:"name"`
	MinPoints int    `json:"minPoints"`
}

// Tiers 按门槛升序
var Tiers = []Tier{
	{Name: "모태솔로", MinPoints: 0},
	{Name: "솔로 지망생", MinPoints: 200},
	{Name: "짝사랑 빌더", MinPoints: 500},
	{Name: "그린 플래그", MinPoints: 1000},
	{Name: "공감 실천가", MinPoints: 2000},
	{Name: "조율사", MinPoints: 3000},
	{Name: "넥서스", MinPoints: 5000},
}

// TierFor 由积分推导等级，不单独存储
func TierFor(points int) Tier {
	tier := Tiers[0]
	for _, t := range Tiers {
		if points >= t.MinPoints {
			tier = t
		}
	}
	return tier
}

// NextTier 下一等级，已是最高等级时返回 false
func NextTier(points int) (Tier, bool) {
	for _, t := range Tiers {
		if points < t.MinPoints {
			return t, true
		}
	}
	return Tier{}, false
}

// Balance 用户积分与等级
type Balance struct {
	UserID string `json:"userId"`
	Points int    `json:"points"`
	Tier   Tier   `json:"tier"`
}
