// Package ledger 积分账本: 记账、余额、等级与流水查询
package ledger

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
	"github.com/lvdashuaibi/realpick/internal/retry"
)

// DefaultLogLimit 流水查询默认条数
const DefaultLogLimit = 100

// Store 账本所需的存储能力
type Store interface {
	CreditPoints(ctx context.Context, entry *model.PointLog) error
	GetUserPoints(ctx context.Context, userID string) (int, error)
	ListPointLogsByUser(ctx context.Context, userID string, limit int) ([]*model.PointLog, error)
	ListPointLogsByMission(ctx context.Context, missionID string) ([]*model.PointLog, error)
}

// BalanceCache 余额缓存，可为空
type BalanceCache interface {
	GetBalance(ctx context.Context, userID string) (int, bool, error)
	SetBalance(ctx context.Context, userID string, points int) error
	DeleteBalance(ctx context.Context, userID string) error
}

// CreditRequest 记账请求
type CreditRequest struct {
	UserID      string
	Diff        int
	Reason      string
	MissionID   *string
	MissionType *model.MissionType
	Metadata    map[string]any
}

// Service 积分账本
type Service struct {
	store  Store
	cache  BalanceCache
	policy retry.Policy
}

func NewService(store Store, cache BalanceCache, policy retry.Policy) *Service {
	return &Service{store: store, cache: cache, policy: policy}
}

// Credit 原子记账，余额不会低于0
func (s *Service) Credit(ctx context.Context, req CreditRequest) (*model.PointLog, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Reason = strings.TrimSpace(req.Reason)
	if req.UserID == "" {
		return nil, apperr.New(apperr.InvalidInput, "用户ID不能为空")
	}
	if req.Reason == "" {
		return nil, apperr.New(apperr.InvalidInput, "记账原因不能为空")
	}
	if req.MissionType != nil && !req.MissionType.Valid() {
		return nil, apperr.Newf(apperr.InvalidInput, "无效的任务类别: %s", *req.MissionType)
	}

	entry, err := retry.Do(ctx, s.policy, "积分记账", func() (*model.PointLog, error) {
		entry := &model.PointLog{
			UserID:      req.UserID,
			Diff:        req.Diff,
			Reason:      req.Reason,
			MissionID:   req.MissionID,
			MissionType: req.MissionType,
			Metadata:    req.Metadata,
		}
		return entry, s.store.CreditPoints(ctx, entry)
	})
	if err != nil {
		logging.Log.WithFields(logrus.Fields{"user": req.UserID, "diff": req.Diff}).Errorf("积分记账失败: %v", err)
		return nil, err
	}
	s.Invalidate(ctx, req.UserID)
	return entry, nil
}

// Invalidate 积分变动后删除余额缓存
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.DeleteBalance(ctx, userID); err != nil {
		logging.Log.Warnf("删除用户 %s 积分缓存失败: %v", userID, err)
	}
}

// GetBalance 当前积分与等级，优先读缓存
func (s *Service) GetBalance(ctx context.Context, userID string) (*model.Balance, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, apperr.New(apperr.InvalidInput, "用户ID不能为空")
	}

	if s.cache != nil {
		points, ok, err := s.cache.GetBalance(ctx, userID)
		if err != nil {
			logging.Log.Warnf("读取用户 %s 积分缓存失败: %v", userID, err)
		} else if ok {
			return &model.Balance{UserID: userID, Points: points, Tier: model.TierFor(points)}, nil
		}
	}

	points, err := s.store.GetUserPoints(ctx, userID)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetBalance(ctx, userID, points); err != nil {
			logging.Log.Warnf("写入用户 %s 积分缓存失败: %v", userID, err)
		}
	}
	return &model.Balance{UserID: userID, Points: points, Tier: model.TierFor(points)}, nil
}

// GetTier 由当前积分推导等级
func (s *Service) GetTier(ctx context.Context, userID string) (model.Tier, error) {
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return model.Tier{}, err
	}
	return balance.Tier, nil
}

// ListUserLogs 用户积分流水，limit<=0 时取默认条数
func (s *Service) ListUserLogs(ctx context.Context, userID string, limit int) ([]*model.PointLog, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.New(apperr.InvalidInput, "用户ID不能为空")
	}
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return s.store.ListPointLogsByUser(ctx, userID, limit)
}

// ListMissionLogs 任务相关积分流水
func (s *Service) ListMissionLogs(ctx context.Context, missionID string) ([]*model.PointLog, error) {
	if strings.TrimSpace(missionID) == "" {
		return nil, apperr.New(apperr.InvalidInput, "任务ID不能为空")
	}
	return s.store.ListPointLogsByMission(ctx, missionID)
}
