package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/lvdashuaibi/realpick/internal/apperr"
	"github.com/lvdashuaibi/realpick/internal/model"
)

const missionColumns = `id, title, kind, format, submission_type, options, deadline, status, correct_answer,
	vote_counts, option_vote_counts, majority_option, stats_participants, created_at, updated_at`

// CreateMission 新建单轮任务
func (r *SQLRepository) CreateMission(ctx context.Context, m *model.Mission) error {
	now := r.timestamp()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Deadline = dbTime(m.Deadline)
	if m.Status == "" {
		m.Status = model.StatusOpen
	}
	if m.VoteCounts == nil {
		m.VoteCounts = map[string]int{}
	}
	if m.OptionVoteCounts == nil {
		m.OptionVoteCounts = map[string]int{}
	}

	options, err := encodeJSON(m.Options)
	if err != nil {
		return err
	}
	counts, err := encodeJSON(m.VoteCounts)
	if err != nil {
		return err
	}
	percentages, err := encodeJSON(m.OptionVoteCounts)
	if err != nil {
		return err
	}

	query := `INSERT INTO missions (` + missionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL, 0, ?, ?)`
	_, err = r.masterDB.ExecContext(ctx, query,
		m.ID, m.Title, string(m.Kind), string(m.Format), string(m.SubmissionType), options,
		m.Deadline, string(m.Status), counts, percentages, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if r.dialect.isDuplicate(err) {
			return apperr.Newf(apperr.Conflict, "任务 %s 已存在", m.ID)
		}
		return persistence("保存任务失败", err)
	}
	return nil
}

// GetMission 查询单轮任务
func (r *SQLRepository) GetMission(ctx context.Context, id string) (*model.Mission, error) {
	return r.getMission(ctx, r.slaveDB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id), id)
}

// GetMissionForWrite 从主库读取，避免主从延迟读到旧状态
func (r *SQLRepository) GetMissionForWrite(ctx context.Context, id string) (*model.Mission, error) {
	return r.getMission(ctx, r.masterDB.QueryRowContext(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = ?`, id), id)
}

func (r *SQLRepository) getMission(_ context.Context, row *sql.Row, id string) (*model.Mission, error) {
	m, err := scanMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "任务 %s 不存在", id)
		}
		return nil, persistence("查询任务失败", err)
	}
	return m, nil
}

func scanMission(row rowScanner) (*model.Mission, error) {
	var (
		m                                model.Mission
		kind, format, submission, status string
		options, counts, percentages     string
		correctAnswer, majority          sql.NullString
	)
	err := row.Scan(&m.ID, &m.Title, &kind, &format, &submission, &options, &m.Deadline, &status,
		&correctAnswer, &counts, &percentages, &majority, &m.StatsParticipants, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Kind = model.MissionKind(kind)
	m.Format = model.MissionFormat(format)
	m.SubmissionType = model.SubmissionType(submission)
	m.Status = model.MissionStatus(status)
	m.MajorityOption = stringPtr(majority)

	if err := decodeJSON(options, &m.Options); err != nil {
		return nil, err
	}
	m.VoteCounts = map[string]int{}
	if err := decodeJSON(counts, &m.VoteCounts); err != nil {
		return nil, err
	}
	m.OptionVoteCounts = map[string]int{}
	if err := decodeJSON(percentages, &m.OptionVoteCounts); err != nil {
		return nil, err
	}
	if correctAnswer.Valid {
		answer, err := model.ParseAnswer([]byte(correctAnswer.String))
		if err != nil {
			return nil, err
		}
		m.CorrectAnswer = &answer
	}
	return &m, nil
}

// ListMissionIDs 全部单轮任务ID
func (r *SQLRepository) ListMissionIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT id FROM missions ORDER BY created_at`)
}

// ListCoupleMissionIDs 全部情侣配对任务ID
func (r *SQLRepository) ListCoupleMissionIDs(ctx context.Context) ([]string, error) {
	return r.listIDs(ctx, `SELECT id FROM couple_missions ORDER BY created_at`)
}

func (r *SQLRepository) listIDs(ctx context.Context, query string) ([]string, error) {
	rows, err := r.slaveDB.QueryContext(ctx, query)
	if err != nil {
		return nil, persistence("查询任务列表失败", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, persistence("扫描任务ID失败", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代任务列表失败", err)
	}
	return ids, nil
}

// ListExpiredOpenMissions 已过截止时间但仍未结算的任务
func (r *SQLRepository) ListExpiredOpenMissions(ctx context.Context, now time.Time, kinds []model.MissionKind) ([]*model.Mission, error) {
	if len(kinds) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(kinds)), ", ")
	args := []any{string(model.StatusOpen), dbTime(now)}
	for _, k := range kinds {
		args = append(args, string(k))
	}

	query := `SELECT ` + missionColumns + ` FROM missions
		WHERE status = ? AND deadline <= ? AND kind IN (` + placeholders + `)
		ORDER BY deadline`
	rows, err := r.masterDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, persistence("查询过期任务失败", err)
	}
	defer rows.Close()

	var missions []*model.Mission
	for rows.Next() {
		m, err := scanMission(rows)
		if err != nil {
			return nil, persistence("扫描过期任务失败", err)
		}
		missions = append(missions, m)
	}
	if err := rows.Err(); err != nil {
		return nil, persistence("迭代过期任务失败", err)
	}
	return missions, nil
}

// UpdateMissionTally 写回统计结果。总票数为0时不改动多数选项
func (r *SQLRepository) UpdateMissionTally(ctx context.Context, missionID string, tally *model.Tally) error {
	counts, err := encodeJSON(tally.Counts)
	if err != nil {
		return err
	}
	percentages, err := encodeJSON(tally.Percentages)
	if err != nil {
		return err
	}

	var result sql.Result
	if tally.Total > 0 {
		result, err = r.masterDB.ExecContext(ctx,
			`UPDATE missions SET vote_counts = ?, option_vote_counts = ?, majority_option = ?, updated_at = ? WHERE id = ?`,
			counts, percentages, nullableString(tally.Majority), r.timestamp(), missionID)
	} else {
		result, err = r.masterDB.ExecContext(ctx,
			`UPDATE missions SET vote_counts = ?, option_vote_counts = ?, updated_at = ? WHERE id = ?`,
			counts, percentages, r.timestamp(), missionID)
	}
	if err != nil {
		return persistence("更新任务统计失败", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return apperr.Newf(apperr.NotFound, "任务 %s 不存在", missionID)
	}
	return nil
}

// MarkMissionSettled 乐观锁结算: 只有 status='open' 时才会写入，同一事务写入通知发件箱。
// 返回 false 表示任务此前已经结算。
func (r *SQLRepository) MarkMissionSettled(ctx context.Context, missionID string, answer model.Answer, event *model.OutboxMessage) (bool, error) {
	encoded, err := answer.MarshalJSON()
	if err != nil {
		return false, err
	}

	applied := false
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE missions SET status = ?, correct_answer = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.StatusSettled), string(encoded), r.timestamp(), missionID, string(model.StatusOpen))
		if err != nil {
			return persistence("更新任务结算状态失败", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return persistence("获取更新结果失败", err)
		}
		if n == 0 {
			return nil
		}
		applied = true
		if event != nil {
			return r.insertOutboxTx(ctx, tx, event)
		}
		return nil
	})
	return applied, err
}

const coupleMissionColumns = `id, title, kind, left_options, right_options, deadline, status, final_answer,
	pending_final_answer, total_episodes, episode_statuses, stats_participants, created_at, updated_at`

// CreateCoupleMission 新建情侣配对任务
func (r *SQLRepository) CreateCoupleMission(ctx context.Context, m *model.CoupleMission) error {
	now := r.timestamp()
	m.CreatedAt, m.UpdatedAt = now, now
	m.Deadline = dbTime(m.Deadline)
	if m.Status == "" {
		m.Status = model.StatusOpen
	}
	if m.TotalEpisodes <= 0 {
		m.TotalEpisodes = model.DefaultTotalEpisodes
	}
	if m.EpisodeStatuses == nil {
		m.EpisodeStatuses = map[int]model.EpisodeStatus{}
	}

	left, err := encodeJSON(m.MatchPairs.Left)
	if err != nil {
		return err
	}
	right, err := encodeJSON(m.MatchPairs.Right)
	if err != nil {
		return err
	}
	statuses, err := encodeJSON(m.EpisodeStatuses)
	if err != nil {
		return err
	}

	query := `INSERT INTO couple_missions (` + coupleMissionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?, 0, ?, ?)`
	_, err = r.masterDB.ExecContext(ctx, query,
		m.ID, m.Title, string(m.Kind), left, right, m.Deadline, string(m.Status),
		m.TotalEpisodes, statuses, m.CreatedAt, m.UpdatedAt,
	)
	if err != nil {
		if r.dialect.isDuplicate(err) {
			return apperr.Newf(apperr.Conflict, "任务 %s 已存在", m.ID)
		}
		return persistence("保存情侣配对任务失败", err)
	}
	return nil
}

// GetCoupleMission 查询情侣配对任务
func (r *SQLRepository) GetCoupleMission(ctx context.Context, id string) (*model.CoupleMission, error) {
	return r.getCoupleMission(r.slaveDB.QueryRowContext(ctx, `SELECT `+coupleMissionColumns+` FROM couple_missions WHERE id = ?`, id), id)
}

// GetCoupleMissionForWrite 从主库读取，提交与结算前的状态判断使用
func (r *SQLRepository) GetCoupleMissionForWrite(ctx context.Context, id string) (*model.CoupleMission, error) {
	return r.getCoupleMission(r.masterDB.QueryRowContext(ctx, `SELECT `+coupleMissionColumns+` FROM couple_missions WHERE id = ?`, id), id)
}

func (r *SQLRepository) getCoupleMission(row *sql.Row, id string) (*model.CoupleMission, error) {
	m, err := scanCoupleMission(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Newf(apperr.NotFound, "情侣配对任务 %s 不存在", id)
		}
		return nil, persistence("查询情侣配对任务失败", err)
	}
	return m, nil
}

func scanCoupleMission(row rowScanner) (*model.CoupleMission, error) {
	var (
		m                     model.CoupleMission
		kind, status          string
		left, right, statuses string
		finalAnswer, pending  sql.NullString
	)
	err := row.Scan(&m.ID, &m.Title, &kind, &left, &right, &m.Deadline, &status, &finalAnswer, &pending,
		&m.TotalEpisodes, &statuses, &m.StatsParticipants, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}

	m.Kind = model.MissionKind(kind)
	m.Status = model.MissionStatus(status)
	if err := decodeJSON(left, &m.MatchPairs.Left); err != nil {
		return nil, err
	}
	if err := decodeJSON(right, &m.MatchPairs.Right); err != nil {
		return nil, err
	}
	m.EpisodeStatuses = map[int]model.EpisodeStatus{}
	if err := decodeJSON(statuses, &m.EpisodeStatuses); err != nil {
		return nil, err
	}
	if finalAnswer.Valid {
		if err := decodeJSON(finalAnswer.String, &m.FinalAnswer); err != nil {
			return nil, err
		}
	}
	if pending.Valid {
		if err := decodeJSON(pending.String, &m.PendingFinalAnswer); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// StageCoupleFinalPairing 登记最终配对，只在任务未结算时写入。
// 任务已结算返回 Conflict。
func (r *SQLRepository) StageCoupleFinalPairing(ctx context.Context, missionID string, final []model.Connection) error {
	encoded, err := encodeJSON(final)
	if err != nil {
		return err
	}
	result, err := r.masterDB.ExecContext(ctx,
		`UPDATE couple_missions SET pending_final_answer = ?, updated_at = ? WHERE id = ? AND status = ?`,
		encoded, r.timestamp(), missionID, string(model.StatusOpen))
	if err != nil {
		return persistence("登记最终配对失败", err)
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		if _, err := r.GetCoupleMissionForWrite(ctx, missionID); err != nil {
			return err
		}
		return apperr.Newf(apperr.Conflict, "任务 %s 已结算，不能再登记最终配对", missionID)
	}
	return nil
}

// MarkCoupleMissionSettled 与 MarkMissionSettled 相同的乐观锁结算
func (r *SQLRepository) MarkCoupleMissionSettled(ctx context.Context, missionID string, final []model.Connection, event *model.OutboxMessage) (bool, error) {
	encoded, err := encodeJSON(final)
	if err != nil {
		return false, err
	}

	applied := false
	err = r.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE couple_missions SET status = ?, final_answer = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(model.StatusSettled), encoded, r.timestamp(), missionID, string(model.StatusOpen))
		if err != nil {
			return persistence("更新情侣配对任务结算状态失败", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return persistence("获取更新结果失败", err)
		}
		if n == 0 {
			return nil
		}
		applied = true
		if event != nil {
			return r.insertOutboxTx(ctx, tx, event)
		}
		return nil
	})
	return applied, err
}
