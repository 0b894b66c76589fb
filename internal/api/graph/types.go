package graph

import (
	"sort"
	"time"

	"github.com/lvdashuaibi/realpick/internal/model"
)

// 以下视图类型通过 UseFieldResolvers 按字段名解析

type OptionCount struct {
	Option     string
	Count      int32
	Percentage int32
}

type PairCount struct {
	Pair       string
	Count      int32
	Percentage int32
}

type Connection struct {
	Left  string
	Right string
}

type Mission struct {
	ID             string
	Title          string
	Kind           string
	Format         string
	SubmissionType string
	Options        []string
	Deadline       string
	Status         string
	CorrectAnswer  *[]string
	VoteCounts     []*OptionCount
	MajorityOption *string
	Participants   int32
	CreatedAt      string
}

type EpisodeState struct {
	EpisodeNo int32
	Status    string
}

type CoupleMission struct {
	ID            string
	Title         string
	Left          []string
	Right         []string
	Deadline      string
	Status        string
	FinalAnswer   *[]*Connection
	TotalEpisodes int32
	Episodes      []*EpisodeState
	Participants  int32
	CreatedAt     string
}

type Episode struct {
	MissionID    string
	EpisodeNo    int32
	Status       string
	TotalPicks   int32
	Participants int32
	Pairs        []*PairCount
}

type Results struct {
	MissionID    string
	EpisodeNo    *int32
	Options      []*OptionCount
	Pairs        []*PairCount
	TotalVotes   int32
	Participants int32
	Majority     *string
}

type Vote struct {
	UserID       string
	MissionID    string
	Answer       []string
	IsCorrect    *bool
	PointsEarned int32
	SubmittedAt  string
}

type EpisodePick struct {
	EpisodeNo   int32
	Connections []*Connection
}

type CoupleVote struct {
	UserID       string
	MissionID    string
	Picks        []*EpisodePick
	IsCorrect    *bool
	PointsEarned int32
}

type Tier struct {
	Name      string
	MinPoints int32
}

type Balance struct {
	UserID   string
	Points   int32
	Tier     *Tier
	NextTier *Tier
}

type PointLog struct {
	ID           string
	UserID       string
	Diff         int32
	Reason       string
	MissionID    *string
	MissionType  *string
	BalanceAfter int32
	CreatedAt    string
}

type SettlementReport struct {
	MissionID  string
	Applied    bool
	Answer     string
	Total      int32
	Settled    int32
	Skipped    int32
	Failed     int32
	LoadFailed bool
}

type MissionPayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Mission   *Mission
}

type CoupleMissionPayload struct {
	Success       bool
	ErrorKind     *string
	Message       string
	CoupleMission *CoupleMission
}

type VotePayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Vote      *Vote
}

type CoupleVotePayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Vote      *CoupleVote
}

type SettlementPayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Report    *SettlementReport
}

type EpisodePayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Episode   *Episode
}

type EpisodesPayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Episodes  []*Episode
}

type PointLogPayload struct {
	Success   bool
	ErrorKind *string
	Message   string
	Log       *PointLog
}

type ResultPayload struct {
	Success   bool
	ErrorKind *string
	Message   string
}

type RecalculatePayload struct {
	Success    bool
	ErrorKind  *string
	Message    string
	Recomputed int32
	Failed     int32
}

// 输入类型

type CreateMissionInput struct {
	Title          string
	Kind           string
	Format         *string
	SubmissionType *string
	Options        *[]string
	Deadline       string
}

type CreateCoupleMissionInput struct {
	Title         string
	Left          []string
	Right         []string
	Deadline      string
	TotalEpisodes *int32
}

type ConnectionInput struct {
	Left  string
	Right string
}

type CreditInput struct {
	UserID      string
	Diff        int32
	Reason      string
	MissionID   *string
	MissionType *string
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func optionCounts(order []string, counts, percentages map[string]int) []*OptionCount {
	keys := append([]string(nil), order...)
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		seen[k] = struct{}{}
	}
	// 文本作答没有声明选项，按字典序补齐
	var extra []string
	for k := range counts {
		if _, ok := seen[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	keys = append(keys, extra...)

	out := make([]*OptionCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, &OptionCount{Option: k, Count: int32(counts[k]), Percentage: int32(percentages[k])})
	}
	return out
}

func pairCounts(pairs map[string]model.PairStat) []*PairCount {
	keys := make([]string, 0, len(pairs))
	for k := range pairs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*PairCount, 0, len(keys))
	for _, k := range keys {
		out = append(out, &PairCount{Pair: k, Count: int32(pairs[k].Count), Percentage: int32(pairs[k].Percentage)})
	}
	return out
}

func connections(conns []model.Connection) []*Connection {
	out := make([]*Connection, 0, len(conns))
	for _, c := range conns {
		out = append(out, &Connection{Left: c.Left, Right: c.Right})
	}
	return out
}

func toMission(m *model.Mission) *Mission {
	v := &Mission{
		ID:             m.ID,
		Title:          m.Title,
		Kind:           string(m.Kind),
		Format:         string(m.Format),
		SubmissionType: string(m.SubmissionType),
		Options:        append([]string{}, m.Options...),
		Deadline:       formatTime(m.Deadline),
		Status:         string(m.Status),
		VoteCounts:     optionCounts(m.Options, m.VoteCounts, m.OptionVoteCounts),
		MajorityOption: m.MajorityOption,
		Participants:   int32(m.StatsParticipants),
		CreatedAt:      formatTime(m.CreatedAt),
	}
	if m.CorrectAnswer != nil {
		values := m.CorrectAnswer.Values()
		v.CorrectAnswer = &values
	}
	return v
}

func toCoupleMission(m *model.CoupleMission) *CoupleMission {
	v := &CoupleMission{
		ID:            m.ID,
		Title:         m.Title,
		Left:          append([]string{}, m.MatchPairs.Left...),
		Right:         append([]string{}, m.MatchPairs.Right...),
		Deadline:      formatTime(m.Deadline),
		Status:        string(m.Status),
		TotalEpisodes: int32(m.TotalEpisodes),
		Participants:  int32(m.StatsParticipants),
		CreatedAt:     formatTime(m.CreatedAt),
	}
	for ep := 1; ep <= m.TotalEpisodes; ep++ {
		v.Episodes = append(v.Episodes, &EpisodeState{EpisodeNo: int32(ep), Status: string(m.EpisodeStatus(ep))})
	}
	if len(m.FinalAnswer) > 0 {
		final := connections(m.FinalAnswer)
		v.FinalAnswer = &final
	}
	return v
}

func toEpisode(ep *model.Episode) *Episode {
	return &Episode{
		MissionID:    ep.MissionID,
		EpisodeNo:    int32(ep.EpisodeNo),
		Status:       string(ep.Status),
		TotalPicks:   int32(ep.TotalPicks),
		Participants: int32(ep.Participants),
		Pairs:        pairCounts(ep.CouplePickCounts),
	}
}

func toResults(r *model.AggregatedResults, order []string) *Results {
	v := &Results{
		MissionID:    r.MissionID,
		Options:      optionCounts(order, r.Counts, r.Percentages),
		Pairs:        pairCounts(r.Pairs),
		TotalVotes:   int32(r.TotalVotes),
		Participants: int32(r.Participants),
		Majority:     r.Majority,
	}
	if r.EpisodeNo != nil {
		no := int32(*r.EpisodeNo)
		v.EpisodeNo = &no
	}
	return v
}

func toVote(v *model.Vote) *Vote {
	return &Vote{
		UserID:       v.UserID,
		MissionID:    v.MissionID,
		Answer:       v.Selected.Values(),
		IsCorrect:    v.IsCorrect,
		PointsEarned: int32(v.PointsEarned),
		SubmittedAt:  formatTime(v.SubmittedAt),
	}
}

func toCoupleVote(v *model.CoupleVote) *CoupleVote {
	episodes := make([]int, 0, len(v.Votes))
	for ep := range v.Votes {
		episodes = append(episodes, ep)
	}
	sort.Ints(episodes)

	out := &CoupleVote{
		UserID:       v.UserID,
		MissionID:    v.MissionID,
		Picks:        make([]*EpisodePick, 0, len(episodes)),
		IsCorrect:    v.IsCorrect,
		PointsEarned: int32(v.PointsEarned),
	}
	for _, ep := range episodes {
		out.Picks = append(out.Picks, &EpisodePick{EpisodeNo: int32(ep), Connections: connections(v.Votes[ep].Connections)})
	}
	return out
}

func toTier(t model.Tier) *Tier {
	return &Tier{Name: t.Name, MinPoints: int32(t.MinPoints)}
}

func toBalance(b *model.Balance) *Balance {
	v := &Balance{UserID: b.UserID, Points: int32(b.Points), Tier: toTier(b.Tier)}
	if next, ok := model.NextTier(b.Points); ok {
		v.NextTier = toTier(next)
	}
	return v
}

func toPointLog(l *model.PointLog) *PointLog {
	v := &PointLog{
		ID:           l.ID,
		UserID:       l.UserID,
		Diff:         int32(l.Diff),
		Reason:       l.Reason,
		MissionID:    l.MissionID,
		BalanceAfter: int32(l.BalanceAfter),
		CreatedAt:    formatTime(l.CreatedAt),
	}
	if l.MissionType != nil {
		t := string(*l.MissionType)
		v.MissionType = &t
	}
	return v
}

func toPointLogs(logs []*model.PointLog) []*PointLog {
	out := make([]*PointLog, 0, len(logs))
	for _, l := range logs {
		out = append(out, toPointLog(l))
	}
	return out
}

func toReport(r *model.SettlementReport) *SettlementReport {
	return &SettlementReport{
		MissionID:  r.MissionID,
		Applied:    r.Applied,
		Answer:     r.Answer,
		Total:      int32(r.Total),
		Settled:    int32(r.Settled),
		Skipped:    int32(r.Skipped),
		Failed:     int32(r.Failed),
		LoadFailed: r.LoadFailed,
	}
}
