// Package scoring 纯函数计分，不访问存储
package scoring

import (
	"fmt"
	"sort"

	"github.com/lvdashuaibi/realpick/internal/model"
)

const (
	ParticipationPoints = 10
	CorrectPoints       = 100
	IncorrectPoints     = -50

	maxRoundReward = 1000
	roundStep      = 100
	minRoundReward = 100
)

// Outcome 单条投票的计分结果
type Outcome struct {
	Delta   int
	Correct bool
	Reason  string
}

// Participation 多数派任务的参与奖励
func Participation(title string) Outcome {
	return Outcome{
		Delta:   ParticipationPoints,
		Correct: true,
		Reason:  fmt.Sprintf("미션 참여 보상: %s", orDefault(title, "미션")),
	}
}

// Single 单选预测: 答对 +100，答错 -50
func Single(title, selected, correct string) Outcome {
	if selected != "" && selected == correct {
		return Outcome{Delta: CorrectPoints, Correct: true, Reason: fmt.Sprintf("미션 정답: %s", orDefault(title, "미션"))}
	}
	return Outcome{Delta: IncorrectPoints, Reason: fmt.Sprintf("미션 오답: %s", orDefault(title, "미션"))}
}

// Multi 多选或文本预测: 每个命中 +100，每个未命中 -50
func Multi(title string, selected, correct []string) Outcome {
	correctSet := make(map[string]struct{}, len(correct))
	for _, c := range correct {
		correctSet[c] = struct{}{}
	}

	seen := make(map[string]struct{}, len(selected))
	hits, misses := 0, 0
	for _, s := range selected {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		if _, ok := correctSet[s]; ok {
			hits++
		} else {
			misses++
		}
	}

	delta := hits*CorrectPoints + misses*IncorrectPoints
	return Outcome{
		Delta:   delta,
		Correct: delta > 0,
		Reason:  fmt.Sprintf("%s 정답 %d개, 오답 %d개", orDefault(title, "미션"), hits, misses),
	}
}

// Vote 按任务类型计分，多数派任务的 correct 为多数选项
func Vote(m *model.Mission, correct, selected model.Answer) Outcome {
	if m.Kind.RewardsParticipation() {
		out := Participation(m.Title)
		out.Correct = !correct.IsZero() && selected.Equal(correct)
		return out
	}
	if m.IsMultiSelect() {
		return Multi(m.Title, selected.Values(), correct.Values())
	}
	return Single(m.Title, selected.Single(), correct.Single())
}

// RoundReward 从第 r 回合起持续正确的奖励，回合越早越高
func RoundReward(r int) int {
	if r < 1 {
		r = 1
	}
	reward := maxRoundReward - roundStep*(r-1)
	if reward < minRoundReward {
		return minRoundReward
	}
	return reward
}

// RoundPenalty 从第 r 回合起持续错误的扣分
func RoundPenalty(r int) int {
	return -RoundReward(r) / 2
}

// Couple 情侣配对计分。对最终答案中的每一对，只看用户提交过该左侧人物的回合:
// 最后一次提交决定对错，再沿已提交回合向前找到结果相同的连续区间起点 r，
// 正确得 RoundReward(r)，错误得 RoundPenalty(r)。从未选择过的配对计 0 分。
func Couple(title string, final []model.Connection, picks map[int]map[string]string, totalEpisodes int) Outcome {
	episodes := make([]int, 0, len(picks))
	for ep := range picks {
		if ep < 1 || (totalEpisodes > 0 && ep > totalEpisodes) {
			continue
		}
		episodes = append(episodes, ep)
	}
	sort.Ints(episodes)

	delta, hits, misses := 0, 0, 0
	for _, pair := range final {
		rounds := make([]int, 0, len(episodes))
		for _, ep := range episodes {
			if _, ok := picks[ep][pair.Left]; ok {
				rounds = append(rounds, ep)
			}
		}
		if len(rounds) == 0 {
			continue
		}

		last := rounds[len(rounds)-1]
		finalCorrect := picks[last][pair.Left] == pair.Right
		start := last
		for i := len(rounds) - 1; i >= 0; i-- {
			ep := rounds[i]
			if (picks[ep][pair.Left] == pair.Right) != finalCorrect {
				break
			}
			start = ep
		}

		if finalCorrect {
			delta += RoundReward(start)
			hits++
		} else {
			delta += RoundPenalty(start)
			misses++
		}
	}

	return Outcome{
		Delta:   delta,
		Correct: hits > 0 && misses == 0,
		Reason:  fmt.Sprintf("%s 커플 매칭 정산 (정답 %d쌍, 오답 %d쌍)", orDefault(title, "커플 매칭"), hits, misses),
	}
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
