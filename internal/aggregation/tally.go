// Package aggregation 投票统计: 选项计数、百分比、多数选项与回合配对统计
package aggregation

import (
	"sort"
	"strings"

	"github.com/lvdashuaibi/realpick/internal/model"
)

// Compute 统计单轮任务的作答。选择题只统计声明过的选项，文本题统计所有非空作答。
// 多选任务中一个用户可贡献多个计数，总数按计数之和计算，百分比之和为100。
func Compute(m *model.Mission, answers []model.Answer) model.Tally {
	counts := make(map[string]int, len(m.Options))
	order := make([]string, 0, len(m.Options))
	if !m.IsTextSubmission() {
		for _, o := range m.Options {
			if _, ok := counts[o]; ok {
				continue
			}
			counts[o] = 0
			order = append(order, o)
		}
	}

	total := 0
	for _, a := range answers {
		for _, v := range a.Values() {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if _, declared := counts[v]; !declared {
				if !m.IsTextSubmission() {
					continue
				}
				order = append(order, v)
			}
			counts[v]++
			total++
		}
	}
	if m.IsTextSubmission() {
		sort.Strings(order)
	}

	return model.Tally{
		Counts:      counts,
		Percentages: Percentages(order, counts, total),
		Total:       total,
		Majority:    majority(order, counts, total),
	}
}

// Percentages 最大余数法取整，每项为精确值的向下或向上取整，总和为100。
// 余数相同时按 order 中的先后分配。
func Percentages(order []string, counts map[string]int, total int) map[string]int {
	out := make(map[string]int, len(order))
	if total <= 0 {
		for _, k := range order {
			out[k] = 0
		}
		return out
	}

	type share struct {
		key       string
		remainder int
		index     int
	}
	shares := make([]share, 0, len(order))
	assigned := 0
	for i, k := range order {
		scaled := counts[k] * 100
		out[k] = scaled / total
		assigned += out[k]
		shares = append(shares, share{key: k, remainder: scaled % total, index: i})
	}

	sort.SliceStable(shares, func(i, j int) bool {
		if shares[i].remainder != shares[j].remainder {
			return shares[i].remainder > shares[j].remainder
		}
		return shares[i].index < shares[j].index
	})
	for i := 0; assigned < 100 && i < len(shares); i++ {
		if shares[i].remainder == 0 {
			break
		}
		out[shares[i].key]++
		assigned++
	}
	return out
}

// majority 票数唯一最高的选项，平票或无票时为空
func majority(order []string, counts map[string]int, total int) *string {
	if total == 0 {
		return nil
	}
	best, bestCount, tied := "", 0, false
	for _, k := range order {
		switch c := counts[k]; {
		case c > bestCount:
			best, bestCount, tied = k, c, false
		case c == bestCount && c > 0:
			tied = true
		}
	}
	if tied || bestCount == 0 {
		return nil
	}
	return &best
}

// PairStats 某一回合的配对统计。每个用户在同一回合对同一左侧人物只计最后一次选择。
func PairStats(episodeNo int, votes []*model.CoupleVote) (pairs map[string]model.PairStat, totalPicks, participants int) {
	counts := map[string]int{}
	var order []string
	for _, v := range votes {
		picks, ok := v.Picks()[episodeNo]
		if !ok || len(picks) == 0 {
			continue
		}
		participants++
		for left, right := range picks {
			key := model.Connection{Left: left, Right: right}.Key()
			if _, seen := counts[key]; !seen {
				order = append(order, key)
			}
			counts[key]++
			totalPicks++
		}
	}
	sort.Strings(order)

	percentages := Percentages(order, counts, totalPicks)
	pairs = make(map[string]model.PairStat, len(order))
	for _, k := range order {
		pairs[k] = model.PairStat{Count: counts[k], Percentage: percentages[k]}
	}
	return pairs, totalPicks, participants
}
