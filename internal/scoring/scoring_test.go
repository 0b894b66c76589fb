package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/lvdashuaibi/realpick/internal/model"
)

func TestSingleSelectPredict(t *testing.T) {
	m := &model.Mission{Title: "누가 탈락할까", Kind: model.KindPredict, Format: model.FormatBinary}

	win := Vote(m, model.SingleChoice("A"), model.SingleChoice("A"))
	assert.Equal(t, 100, win.Delta)
	assert.True(t, win.Correct)

	lose := Vote(m, model.SingleChoice("A"), model.SingleChoice("B"))
	assert.Equal(t, -50, lose.Delta)
	assert.False(t, lose.Correct)
}

func TestMultiSelectCountsHitsAndMisses(t *testing.T) {
	m := &model.Mission{Title: "최종 커플", Kind: model.KindPredict, Format: model.FormatMulti}

	out := Vote(m, model.MultiChoice("A", "B"), model.MultiChoice("A", "C"))
	assert.Equal(t, 50, out.Delta)
	assert.Contains(t, out.Reason, "정답 1개")
	assert.Contains(t, out.Reason, "오답 1개")

	out = Vote(m, model.MultiChoice("A", "B"), model.MultiChoice("A", "B"))
	assert.Equal(t, 200, out.Delta)

	out = Vote(m, model.MultiChoice("A"), model.MultiChoice("C", "D", "D"))
	assert.Equal(t, -100, out.Delta)
	assert.False(t, out.Correct)
}

func TestTextSubmissionUsesSetScoring(t *testing.T) {
	m := &model.Mission{Kind: model.KindPredict, Format: model.FormatBinary, SubmissionType: model.SubmissionText}
	out := Vote(m, model.ParseAnswerString(`["민수","영희"]`), model.SingleChoice("영희"))
	assert.Equal(t, 100, out.Delta)
}

func TestMajorityIsParticipationOnly(t *testing.T) {
	m := &model.Mission{Kind: model.KindMajority, Format: model.FormatBinary}
	out := Vote(m, model.SingleChoice("A"), model.SingleChoice("B"))
	assert.Equal(t, ParticipationPoints, out.Delta)
	assert.False(t, out.Correct)

	out = Vote(m, model.SingleChoice("A"), model.SingleChoice("A"))
	assert.Equal(t, ParticipationPoints, out.Delta)
	assert.True(t, out.Correct)

	out = Vote(&model.Mission{Kind: model.KindPoll}, model.Answer{}, model.SingleChoice("A"))
	assert.Equal(t, ParticipationPoints, out.Delta)
}

func TestRoundRewardTable(t *testing.T) {
	expected := map[int]int{1: 1000, 2: 900, 3: 800, 4: 700, 5: 600, 6: 500, 7: 400, 8: 300, 10: 100, 20: 100}
	for r, want := range expected {
		assert.Equal(t, want, RoundReward(r), "round %d", r)
		assert.Equal(t, -want/2, RoundPenalty(r), "round %d", r)
	}
}

func picks(entries map[int]string) map[int]map[string]string {
	out := make(map[int]map[string]string, len(entries))
	for ep, right := range entries {
		out[ep] = map[string]string{"A": right}
	}
	return out
}

var finalAX = []model.Connection{{Left: "A", Right: "X"}}

func TestCoupleNoPicksScoresZero(t *testing.T) {
	out := Couple("", finalAX, map[int]map[string]string{}, 8)
	assert.Equal(t, 0, out.Delta)
	assert.False(t, out.Correct)
}

func TestCoupleStreakFromEarliestCorrectRound(t *testing.T) {
	out := Couple("", finalAX, picks(map[int]string{1: "Y", 2: "X", 3: "X"}), 8)
	assert.Equal(t, RoundReward(2), out.Delta)
	assert.True(t, out.Correct)

	out = Couple("", finalAX, picks(map[int]string{1: "X", 2: "X"}), 3)
	assert.Equal(t, RoundReward(1), out.Delta)
}

func TestCoupleFinalWrongPenalisesIncorrectStreak(t *testing.T) {
	out := Couple("", finalAX, picks(map[int]string{1: "X", 2: "Y", 3: "Z"}), 8)
	assert.Equal(t, RoundPenalty(2), out.Delta)
	assert.False(t, out.Correct)
}

func TestCoupleSkipsUnsubmittedEpisodes(t *testing.T) {
	// 第3回合未提交，不影响第1、2回合的连续区间
	out := Couple("", finalAX, picks(map[int]string{1: "X", 2: "X"}), 3)
	assert.Equal(t, 1000, out.Delta)

	// 未提交的回合不打断区间
	out = Couple("", finalAX, picks(map[int]string{1: "X", 4: "X"}), 8)
	assert.Equal(t, 1000, out.Delta)
}

func TestCoupleIgnoresEpisodesBeyondTotal(t *testing.T) {
	out := Couple("", finalAX, picks(map[int]string{1: "X", 9: "Y"}), 8)
	assert.Equal(t, 1000, out.Delta)
}

func TestCoupleIsMonotonicInMatchingEpisodes(t *testing.T) {
	base := map[int]string{1: "Y", 2: "Y", 3: "Y", 4: "Y"}
	prev := Couple("", finalAX, picks(base), 4).Delta

	// 从后往前逐个改为正确，分数不下降
	for _, ep := range []int{4, 3, 2, 1} {
		base[ep] = "X"
		cur := Couple("", finalAX, picks(base), 4).Delta
		assert.GreaterOrEqual(t, cur, prev, "episode %d", ep)
		prev = cur
	}

	// 从前往后逐个改为正确，分数同样不下降
	base = map[int]string{1: "Y", 2: "Y", 3: "Y", 4: "Y"}
	prev = Couple("", finalAX, picks(base), 4).Delta
	for _, ep := range []int{1, 2, 3, 4} {
		base[ep] = "X"
		cur := Couple("", finalAX, picks(base), 4).Delta
		assert.GreaterOrEqual(t, cur, prev, "episode %d", ep)
		prev = cur
	}
}

func TestCoupleIsDeterministicAcrossPairs(t *testing.T) {
	final := []model.Connection{{Left: "A", Right: "X"}, {Left: "B", Right: "Y"}}
	p := map[int]map[string]string{
		1: {"A": "X", "B": "Z"},
		2: {"A": "X", "B": "Y"},
	}
	first := Couple("", final, p, 8)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Couple("", final, p, 8))
	}
	assert.Equal(t, RoundReward(1)+RoundReward(2), first.Delta)
}
