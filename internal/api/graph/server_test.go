package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/repository"
	"github.com/lvdashuaibi/realpick/internal/service"
)

func newTestServer(t *testing.T) *GraphQLServer {
	t.Helper()
	repo, err := repository.NewSQLiteRepository(config.SQLiteConfig{Path: ":memory:"})
	require.NoError(t, err)
	require.NoError(t, repo.Migrate(context.Background()))
	t.Cleanup(repo.Close)

	svc := service.NewMissionService(repo, nil, config.SettlementConfig{Workers: 2, RetryMaxTries: 1})
	return NewGraphQLServer(svc, config.GraphQLConfig{Path: "/graphql"}, gin.TestMode)
}

type gqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func execute(t *testing.T, s *GraphQLServer, query string, variables map[string]any) gqlResponse {
	t.Helper()
	body, err := json.Marshal(map[string]any{"query": query, "variables": variables})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()
	s.Handler().ServeHTTP(res, req)
	require.Equal(t, http.StatusOK, res.Code)

	var out gqlResponse
	require.NoError(t, json.Unmarshal(res.Body.Bytes(), &out))
	require.Empty(t, out.Errors)
	return out
}

func field[T any](t *testing.T, resp gqlResponse, name string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(resp.Data[name], &v))
	return v
}

type payload struct {
	Success   bool    `json:"success"`
	ErrorKind *string `json:"errorKind"`
	Message   string  `json:"message"`
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t)

	for path, code := range map[string]int{"/healthz": http.StatusOK, "/": http.StatusOK, "/nope": http.StatusNotFound} {
		res := httptest.NewRecorder()
		s.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, res.Code, path)
	}

	res := httptest.NewRecorder()
	s.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodOptions, "/graphql", nil))
	assert.Equal(t, http.StatusNoContent, res.Code)
	assert.Equal(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}

const createMission = `mutation($input: CreateMissionInput!) {
  createMission(input: $input) { success errorKind message mission { id options status } }
}`

func TestMissionFlow(t *testing.T) {
	s := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp := execute(t, s, createMission, map[string]any{"input": map[string]any{
		"title": "누가 고백할까", "kind": "predict", "options": []string{"A", "B"}, "deadline": deadline,
	}})
	created := field[struct {
		payload
		Mission struct {
			ID      string   `json:"id"`
			Options []string `json:"options"`
			Status  string   `json:"status"`
		} `json:"mission"`
	}](t, resp, "createMission")
	require.True(t, created.Success, created.Message)
	assert.Equal(t, []string{"A", "B"}, created.Mission.Options)
	id := created.Mission.ID

	vote := `mutation($u: String!, $m: String!, $a: [String!]!) {
  submitVote(userId: $u, missionId: $m, answer: $a) { success errorKind message vote { answer pointsEarned } }
}`
	resp = execute(t, s, vote, map[string]any{"u": "u1", "m": id, "a": []string{"A"}})
	assert.True(t, field[payload](t, resp, "submitVote").Success)
	resp = execute(t, s, vote, map[string]any{"u": "u2", "m": id, "a": []string{"B"}})
	assert.True(t, field[payload](t, resp, "submitVote").Success)

	resp = execute(t, s, vote, map[string]any{"u": "u1", "m": id, "a": []string{"B"}})
	dup := field[payload](t, resp, "submitVote")
	assert.False(t, dup.Success)
	require.NotNil(t, dup.ErrorKind)
	assert.Equal(t, "Conflict", *dup.ErrorKind)

	resp = execute(t, s, `query($m: String!) { results(missionId: $m) { totalVotes options { option count percentage } } }`,
		map[string]any{"m": id})
	results := field[struct {
		TotalVotes int `json:"totalVotes"`
		Options    []struct {
			Option     string `json:"option"`
			Count      int    `json:"count"`
			Percentage int    `json:"percentage"`
		} `json:"options"`
	}](t, resp, "results")
	assert.Equal(t, 2, results.TotalVotes)
	require.Len(t, results.Options, 2)
	assert.Equal(t, "A", results.Options[0].Option)
	assert.Equal(t, 50, results.Options[0].Percentage)

	resp = execute(t, s, `mutation($m: String!, $a: [String!]) {
  settleMission(missionId: $m, correctAnswer: $a) { success message report { applied settled total } }
}`, map[string]any{"m": id, "a": []string{"A"}})
	settled := field[struct {
		payload
		Report struct {
			Applied bool `json:"applied"`
			Settled int  `json:"settled"`
		} `json:"report"`
	}](t, resp, "settleMission")
	require.True(t, settled.Success, settled.Message)
	assert.True(t, settled.Report.Applied)
	assert.Equal(t, 2, settled.Report.Settled)

	resp = execute(t, s, `query($u: String!) { balance(userId: $u) { points tier { name } nextTier { name minPoints } } }`,
		map[string]any{"u": "u1"})
	balance := field[struct {
		Points int `json:"points"`
		Tier   struct {
			Name string `json:"name"`
		} `json:"tier"`
		NextTier *struct {
			MinPoints int `json:"minPoints"`
		} `json:"nextTier"`
	}](t, resp, "balance")
	assert.Equal(t, 100, balance.Points)
	assert.Equal(t, "모태솔로", balance.Tier.Name)
	require.NotNil(t, balance.NextTier)
	assert.Equal(t, 200, balance.NextTier.MinPoints)

	resp = execute(t, s, `query($m: String!) { missionPointLogs(missionId: $m) { userId diff missionType } }`,
		map[string]any{"m": id})
	logs := field[[]struct {
		UserID      string  `json:"userId"`
		Diff        int     `json:"diff"`
		MissionType *string `json:"missionType"`
	}](t, resp, "missionPointLogs")
	assert.Len(t, logs, 2)
}

func TestMutationErrorsStayInPayload(t *testing.T) {
	s := newTestServer(t)

	resp := execute(t, s, createMission, map[string]any{"input": map[string]any{
		"title": "t", "kind": "predict", "options": []string{"A", "B"}, "deadline": "tomorrow",
	}})
	bad := field[payload](t, resp, "createMission")
	assert.False(t, bad.Success)
	require.NotNil(t, bad.ErrorKind)
	assert.Equal(t, "InvalidInput", *bad.ErrorKind)

	resp = execute(t, s, `mutation { settleMission(missionId: "missing") { success errorKind } }`, nil)
	missing := field[payload](t, resp, "settleMission")
	require.NotNil(t, missing.ErrorKind)
	assert.Equal(t, "NotFound", *missing.ErrorKind)

	resp = execute(t, s, `query { mission(id: "missing") { id } }`, nil)
	assert.Equal(t, "null", string(resp.Data["mission"]))
}

func TestCoupleFlow(t *testing.T) {
	s := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp := execute(t, s, `mutation($input: CreateCoupleMissionInput!) {
  createCoupleMission(input: $input) { success message coupleMission { id totalEpisodes episodes { episodeNo status } } }
}`, map[string]any{"input": map[string]any{
		"title": "커플 매칭", "left": []string{"민수", "철수"}, "right": []string{"영희", "지은"},
		"deadline": deadline, "totalEpisodes": 2,
	}})
	created := field[struct {
		payload
		CoupleMission struct {
			ID       string `json:"id"`
			Episodes []struct {
				Status string `json:"status"`
			} `json:"episodes"`
		} `json:"coupleMission"`
	}](t, resp, "createCoupleMission")
	require.True(t, created.Success, created.Message)
	require.Len(t, created.CoupleMission.Episodes, 2)
	id := created.CoupleMission.ID

	resp = execute(t, s, `mutation($m: String!) {
  submitEpisodeVote(userId: "u1", missionId: $m, episodeNo: 1, connections: [{left: "민수", right: "영희"}]) {
    success message vote { picks { episodeNo connections { left right } } }
  }
}`, map[string]any{"m": id})
	assert.True(t, field[payload](t, resp, "submitEpisodeVote").Success)

	resp = execute(t, s, `mutation($m: String!) {
  settleEpisodes(missionId: $m, episodeNos: [1, 5]) { success errorKind episodes { episodeNo status pairs { pair count } } }
}`, map[string]any{"m": id})
	episodes := field[struct {
		payload
		Episodes []struct {
			EpisodeNo int    `json:"episodeNo"`
			Status    string `json:"status"`
		} `json:"episodes"`
	}](t, resp, "settleEpisodes")
	assert.False(t, episodes.Success, "回合 5 超出范围")
	require.Len(t, episodes.Episodes, 1)
	assert.Equal(t, "settled", episodes.Episodes[0].Status)

	resp = execute(t, s, `mutation($m: String!) {
  settleCoupleMission(missionId: $m, finalPairing: [{left: "민수", right: "영희"}]) { success report { settled } }
}`, map[string]any{"m": id})
	assert.True(t, field[payload](t, resp, "settleCoupleMission").Success)

	resp = execute(t, s, `query { balance(userId: "u1") { points } }`, nil)
	assert.Equal(t, 1000, field[struct {
		Points int `json:"points"`
	}](t, resp, "balance").Points)
}

func TestVoteQueries(t *testing.T) {
	s := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp := execute(t, s, createMission, map[string]any{"input": map[string]any{
		"title": "첫 데이트 장소", "kind": "majority", "options": []string{"A", "B"}, "deadline": deadline,
	}})
	created := field[struct {
		payload
		Mission struct {
			ID string `json:"id"`
		} `json:"mission"`
	}](t, resp, "createMission")
	require.True(t, created.Success, created.Message)
	id := created.Mission.ID

	resp = execute(t, s, `mutation($m: String!) { submitVote(userId: "u1", missionId: $m, answer: ["B"]) { success } }`,
		map[string]any{"m": id})
	require.True(t, field[payload](t, resp, "submitVote").Success)

	query := `query($u: String!, $m: String!) {
  vote(userId: $u, missionId: $m) { answer pointsEarned }
  coupleVote(userId: $u, missionId: $m) { pointsEarned }
  hasVoted(userId: $u, missionId: $m)
}`
	resp = execute(t, s, query, map[string]any{"u": "u1", "m": id})
	v := field[*struct {
		Answer       []string `json:"answer"`
		PointsEarned int      `json:"pointsEarned"`
	}](t, resp, "vote")
	require.NotNil(t, v)
	assert.Equal(t, []string{"B"}, v.Answer)
	assert.Equal(t, 10, v.PointsEarned)
	assert.Equal(t, "null", string(resp.Data["coupleVote"]))
	assert.True(t, field[bool](t, resp, "hasVoted"))

	resp = execute(t, s, query, map[string]any{"u": "u2", "m": id})
	assert.Equal(t, "null", string(resp.Data["vote"]))
	assert.False(t, field[bool](t, resp, "hasVoted"))

	resp = execute(t, s, `query($m: String!) { topVoters(missionId: $m) { userId points tier { name } } }`,
		map[string]any{"m": id})
	top := field[[]struct {
		UserID string `json:"userId"`
		Points int    `json:"points"`
	}](t, resp, "topVoters")
	require.Len(t, top, 1)
	assert.Equal(t, "u1", top[0].UserID)
	assert.Equal(t, 10, top[0].Points)
}

func TestStageFinalPairing(t *testing.T) {
	s := newTestServer(t)
	deadline := time.Now().Add(time.Hour).UTC().Format(time.RFC3339)

	resp := execute(t, s, `mutation($input: CreateCoupleMissionInput!) {
  createCoupleMission(input: $input) { success message coupleMission { id } }
}`, map[string]any{"input": map[string]any{
		"title": "최종 선택", "left": []string{"민수"}, "right": []string{"영희", "지은"},
		"deadline": deadline, "totalEpisodes": 1,
	}})
	created := field[struct {
		payload
		CoupleMission struct {
			ID string `json:"id"`
		} `json:"coupleMission"`
	}](t, resp, "createCoupleMission")
	require.True(t, created.Success, created.Message)
	id := created.CoupleMission.ID

	stage := `mutation($m: String!, $r: String!) {
  stageFinalPairing(missionId: $m, finalPairing: [{left: "민수", right: $r}]) { success errorKind message }
}`
	resp = execute(t, s, stage, map[string]any{"m": id, "r": "영희"})
	staged := field[payload](t, resp, "stageFinalPairing")
	require.True(t, staged.Success, staged.Message)

	resp = execute(t, s, `mutation($m: String!) { settleEpisodes(missionId: $m, episodeNos: [1]) { success message } }`,
		map[string]any{"m": id})
	require.True(t, field[payload](t, resp, "settleEpisodes").Success)

	resp = execute(t, s, `query($m: String!) { coupleMission(id: $m) { status finalAnswer { left right } } }`,
		map[string]any{"m": id})
	mission := field[struct {
		Status      string `json:"status"`
		FinalAnswer []struct {
			Right string `json:"right"`
		} `json:"finalAnswer"`
	}](t, resp, "coupleMission")
	assert.Equal(t, "settled", mission.Status)
	require.Len(t, mission.FinalAnswer, 1)
	assert.Equal(t, "영희", mission.FinalAnswer[0].Right)

	resp = execute(t, s, stage, map[string]any{"m": id, "r": "지은"})
	late := field[payload](t, resp, "stageFinalPairing")
	assert.False(t, late.Success)
	require.NotNil(t, late.ErrorKind)
	assert.Equal(t, "Conflict", *late.ErrorKind)
}
