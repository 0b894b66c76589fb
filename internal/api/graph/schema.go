package graph

// schemaString GraphQL Schema定义，时间统一为 RFC3339 字符串
const schemaString = `
type OptionCount {
  option: String!
  count: Int!
  percentage: Int!
}

type PairCount {
  pair: String!
  count: Int!
  percentage: Int!
}

type Connection {
  left: String!
  right: String!
}

type Mission {
  id: String!
  title: String!
  kind: String!
  format: String!
  submissionType: String!
  options: [String!]!
  deadline: String!
  status: String!
  correctAnswer: [String!]
  voteCounts: [OptionCount!]!
  majorityOption: String
  participants: Int!
  createdAt: String!
}

type EpisodeState {
  episodeNo: Int!
  status: String!
}

type CoupleMission {
  id: String!
  title: String!
  left: [String!]!
  right: [String!]!
  deadline: String!
  status: String!
  finalAnswer: [Connection!]
  totalEpisodes: Int!
  episodes: [EpisodeState!]!
  participants: Int!
  createdAt: String!
}

type Episode {
  missionId: String!
  episodeNo: Int!
  status: String!
  totalPicks: Int!
  participants: Int!
  pairs: [PairCount!]!
}

type Results {
  missionId: String!
  episodeNo: Int
  options: [OptionCount!]!
  pairs: [PairCount!]!
  totalVotes: Int!
  participants: Int!
  majority: String
}

type Vote {
  userId: String!
  missionId: String!
  answer: [String!]!
  isCorrect: Boolean
  pointsEarned: Int!
  submittedAt: String!
}

type EpisodePick {
  episodeNo: Int!
  connections: [Connection!]!
}

type CoupleVote {
  userId: String!
  missionId: String!
  picks: [EpisodePick!]!
  isCorrect: Boolean
  pointsEarned: Int!
}

type Tier {
  name: String!
  minPoints: Int!
}

type Balance {
  userId: String!
  points: Int!
  tier: Tier!
  nextTier: Tier
}

type PointLog {
  id: String!
  userId: String!
  diff: Int!
  reason: String!
  missionId: String
  missionType: String
  balanceAfter: Int!
  createdAt: String!
}

type SettlementReport {
  missionId: String!
  applied: Boolean!
  answer: String!
  total: Int!
  settled: Int!
  skipped: Int!
  failed: Int!
  loadFailed: Boolean!
}

type MissionPayload {
  success: Boolean!
  errorKind: String
  message: String!
  mission: Mission
}

type CoupleMissionPayload {
  success: Boolean!
  errorKind: String
  message: String!
  coupleMission: CoupleMission
}

type VotePayload {
  success: Boolean!
  errorKind: String
  message: String!
  vote: Vote
}

type CoupleVotePayload {
  success: Boolean!
  errorKind: String
  message: String!
  vote: CoupleVote
}

type SettlementPayload {
  success: Boolean!
  errorKind: String
  message: String!
  report: SettlementReport
}

type EpisodePayload {
  success: Boolean!
  errorKind: String
  message: String!
  episode: Episode
}

type EpisodesPayload {
  success: Boolean!
  errorKind: String
  message: String!
  episodes: [Episode!]!
}

type PointLogPayload {
  success: Boolean!
  errorKind: String
  message: String!
  log: PointLog
}

type ResultPayload {
  success: Boolean!
  errorKind: String
  message: String!
}

type RecalculatePayload {
  success: Boolean!
  errorKind: String
  message: String!
  recomputed: Int!
  failed: Int!
}

input CreateMissionInput {
  title: String!
  kind: String!
  format: String
  submissionType: String
  options: [String!]
  deadline: String!
}

input CreateCoupleMissionInput {
  title: String!
  left: [String!]!
  right: [String!]!
  deadline: String!
  totalEpisodes: Int
}

input ConnectionInput {
  left: String!
  right: String!
}

input CreditInput {
  userId: String!
  diff: Int!
  reason: String!
  missionId: String
  missionType: String
}

type Query {
  # 单轮任务
  mission(id: String!): Mission

  # 情侣配对任务
  coupleMission(id: String!): CoupleMission

  # 统计结果，episodeNo 仅对情侣配对任务有效
  results(missionId: String!, episodeNo: Int): Results

  # 用户的作答，未投票时为 null
  vote(userId: String!, missionId: String!): Vote
  coupleVote(userId: String!, missionId: String!): CoupleVote
  hasVoted(userId: String!, missionId: String!): Boolean!

  # 参与者积分排行，limit 默认 3
  topVoters(missionId: String!, limit: Int): [Balance!]!

  balance(userId: String!): Balance!
  pointLogs(userId: String!, limit: Int): [PointLog!]!
  missionPointLogs(missionId: String!): [PointLog!]!
  tiers: [Tier!]!
}

type Mutation {
  createMission(input: CreateMissionInput!): MissionPayload!
  createCoupleMission(input: CreateCoupleMissionInput!): CoupleMissionPayload!

  submitVote(userId: String!, missionId: String!, answer: [String!]!): VotePayload!
  resubmitVote(userId: String!, missionId: String!, answer: [String!]!): VotePayload!
  submitEpisodeVote(userId: String!, missionId: String!, episodeNo: Int!, connections: [ConnectionInput!]!): CoupleVotePayload!

  # 多数派任务可以不传答案，使用当前多数选项
  settleMission(missionId: String!, correctAnswer: [String!]): SettlementPayload!
  settleCoupleMission(missionId: String!, finalPairing: [ConnectionInput!]!): SettlementPayload!
  settleEpisodes(missionId: String!, episodeNos: [Int!]!): EpisodesPayload!
  # 预先登记最终配对，全部回合结算后自动结算任务
  stageFinalPairing(missionId: String!, finalPairing: [ConnectionInput!]!): ResultPayload!
  transitionEpisode(missionId: String!, episodeNo: Int!, status: String!): EpisodePayload!

  creditPoints(input: CreditInput!): PointLogPayload!
  recalculateAll: RecalculatePayload!
}

schema {
  query: Query
  mutation: Mutation
}
`

// playgroundHTML GraphQL Playground HTML
const playgroundHTML = `
<!DOCTYPE html>
<html>
<head>
  <meta charset=utf-8/>
  <meta name="viewport" content="user-scalable=no, initial-scale=1.0, minimum-scale=1.0, maximum-scale=1.0, minimal-ui">
  <title>RealPick GraphQL Playground</title>
  <link rel="stylesheet" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/css/index.css" />
  <link rel="shortcut icon" href="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/favicon.png" />
  <script src="https://cdn.jsdelivr.net/npm/graphql-playground-react@1.7.22/build/static/js/middleware.js"></script>
</head>
<body>
  <div id="root"></div>
  <script>window.addEventListener('load', function (event) {
      GraphQLPlayground.init(document.getElementById('root'), {
        endpoint: '%s'
      })
    })</script>
</body>
</html>
`
