package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	intkafka "github.com/lvdashuaibi/realpick/internal/kafka"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/model"
)

var (
	settleAnswers  []string
	settlePairs    []string
	settleEpisodes []int
	settleAsync    bool
)

var settleCmd = &cobra.Command{
	Use:   "settle <mission|couple|episodes> <missionId>",
	Short: "手动结算任务，--async 时通过 Kafka 下发结算指令",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		command, err := buildCommand(args[0], args[1], settleAnswers, settlePairs, settleEpisodes)
		if err != nil {
			return err
		}
		cfg, err := bootstrap()
		if err != nil {
			return err
		}

		if settleAsync {
			if !cfg.Kafka.Enabled {
				return fmt.Errorf("未启用Kafka，无法异步下发结算指令")
			}
			producer, err := intkafka.NewProducer(cfg.Kafka)
			if err != nil {
				return err
			}
			defer producer.Close()
			if err := producer.SendCommand(cmd.Context(), command); err != nil {
				return err
			}
			logging.Log.Infof("结算指令已下发: %s %s", command.Type, command.MissionID)
			return nil
		}

		svc, _, closeStores, err := openService(cfg)
		if err != nil {
			return err
		}
		defer closeStores()

		ctx := cmd.Context()
		switch command.Type {
		case model.CommandSettleMission:
			report, err := svc.SettleMission(ctx, command.MissionID, command.CorrectAnswer)
			if err != nil {
				return err
			}
			logReport(report)
		case model.CommandSettleCoupleMission:
			report, err := svc.SettleCoupleMission(ctx, command.MissionID, command.FinalPairing)
			if err != nil {
				return err
			}
			logReport(report)
		case model.CommandSettleEpisodes:
			episodes, err := svc.SettleEpisodes(ctx, command.MissionID, command.EpisodeNos)
			for _, ep := range episodes {
				logging.Log.Infof("第 %d 回合已结算，参与 %d 人", ep.EpisodeNo, ep.Participants)
			}
			if err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	settleCmd.Flags().StringSliceVar(&settleAnswers, "answer", nil, "正确答案，可重复，多数派任务可省略")
	settleCmd.Flags().StringSliceVar(&settlePairs, "pair", nil, "最终配对，格式 左=右，可重复")
	settleCmd.Flags().IntSliceVar(&settleEpisodes, "episode", nil, "要结算的回合，可重复")
	settleCmd.Flags().BoolVar(&settleAsync, "async", false, "通过 Kafka 下发而不是直接结算")
}

// buildCommand 把命令行参数转换成结算指令，同步与异步共用
func buildCommand(kind, missionID string, answers, pairs []string, episodes []int) (*model.SettlementCommand, error) {
	missionID = strings.TrimSpace(missionID)
	if missionID == "" {
		return nil, fmt.Errorf("任务ID不能为空")
	}
	cmd := &model.SettlementCommand{MissionID: missionID, RequestedAt: time.Now().UTC()}

	switch kind {
	case "mission":
		cmd.Type = model.CommandSettleMission
		switch len(answers) {
		case 0:
		case 1:
			cmd.CorrectAnswer = model.SingleChoice(answers[0])
		default:
			cmd.CorrectAnswer = model.MultiChoice(answers...)
		}
	case "couple":
		cmd.Type = model.CommandSettleCoupleMission
		conns, err := parsePairs(pairs)
		if err != nil {
			return nil, err
		}
		if len(conns) == 0 {
			return nil, fmt.Errorf("配对结算至少需要一个 --pair")
		}
		cmd.FinalPairing = conns
	case "episodes":
		cmd.Type = model.CommandSettleEpisodes
		if len(episodes) == 0 {
			return nil, fmt.Errorf("回合结算至少需要一个 --episode")
		}
		cmd.EpisodeNos = episodes
	default:
		return nil, fmt.Errorf("未知的结算类型: %s", kind)
	}
	return cmd, nil
}

func parsePairs(pairs []string) ([]model.Connection, error) {
	out := make([]model.Connection, 0, len(pairs))
	for _, p := range pairs {
		left, right, ok := strings.Cut(p, "=")
		left, right = strings.TrimSpace(left), strings.TrimSpace(right)
		if !ok || left == "" || right == "" {
			return nil, fmt.Errorf("配对格式错误: %q，应为 左=右", p)
		}
		out = append(out, model.Connection{Left: left, Right: right})
	}
	return out, nil
}

func logReport(r *model.SettlementReport) {
	logging.Log.Infof("任务 %s 结算完成: 答案 %s，共 %d 票，结算 %d，跳过 %d，失败 %d",
		r.MissionID, r.Answer, r.Total, r.Settled, r.Skipped, r.Failed)
	if r.Failed > 0 || r.LoadFailed {
		logging.Log.Warn("存在未结算的投票，可使用相同答案重新执行")
	}
}
