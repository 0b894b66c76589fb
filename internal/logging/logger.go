package logging

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Log 全局日志实例，测试中可以直接替换
var Log = logrus.New()

// BootstrapLogger 按配置初始化全局日志
func BootstrapLogger(level, format string) {
	logger := logrus.New()
	logger.Out = os.Stdout
	logger.SetReportCaller(true)

	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
		logger.Warnf("无法识别的日志级别 %q，使用 info", level)
	}
	logger.SetLevel(lvl)

	Log = logger
}
