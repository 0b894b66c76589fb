package graph

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	graphql "github.com/graph-gophers/graphql-go"
	"github.com/graph-gophers/graphql-go/relay"
	"github.com/sirupsen/logrus"

	"github.com/lvdashuaibi/realpick/config"
	"github.com/lvdashuaibi/realpick/internal/logging"
	"github.com/lvdashuaibi/realpick/internal/service"
)

// GraphQLServer GraphQL服务器
type GraphQLServer struct {
	schema *graphql.Schema
	engine *gin.Engine
	path   string

	mu     sync.Mutex
	server *http.Server
}

// NewGraphQLServer 创建新的GraphQL服务器
func NewGraphQLServer(missionService *service.MissionService, cfg config.GraphQLConfig, mode string) *GraphQLServer {
	schema := graphql.MustParseSchema(schemaString, NewResolver(missionService),
		graphql.UseFieldResolvers(),
		graphql.MaxDepth(12),
	)

	path := cfg.Path
	if path == "" {
		path = "/graphql"
	}
	return &GraphQLServer{
		schema: schema,
		engine: newRouter(&relay.Handler{Schema: schema}, path, mode),
		path:   path,
	}
}

func newRouter(handler http.Handler, path, mode string) *gin.Engine {
	if mode != "" {
		gin.SetMode(mode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger(), corsMiddleware())

	engine.POST(path, gin.WrapH(handler))
	engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	engine.GET("/", func(c *gin.Context) {
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(fmt.Sprintf(playgroundHTML, path)))
	})
	engine.NoRoute(func(c *gin.Context) {
		logging.Log.Infof("未匹配的请求: %s", c.Request.URL.Path)
		c.JSON(http.StatusNotFound, gin.H{"code": "PAGE_NOT_FOUND", "message": "Page not found"})
	})
	return engine
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		}).Debug("HTTP请求")
	}
}

// Handler 供测试直接调用
func (s *GraphQLServer) Handler() http.Handler {
	return s.engine
}

// Start 启动GraphQL服务器，阻塞直到 Shutdown
func (s *GraphQLServer) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	server := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	s.mu.Lock()
	s.server = server
	s.mu.Unlock()

	logging.Log.Infof("GraphQL服务已启动，API端点: %s, Playground: http://localhost%s/", s.path, addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *GraphQLServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
