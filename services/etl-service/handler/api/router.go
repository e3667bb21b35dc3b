package api

import (
	"github.com/gin-gonic/gin"
	ginMetrics "github.com/puppyone-ai/puppyone-etl/pkg/metrics/gin"
	"github.com/puppyone-ai/puppyone-etl/services/etl-service/service"
	"github.com/sirupsen/logrus"
)

type RouterDeps struct {
	Tasks     service.ETLService
	Rules     service.RuleService
	JWTSecret string
	Logger    *logrus.Logger
}

func NewRouter(d RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), ginMetrics.PrometheusMiddleware("etl-service"), RequestLogger(d.Logger))

	tasks := NewTaskHandler(d.Tasks, d.Logger)
	rules := NewRuleHandler(d.Rules, d.Logger)

	r.GET("/health", tasks.Health)
	RegisterDocs(r)

	authed := r.Group("/", Identity(d.JWTSecret))
	{
		authed.POST("/tasks", tasks.Submit)
		authed.POST("/tasks/upload", tasks.Upload)
		authed.GET("/tasks", tasks.List)
		authed.GET("/tasks/batch", tasks.Batch)
		authed.GET("/tasks/export", tasks.Export)
		authed.GET("/tasks/:id", tasks.Get)
		authed.GET("/tasks/:id/result", tasks.Result)
		authed.POST("/tasks/:id/cancel", tasks.Cancel)
		authed.POST("/tasks/:id/retry", tasks.Retry)

		authed.POST("/rules", rules.Create)
		authed.GET("/rules", rules.List)
		authed.GET("/rules/:id", rules.Get)
		authed.DELETE("/rules/:id", rules.Delete)
	}
	return r
}
