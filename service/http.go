package service

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rushteam/riskrank/core"
)

// ErrorBody HTTP 错误响应体
type ErrorBody struct {
	Error  string `json:"error"`
	Status string `json:"status"`
}

// NewHTTPServer 创建 echo 服务并注册全部路由；gatherer 为 nil 时不暴露 /metrics
func NewHTTPServer(s *PredictionService, gatherer prometheus.Gatherer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code >= http.StatusInternalServerError {
			s.logger.Error("HTTP request failed", "path", c.Path(), "error", err)
		}
	}
	RegisterRoutes(e, s)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
	return e
}

// RegisterRoutes 注册评分与模型管理路由
func RegisterRoutes(e *echo.Echo, s *PredictionService) {
	e.POST("/v1/risk", PredictHandler(s))
	e.POST("/v1/risk/batch", PredictBatchHandler(s))
	e.POST("/v1/models/reload", ReloadHandler(s))
	e.GET("/v1/models", ListModelsHandler(s))
	e.GET("/v1/models/current", ModelInfoHandler(s))
	e.GET("/healthz", HealthHandler(s))
}

func PredictHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(DeploymentRiskRequest)
		if err := bindJSON(c, req); err != nil {
			return err
		}
		resp, err := s.Predict(c.Request().Context(), req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func PredictBatchHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body struct {
			Requests []*DeploymentRiskRequest `json:"requests"`
		}
		if err := bindJSON(c, &body); err != nil {
			return err
		}
		resps, err := s.PredictBatch(c.Request().Context(), body.Requests)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"responses": resps})
	}
}

func ReloadHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		req := new(ReloadRequest)
		if err := bindJSON(c, req); err != nil {
			return err
		}
		result, err := s.Reload(c.Request().Context(), *req)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, result)
	}
}

func ListModelsHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		models, err := s.ListModels(c.Request().Context(), c.QueryParam("model_id"))
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, map[string]any{"models": models, "total_count": len(models)})
	}
}

func ModelInfoHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		info, err := s.ModelInfo()
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, info)
	}
}

// HealthHandler 进程存活即返回 200，body 中给出模型是否加载
func HealthHandler(s *PredictionService) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "model_loaded": s.IsLoaded()})
	}
}

func bindJSON(c echo.Context, v any) error {
	ct := strings.ToLower(c.Request().Header.Get(echo.HeaderContentType))
	if !strings.HasPrefix(ct, echo.MIMEApplicationJSON) {
		return newHTTPError(http.StatusUnsupportedMediaType, "content type should be application/json", core.ErrorCodeInvalidInput)
	}
	if err := c.Bind(v); err != nil {
		// Internal 为 *echo.HTTPError 时默认错误处理会改用它渲染，这里只保留其消息
		var he *echo.HTTPError
		if errors.As(err, &he) {
			err = fmt.Errorf("bind: %v", he.Message)
		}
		return newHTTPError(http.StatusBadRequest, "can not understand the requested json", core.ErrorCodeInvalidInput).SetInternal(err)
	}
	return nil
}

// statusOf 领域错误到 HTTP 状态码：MODEL_NOT_READY 503，输入错误 400，不存在 404，其余 500
func statusOf(err error) int {
	switch {
	case core.IsModelNotReady(err):
		return http.StatusServiceUnavailable
	case core.IsInvalidInput(err), core.IsInvalidRecord(err), core.IsShapeMismatch(err):
		return http.StatusBadRequest
	case core.IsNotFound(err):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func httpError(err error) *echo.HTTPError {
	return newHTTPError(statusOf(err), err.Error(), errorCode(err)).SetInternal(err)
}

func newHTTPError(code int, msg, kind string) *echo.HTTPError {
	return echo.NewHTTPError(code, ErrorBody{Error: msg, Status: kind})
}
