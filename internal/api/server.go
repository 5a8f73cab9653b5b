package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/escrow"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/notify"
	"trustyclaw/internal/observability/metrics"
	"trustyclaw/internal/payment"
	"trustyclaw/internal/reload"
	"trustyclaw/internal/rental"
	"trustyclaw/internal/reputation"
	"trustyclaw/internal/review"
	"trustyclaw/pkg/logger"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// Services 汇总 API 需要的业务引擎，未配置的引擎对应路由返回 503。
type Services struct {
	Payments   *payment.Engine
	Escrows    *escrow.Engine
	Rentals    *rental.Registry
	Reviews    *review.Service
	Reputation *reputation.Engine
	Notify     *notify.Engine
	Reloads    *reload.Processor
}

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	svc          Services
	log          *slog.Logger
	metrics      *metrics.Collector
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics 指定指标收集器，默认使用进程级收集器。
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		if c != nil {
			s.metrics = c
		}
	}
}

// WithTimeouts 设置读写超时，非正值保持不限制。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		s.readTimeout = read
		s.writeTimeout = write
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, svc Services, opts ...Option) *Server {
	s := &Server{addr: addr, svc: svc, log: logger.Named("api"), metrics: metrics.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Routes()),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Routes 返回挂载全部接口的路由器。
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.Group(s.paymentRoutes)
		api.Group(s.escrowRoutes)
		api.Group(s.rentalRoutes)
		api.Group(s.reviewRoutes)
		api.Group(s.reputationRoutes)
		api.Group(s.notifyRoutes)
	})
	return r
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

// observe 以路由模式而非原始路径记录请求，避免 ID 造成标签膨胀。
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(route, r.Method, status, time.Since(start))
	})
}

// requireService 在引擎未配置时直接返回 503。
func requireService(ok bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !ok {
				writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "服务未启用"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type errorBody struct {
	Error     string       `json:"error"`
	ErrorCode xerrors.Code `json:"error_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, data []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func statusForKind(kind xerrors.Kind) int {
	switch kind {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindValidation:
		return http.StatusBadRequest
	case xerrors.KindState:
		return http.StatusConflict
	case xerrors.KindUnauthorized:
		return http.StatusForbidden
	case xerrors.KindExternal:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusForKind(xerrors.KindOf(err))
	body := errorBody{Error: err.Error(), ErrorCode: xerrors.CodeOf(err)}
	if e, ok := xerrors.From(err); ok {
		body.Error = e.Message()
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("请求处理失败", slog.String("code", string(body.ErrorCode)), slog.Any("error", err))
	}
	writeJSON(w, status, body)
}

// writeResult 输出支付类结构化结果，失败时按错误码分类决定状态码。
func (s *Server) writeResult(w http.ResponseWriter, r *http.Request, res payment.Result, err error) {
	operation := r.URL.Path
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		operation = rctx.RoutePattern()
	}
	s.metrics.ObserveOutcome(operation, res.Success)
	if err != nil && res.ErrorCode == "" {
		s.writeError(w, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = statusForKind(xerrors.AttributesOf(res.ErrorCode).Kind)
	}
	writeJSON(w, status, res)
}

func decode(r *http.Request, dst any) error {
	if r.Body == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "请求体不能为空")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

// money 同时接受微单位整数与美元金额，美元金额优先。
type money struct {
	Amount    ledger.Amount    `json:"amount"`
	AmountUSD *decimal.Decimal `json:"amount_usd"`
}

func (m money) value() (ledger.Amount, error) {
	if m.AmountUSD == nil {
		return m.Amount, nil
	}
	amount, err := ledger.FromUSD(*m.AmountUSD)
	if err != nil {
		return 0, xerrors.Wrap(payment.CodeInvalidAmount, err, "amount_usd 超出可表示范围")
	}
	return amount, nil
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func queryBool(r *http.Request, key string) bool {
	parsed, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && parsed
}
