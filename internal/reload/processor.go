package reload

import (
	"context"
	"log/slog"
	"sync"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/observability/metrics"
	"trustyclaw/internal/payment"
	"trustyclaw/pkg/logger"
)

// DefaultMaxAttempts 是单个请求最多执行的次数。
const DefaultMaxAttempts = 3

// Payments 是 Processor 依赖的支付能力。
type Payments interface {
	CreateIntent(ctx context.Context, amount ledger.Amount, from, to, description string, metadata map[string]any) (*payment.Intent, error)
	Execute(ctx context.Context, id string) (payment.Result, error)
}

// Processor 从队列消费充值请求，并通过支付引擎从资金钱包转账。
type Processor struct {
	payments    Payments
	consumer    Consumer
	producer    Producer
	treasury    string
	workerCount int
	maxAttempts int
	now         func() time.Time
	log         *slog.Logger

	mu       sync.RWMutex
	outcomes []Outcome
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithMaxAttempts 设置失败重投的上限。
func WithMaxAttempts(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithProcessorClock 注入时间源。
func WithProcessorClock(now func() time.Time) ProcessorOption {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.log = l
		}
	}
}

// NewProcessor 构造 Processor。treasury 是充值资金的来源钱包。
func NewProcessor(payments Payments, treasury string, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		payments:    payments,
		consumer:    consumer,
		producer:    producer,
		treasury:    treasury,
		workerCount: 1,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
		log:         logger.Named("reload"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动消费循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置充值队列消费者")
	}
	if p.payments == nil || p.treasury == "" {
		return xerrors.New(xerrors.CodeInitializationFailure, "充值处理器缺少支付引擎或资金钱包")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理单个请求。业务失败会记录结果并在次数未用尽时重投，不返回错误；
// 只有重投失败时返回错误，由队列决定是否重新投递原消息。
func (p *Processor) Handle(ctx context.Context, req Request) error {
	req.Attempts++
	if err := req.validate(); err != nil {
		p.record(Outcome{Request: req, ErrorCode: string(xerrors.CodeOf(err)), Error: err.Error(), Final: true})
		return nil
	}

	intent, err := p.payments.CreateIntent(ctx, req.Amount, p.treasury, req.Wallet, "Auto reload", map[string]any{
		"type":      "auto_reload",
		"reload_id": req.ID,
	})
	if err != nil {
		// 金额或钱包非法，重试也不会成功。
		p.record(Outcome{Request: req, ErrorCode: string(xerrors.CodeOf(err)), Error: err.Error(), Final: true})
		logger.Audit().Warn("auto reload rejected",
			slog.String("reload_id", req.ID),
			slog.String("wallet", req.Wallet),
			slog.String("error", err.Error()),
		)
		return nil
	}

	result, err := p.payments.Execute(ctx, intent.ID)
	if err == nil && result.Success {
		p.record(Outcome{Request: req, Success: true, IntentID: intent.ID, Signature: result.Signature, Final: true})
		logger.Audit().Info("auto reload executed",
			slog.String("reload_id", req.ID),
			slog.String("wallet", req.Wallet),
			slog.String("intent_id", intent.ID),
			slog.Int64("amount", int64(req.Amount)),
			slog.String("signature", result.Signature),
		)
		return nil
	}

	cause := err
	if cause == nil {
		cause = xerrors.New(CodeReloadFailed, result.Error, xerrors.WithMetadata("intent_id", intent.ID))
	}
	final := req.Attempts >= p.maxAttempts
	p.record(Outcome{
		Request:   req,
		IntentID:  intent.ID,
		ErrorCode: string(CodeReloadFailed),
		Error:     cause.Error(),
		Final:     final,
	})
	p.log.Warn("自动充值失败",
		slog.String("reload_id", req.ID),
		slog.Int("attempts", req.Attempts),
		slog.Bool("final", final),
		slog.Any("error", cause),
	)
	if final || p.producer == nil {
		logger.Audit().Warn("auto reload failed",
			slog.String("reload_id", req.ID),
			slog.String("wallet", req.Wallet),
			slog.String("error", cause.Error()),
		)
		return nil
	}
	if err := p.producer.Publish(ctx, req); err != nil {
		return xerrors.Wrap(CodeReloadFailed, err, "充值请求 "+req.ID+" 重投失败")
	}
	return nil
}

func (p *Processor) record(o Outcome) {
	o.ProcessedAt = p.now().UTC()
	p.mu.Lock()
	p.outcomes = append(p.outcomes, o)
	p.mu.Unlock()
	metrics.Default().ObserveOutcome("auto_reload", o.Success)
}

// Outcomes 按处理顺序返回钱包的充值结果，wallet 为空时返回全部。
func (p *Processor) Outcomes(wallet string) []Outcome {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Outcome, 0, len(p.outcomes))
	for _, o := range p.outcomes {
		if wallet == "" || o.Request.Wallet == wallet {
			out = append(out, o)
		}
	}
	return out
}
