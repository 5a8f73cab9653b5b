package escrow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/internal/payment"
	"trustyclaw/pkg/keylock"
	"trustyclaw/pkg/logger"
)

// DefaultReleaseSignatures 是需要多签的托管在释放前必须收集的签名数。
const DefaultReleaseSignatures = 2

// Payments 是托管引擎对支付引擎的依赖。
type Payments interface {
	CreateIntent(ctx context.Context, amount ledger.Amount, from, to, description string, metadata map[string]any) (*payment.Intent, error)
	Get(ctx context.Context, id string) (*payment.Intent, error)
	Execute(ctx context.Context, id string) (payment.Result, error)
	Finalize(ctx context.Context, id string) (payment.Result, error)
	RefundCancel(ctx context.Context, id string) (payment.Result, error)
}

// Engine 管理托管支付的生命周期，资金移动全部委托给支付引擎。
type Engine struct {
	store             Store
	payments          Payments
	releaseSignatures int
	now               func() time.Time
	log               *slog.Logger
	locks             keylock.Locker
}

// Option 定义 Engine 的可选配置。
type Option func(*Engine)

// WithReleaseSignatures 设置释放多签托管所需的签名数，与支付多签的 required_count 相互独立。
func WithReleaseSignatures(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.releaseSignatures = n
		}
	}
}

// WithClock 注入时间源。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine 创建托管引擎。
func NewEngine(store Store, payments Payments, opts ...Option) *Engine {
	e := &Engine{
		store:             store,
		payments:          payments,
		releaseSignatures: DefaultReleaseSignatures,
		now:               time.Now,
		log:               logger.Named("escrow"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Open 创建支付意图并绑定一条 PENDING 托管记录。escrowID 为空时自动生成。
func (e *Engine) Open(ctx context.Context, escrowID string, amount ledger.Amount, from, to, description string) (*Escrow, error) {
	escrowID = strings.TrimSpace(escrowID)
	if escrowID == "" {
		escrowID = newID()
	}
	if _, err := e.store.Get(ctx, escrowID); err == nil {
		return nil, xerrors.New(CodeEscrowConflict, "escrow "+escrowID+" already exists", xerrors.WithMetadata("escrow_id", escrowID))
	} else if !xerrors.HasCode(err, CodeEscrowNotFound) {
		return nil, err
	}
	if description == "" {
		description = "Escrow payment"
	}

	intent, err := e.payments.CreateIntent(ctx, amount, from, to, "Escrow: "+description, map[string]any{
		"escrow_id": escrowID,
		"type":      "escrow",
	})
	if err != nil {
		return nil, err
	}
	return e.create(ctx, escrowID, intent)
}

// Track 将已存在的支付意图绑定到新的托管记录。托管记录已存在时直接返回。
func (e *Engine) Track(ctx context.Context, escrowID, intentID string) (*Escrow, error) {
	if strings.TrimSpace(escrowID) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "escrow id is required")
	}
	if existing, err := e.store.Get(ctx, escrowID); err == nil {
		return existing, nil
	} else if !xerrors.HasCode(err, CodeEscrowNotFound) {
		return nil, err
	}
	intent, err := e.payments.Get(ctx, intentID)
	if err != nil {
		return nil, err
	}
	return e.create(ctx, escrowID, intent)
}

func (e *Engine) create(ctx context.Context, escrowID string, intent *payment.Intent) (*Escrow, error) {
	escrow := &Escrow{
		ID:         escrowID,
		IntentID:   intent.ID,
		Amount:     intent.Amount,
		From:       intent.From,
		To:         intent.To,
		Status:     StatusPending,
		Signatures: map[string]string{},
		CreatedAt:  e.now().UTC(),
	}
	// 已确认的意图直接视为已注资。
	if intent.Status == payment.StatusConfirmed {
		escrow.Status = StatusFunded
		escrow.FundedAt = intent.ConfirmedAt
	}
	if err := e.store.Create(ctx, escrow); err != nil {
		return nil, err
	}
	logger.Audit().Info("escrow opened",
		slog.String("escrow_id", escrow.ID),
		slog.String("intent_id", escrow.IntentID),
		slog.Int64("amount", int64(escrow.Amount)),
		slog.String("status", string(escrow.Status)),
	)
	return cloneEscrow(escrow), nil
}

// Get 返回托管记录。
func (e *Engine) Get(ctx context.Context, escrowID string) (*Escrow, error) {
	return e.store.Get(ctx, escrowID)
}

// ListByWallet 返回付款方或收款方为 wallet 的托管记录。
func (e *Engine) ListByWallet(ctx context.Context, wallet string) ([]*Escrow, error) {
	return e.store.List(ctx, wallet)
}

// ExportJSON 以缩进 JSON 导出托管记录，wallet 为空时导出全部。
func (e *Engine) ExportJSON(ctx context.Context, wallet string) ([]byte, error) {
	escrows, err := e.store.List(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if escrows == nil {
		escrows = []*Escrow{}
	}
	return json.MarshalIndent(escrows, "", "  ")
}

// View 汇总托管记录与其支付意图。
type View struct {
	Escrow *Escrow         `json:"escrow"`
	Intent *payment.Intent `json:"payment"`
}

// Status 返回托管及其支付意图的组合视图。
func (e *Engine) Status(ctx context.Context, escrowID string) (View, error) {
	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return View{}, err
	}
	intent, err := e.payments.Get(ctx, escrow.IntentID)
	if err != nil && !xerrors.HasCode(err, payment.CodeIntentNotFound) {
		return View{}, err
	}
	return View{Escrow: escrow, Intent: intent}, nil
}

// Fund 执行关联的支付意图，成功后将托管置为 FUNDED。
// 只有托管不存在时返回错误，其余失败通过 Result 表达。
func (e *Engine) Fund(ctx context.Context, escrowID string) (payment.Result, error) {
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return e.lookupFailure(escrowID, err)
	}
	next, ok := Next(escrow.Status, EventFund)
	if !ok {
		return failure(escrow, invalidState(escrow, "fund", requiredFor(EventFund)...)), nil
	}

	result, err := e.payments.Execute(ctx, escrow.IntentID)
	if err != nil || !result.Success {
		e.log.Warn("托管注资失败", slog.String("escrow_id", escrowID), slog.String("error_code", string(result.ErrorCode)))
		return result, nil
	}

	now := e.now().UTC()
	escrow.Status = next
	escrow.FundedAt = &now
	if err := e.store.Update(context.WithoutCancel(ctx), escrow); err != nil {
		e.log.Error("写入托管注资状态失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
		return failure(escrow, err), nil
	}
	logger.Audit().Info("escrow funded",
		slog.String("escrow_id", escrowID),
		slog.String("intent_id", escrow.IntentID),
		slog.String("signature", result.Signature),
	)
	return result, nil
}

// Release 记录 authority 的签名（如有），满足多签要求后释放托管并终结支付意图。
func (e *Engine) Release(ctx context.Context, escrowID, authority, signature string) (payment.Result, error) {
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return e.lookupFailure(escrowID, err)
	}
	next, ok := Next(escrow.Status, EventRelease)
	if !ok || escrow.Status != StatusFunded {
		return failure(escrow, invalidState(escrow, "release", StatusFunded)), nil
	}

	if signature != "" && authority != "" {
		if escrow.Signatures == nil {
			escrow.Signatures = map[string]string{}
		}
		escrow.Signatures[authority] = signature
	}

	intent, err := e.payments.Get(ctx, escrow.IntentID)
	if err != nil {
		return failure(escrow, err), nil
	}
	if intent.RequiresMultisig() && escrow.SignedBy() < e.releaseSignatures {
		needed := e.releaseSignatures - escrow.SignedBy()
		if signature != "" && authority != "" {
			if err := e.store.Update(ctx, escrow); err != nil {
				return failure(escrow, err), nil
			}
		}
		return failure(escrow, xerrors.New(CodeEscrowMultisigIncomplete,
			fmt.Sprintf("Need %d more signature(s)", needed),
			xerrors.WithMetadata("escrow_id", escrowID),
			xerrors.WithMetadata("signatures_needed", fmt.Sprint(needed)),
		)), nil
	}

	return e.settle(ctx, escrow, next, "release", authority)
}

// Refund 取消已注资托管的支付意图并置为 REFUNDED。
func (e *Engine) Refund(ctx context.Context, escrowID string) (payment.Result, error) {
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return e.lookupFailure(escrowID, err)
	}
	next, ok := Next(escrow.Status, EventRefund)
	if !ok || escrow.Status != StatusFunded {
		return failure(escrow, invalidState(escrow, "refund", StatusFunded)), nil
	}
	return e.settle(ctx, escrow, next, "refund", "")
}

// Dispute 冻结已注资的托管，等待仲裁。
func (e *Engine) Dispute(ctx context.Context, escrowID, filer, reason string) (payment.Result, error) {
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return e.lookupFailure(escrowID, err)
	}
	if strings.TrimSpace(reason) == "" {
		return failure(escrow, xerrors.New(xerrors.CodeInvalidArgument, "dispute reason is required")), nil
	}
	next, ok := Next(escrow.Status, EventDispute)
	if !ok {
		return failure(escrow, invalidState(escrow, "dispute", requiredFor(EventDispute)...)), nil
	}
	escrow.Status = next
	escrow.DisputedBy = filer
	escrow.DisputeReason = reason
	if err := e.store.Update(ctx, escrow); err != nil {
		return failure(escrow, err), nil
	}
	logger.Audit().Warn("escrow disputed",
		slog.String("escrow_id", escrowID),
		slog.String("filer", filer),
		slog.String("reason", reason),
	)
	return payment.Result{Success: true, IntentID: escrow.IntentID}, nil
}

// Resolution 是托管争议的裁决结果。
type Resolution string

const (
	ResolveRelease Resolution = "released"
	ResolveRefund  Resolution = "refunded"
)

// ResolveDispute 按裁决释放或退回处于争议中的托管。
func (e *Engine) ResolveDispute(ctx context.Context, escrowID, resolver string, resolution Resolution) (payment.Result, error) {
	unlock := e.locks.Lock(escrowID)
	defer unlock()

	escrow, err := e.store.Get(ctx, escrowID)
	if err != nil {
		return e.lookupFailure(escrowID, err)
	}
	if escrow.Status != StatusDisputed {
		return failure(escrow, invalidState(escrow, "resolve dispute", StatusDisputed)), nil
	}
	switch resolution {
	case ResolveRelease:
		return e.settle(ctx, escrow, StatusReleased, "release", resolver)
	case ResolveRefund:
		return e.settle(ctx, escrow, StatusRefunded, "refund", resolver)
	default:
		return failure(escrow, xerrors.Newf(xerrors.CodeInvalidArgument, "unknown resolution %q", resolution)), nil
	}
}

// settle 先迁移支付意图，再写入托管终态。调用方持有托管锁。
func (e *Engine) settle(ctx context.Context, escrow *Escrow, next Status, action, actor string) (payment.Result, error) {
	var (
		result payment.Result
		err    error
	)
	if next == StatusReleased {
		result, err = e.payments.Finalize(ctx, escrow.IntentID)
	} else {
		result, err = e.payments.RefundCancel(ctx, escrow.IntentID)
	}
	if err != nil {
		return failure(escrow, err), nil
	}

	now := e.now().UTC()
	escrow.Status = next
	if next == StatusReleased {
		escrow.ReleasedAt = &now
	} else {
		escrow.RefundedAt = &now
	}
	if err := e.store.Update(context.WithoutCancel(ctx), escrow); err != nil {
		e.log.Error("写入托管终态失败", slog.String("escrow_id", escrow.ID), slog.String("intent_status", string(result.Status)), slog.Any("error", err))
		return failure(escrow, err), nil
	}
	logger.Audit().Info("escrow "+action,
		slog.String("escrow_id", escrow.ID),
		slog.String("intent_id", escrow.IntentID),
		slog.String("actor", actor),
		slog.Int64("amount", int64(escrow.Amount)),
		slog.Int("signatures", escrow.SignedBy()),
	)
	return payment.Result{Success: true, IntentID: escrow.IntentID, Signature: result.Signature, Status: result.Status}, nil
}

func (e *Engine) lookupFailure(escrowID string, err error) (payment.Result, error) {
	res := payment.FailureResult("", err)
	if xerrors.HasCode(err, CodeEscrowNotFound) {
		return res, err
	}
	e.log.Error("读取托管记录失败", slog.String("escrow_id", escrowID), slog.Any("error", err))
	return res, nil
}

func failure(escrow *Escrow, err error) payment.Result {
	return payment.FailureResult(escrow.IntentID, err)
}
