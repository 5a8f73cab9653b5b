package payment

import (
	"context"
	"log/slog"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/internal/ledger"
	"trustyclaw/pkg/logger"
)

// MultisigPolicy 是进程级的大额支付多签策略，仅作用于之后创建的意图。
type MultisigPolicy struct {
	ThresholdUSD   float64  `json:"threshold_usd"`
	Signers        []string `json:"signers"`
	RequiredCount  int      `json:"required_count"`
	RecoverySigner string   `json:"recovery_signer,omitempty"`
}

func (p MultisigPolicy) normalized() MultisigPolicy {
	if p.RequiredCount <= 0 {
		p.RequiredCount = 2
	}
	p.Signers = append([]string(nil), p.Signers...)
	return p
}

// Applies 判断金额是否触发多签。
func (p MultisigPolicy) Applies(amount ledger.Amount) bool {
	return p.ThresholdUSD > 0 && amount.AtLeastUSD(p.ThresholdUSD)
}

// SignatureStatus 描述多签收集进度。
type SignatureStatus struct {
	IntentID  string `json:"payment_intent_id"`
	Complete  bool   `json:"multisig_complete"`
	Collected int    `json:"signatures_collected"`
	Needed    int    `json:"signatures_needed"`
}

// RecoveryRecord 记录一次卡住支付的恢复请求。
type RecoveryRecord struct {
	IntentID    string    `json:"intent_id"`
	InitiatedBy string    `json:"initiated_by"`
	Reason      string    `json:"reason"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"`
}

// MultisigPolicy 返回当前策略副本。
func (e *Engine) MultisigPolicy() MultisigPolicy {
	e.policyMu.RLock()
	defer e.policyMu.RUnlock()
	return e.policy.normalized()
}

// SetMultisigConfig 替换多签策略。已创建的意图保持创建时的要求。
func (e *Engine) SetMultisigConfig(policy MultisigPolicy) {
	e.policyMu.Lock()
	e.policy = policy.normalized()
	e.policyMu.Unlock()
	logger.Audit().Info("multisig policy updated",
		slog.Float64("threshold_usd", policy.ThresholdUSD),
		slog.Int("signers", len(policy.Signers)),
		slog.Int("required_count", e.MultisigPolicy().RequiredCount),
	)
}

// CollectSignature 为需要多签的意图记录一个授权签名者的签名。
func (e *Engine) CollectSignature(ctx context.Context, id, signer, signature string) (SignatureStatus, error) {
	if signer == "" || signature == "" {
		return SignatureStatus{}, xerrors.New(xerrors.CodeInvalidArgument, "signer and signature are required")
	}
	var status SignatureStatus
	_, err := e.mutate(ctx, id, func(intent *Intent) error {
		if !intent.RequiresMultisig() {
			return xerrors.New(CodeMultisigNotRequired, "multisig not required", xerrors.WithMetadata("intent_id", id))
		}
		if !containsSigner(intent.SignersRequired(), signer) {
			return xerrors.New(CodeSignerUnauthorized, "signer not authorized",
				xerrors.WithMetadata("intent_id", id), xerrors.WithMetadata("signer", signer))
		}
		if intent.Status == StatusProcessing || intent.Status.Terminal() {
			return invalidState(intent, "sign", StatusPending, StatusConfirmed)
		}

		sigs := intent.SignaturesCollected()
		sigs[signer] = signature
		intent.Metadata[MetaSignaturesCollected] = sigs

		required := intent.SignatureThreshold()
		if required <= 0 {
			required = e.MultisigPolicy().RequiredCount
		}
		status = SignatureStatus{IntentID: id, Collected: len(sigs)}
		if len(sigs) >= required {
			status.Complete = true
		} else {
			status.Needed = required - len(sigs)
		}
		return nil
	})
	if err != nil {
		return SignatureStatus{}, err
	}
	logger.Audit().Info("multisig signature collected",
		slog.String("intent_id", id),
		slog.String("signer", signer),
		slog.Int("collected", status.Collected),
		slog.Bool("complete", status.Complete),
	)
	return status, nil
}

// InitiateRecovery 为卡住的支付发起恢复流程，要求配置了恢复签名者。
func (e *Engine) InitiateRecovery(ctx context.Context, id, recoveryWallet, reason string) (RecoveryRecord, error) {
	if e.MultisigPolicy().RecoverySigner == "" {
		return RecoveryRecord{}, xerrors.New(CodeRecoveryNotConfigured, "recovery not configured")
	}
	record := RecoveryRecord{
		IntentID:    id,
		InitiatedBy: recoveryWallet,
		Reason:      reason,
		Timestamp:   e.now().UTC(),
		Status:      "pending",
	}
	_, err := e.mutate(ctx, id, func(intent *Intent) error {
		if intent.Metadata == nil {
			intent.Metadata = make(map[string]any)
		}
		intent.Metadata[MetaRecovery] = map[string]any{
			"initiated_by": record.InitiatedBy,
			"reason":       record.Reason,
			"timestamp":    record.Timestamp.Format(time.RFC3339Nano),
			"status":       record.Status,
		}
		return nil
	})
	if err != nil {
		return RecoveryRecord{}, err
	}
	logger.Audit().Warn("payment recovery initiated",
		slog.String("intent_id", id),
		slog.String("initiated_by", recoveryWallet),
		slog.String("reason", reason),
	)
	return record, nil
}
