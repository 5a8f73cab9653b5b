package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	xerrors "trustyclaw/internal/errors"
	"trustyclaw/pkg/logger"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Notifier 负责把告警发送到一个渠道。
type Notifier interface {
	Name() string
	Notify(ctx context.Context, alert Alert) error
}

// Dispatcher 将告警广播给多个通知器。
type Dispatcher struct {
	mu        sync.RWMutex
	notifiers []Notifier
}

// NewDispatcher 创建 Dispatcher。
func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	d := &Dispatcher{}
	for _, n := range notifiers {
		d.Add(n)
	}
	return d
}

// Add 追加通知器。
func (d *Dispatcher) Add(n Notifier) {
	if n == nil {
		return
	}
	d.mu.Lock()
	d.notifiers = append(d.notifiers, n)
	d.mu.Unlock()
}

// Notify 将告警投递到全部通知器，单个渠道失败不影响其余渠道。
func (d *Dispatcher) Notify(ctx context.Context, alert Alert) error {
	if d == nil {
		return nil
	}
	d.mu.RLock()
	notifiers := append([]Notifier(nil), d.notifiers...)
	d.mu.RUnlock()

	var errs []error
	for _, n := range notifiers {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", n.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// CallbackNotifier 调用进程内回调函数，回调 panic 会被吞掉并记录。
type CallbackNotifier struct {
	Fn func(ctx context.Context, alert Alert)
}

func (n CallbackNotifier) Name() string { return "callback" }

func (n CallbackNotifier) Notify(ctx context.Context, alert Alert) (err error) {
	if n.Fn == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			logger.L().Warn("告警回调异常", slog.String("wallet", alert.Wallet), slog.Any("panic", r))
		}
	}()
	n.Fn(ctx, alert)
	return nil
}

// WebhookClient 以 JSON POST 的方式把告警发送到回调地址。
type WebhookClient struct {
	client *http.Client
}

// NewWebhookClient 创建带超时的 WebhookClient。
func NewWebhookClient(timeout time.Duration) *WebhookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookClient{client: &http.Client{Timeout: timeout}}
}

// Send 投递告警，非 2xx 响应视为失败。
func (w *WebhookClient) Send(ctx context.Context, url string, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码告警失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造 webhook 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeTimeout, err, "调用 webhook 失败", xerrors.WithRetryable(true))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xerrors.Newf(xerrors.CodeUnknown, "webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

// RabbitMQPublisherConfig 描述告警发布目标。
type RabbitMQPublisherConfig struct {
	URL      string
	Exchange string
	Queue    string
}

// RabbitMQPublisher 把告警发布到 RabbitMQ，供下游系统订阅。
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	key      string
}

// NewRabbitMQPublisher 连接 RabbitMQ。未指定 exchange 时声明持久化队列并直接投递到该队列。
func NewRabbitMQPublisher(cfg RabbitMQPublisherConfig) (*RabbitMQPublisher, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	p := &RabbitMQPublisher{conn: conn, ch: ch, exchange: cfg.Exchange, key: cfg.Queue}
	if cfg.Exchange != "" {
		err = ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeFanout, true, false, false, false, nil)
	} else {
		_, err = ch.QueueDeclare(cfg.Queue, true, false, false, false, nil)
	}
	if err != nil {
		_ = p.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明告警目标失败")
	}
	return p, nil
}

func (p *RabbitMQPublisher) Name() string { return "rabbitmq" }

// Notify 以持久化消息发布告警。
func (p *RabbitMQPublisher) Notify(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码告警失败")
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, p.key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    alert.Timestamp,
		Type:         alert.Type,
		Body:         body,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "发布告警失败")
	}
	return nil
}

// Close 关闭 channel 与连接。
func (p *RabbitMQPublisher) Close() error {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
