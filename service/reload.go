package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/rushteam/riskrank/core"
)

// ReloadSubject 热加载请求的默认 NATS subject，消息体为 ReloadRequest 的 JSON
const ReloadSubject = "riskrank.model.reload"

// reloadTimeout 单次消息触发的加载超时
const reloadTimeout = 2 * time.Minute

// Subscriber 是 *nats.Conn 的订阅子集
type Subscriber interface {
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// SubscribeReload 订阅热加载请求。带 Reply 的消息会收到 ReloadResult 的 JSON 响应。
// ctx 结束时取消订阅。
func (s *PredictionService) SubscribeReload(ctx context.Context, sub Subscriber, subject string) error {
	if subject == "" {
		subject = ReloadSubject
	}
	subscription, err := sub.Subscribe(subject, func(msg *nats.Msg) {
		reply := s.handleReloadMessage(ctx, msg.Data)
		if msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Warn("Failed to respond to reload request", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return core.WrapDomainError(core.ModuleService, core.ErrorCodeTransientTransport, "subscribe "+subject, err)
	}
	s.logger.Info("Subscribed to model reload requests", "subject", subject)

	go func() {
		<-ctx.Done()
		if subscription != nil {
			_ = subscription.Unsubscribe()
		}
	}()
	return nil
}

// handleReloadMessage 解析请求并执行加载，返回 ReloadResult 的 JSON
func (s *PredictionService) handleReloadMessage(ctx context.Context, data []byte) []byte {
	var req ReloadRequest
	var result *ReloadResult
	if err := json.Unmarshal(data, &req); err != nil {
		s.logger.Error("Failed to unmarshal reload request", "error", err)
		result = &ReloadResult{Message: "invalid reload request: " + err.Error()}
	} else {
		s.logger.Info("Received reload request", "model_id", req.ModelID, "version", req.Version, "force", req.Force)
		rctx, cancel := context.WithTimeout(ctx, reloadTimeout)
		result, _ = s.Reload(rctx, req)
		cancel()
	}
	out, _ := json.Marshal(result)
	return out
}

// FollowStorage 消费存储变更（storage.Watch 输出的模型 id），当前模型或默认模型有新版本时自动加载。
// 阻塞直到 changes 关闭或 ctx 结束。
func (s *PredictionService) FollowStorage(ctx context.Context, changes <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id, ok := <-changes:
			if !ok {
				return
			}
			if !s.follows(id) {
				continue
			}
			if _, err := s.Reload(ctx, ReloadRequest{ModelID: id}); err != nil {
				s.logger.Warn("Reload after storage change failed", "model_id", id, "error", err)
			}
		}
	}
}

func (s *PredictionService) follows(id string) bool {
	if snap := s.current.Load(); snap != nil {
		return snap.meta.ModelID == id
	}
	return id == s.defaultModelID
}
