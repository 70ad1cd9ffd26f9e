package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"
	"time"
)

// SMTPSender 通过 SMTP 服务器发送告警邮件，实现 EmailSender。
type SMTPSender struct {
	Address  string // host:port
	Username string
	Password string
	From     string
}

// Send 发送一封纯文本邮件。
func (s *SMTPSender) Send(_ context.Context, subject, content string, to []string) error {
	if s == nil || s.Address == "" || s.From == "" {
		return fmt.Errorf("SMTP 发送器未正确配置")
	}
	var auth smtp.Auth
	if s.Username != "" {
		host := s.Address
		if idx := strings.LastIndex(host, ":"); idx > 0 {
			host = host[:idx]
		}
		auth = smtp.PlainAuth("", s.Username, s.Password, host)
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.From, strings.Join(to, ","), subject, content)
	if err := smtp.SendMail(s.Address, auth, s.From, to, []byte(msg)); err != nil {
		return fmt.Errorf("发送告警邮件失败: %w", err)
	}
	return nil
}

// WebhookSender 向机器人 Webhook 投递 JSON 消息，钉钉与 Slack 共用。
type WebhookSender struct {
	URL        string
	HTTPClient *http.Client
}

func (w *WebhookSender) post(ctx context.Context, payload any) error {
	if w == nil || w.URL == "" {
		return fmt.Errorf("webhook 发送器未正确配置")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化 webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := w.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("调用 webhook 失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回异常状态 %d: %s", resp.StatusCode, string(raw))
	}
	return nil
}

// DingTalkWebhook 通过钉钉机器人 Webhook 发送文本消息，实现 DingTalkSender。
type DingTalkWebhook struct {
	WebhookSender
}

// NewDingTalkWebhook 创建钉钉机器人发送器。
func NewDingTalkWebhook(url string) *DingTalkWebhook {
	return &DingTalkWebhook{WebhookSender{URL: url}}
}

// Send 投递钉钉文本消息。
func (d *DingTalkWebhook) Send(ctx context.Context, content string) error {
	return d.post(ctx, map[string]any{
		"msgtype": "text",
		"text":    map[string]string{"content": content},
	})
}

// SlackWebhook 通过 Incoming Webhook 发送 Slack 消息，实现 SlackSender。
type SlackWebhook struct {
	WebhookSender
}

// NewSlackWebhook 创建 Slack Webhook 发送器。
func NewSlackWebhook(url string) *SlackWebhook {
	return &SlackWebhook{WebhookSender{URL: url}}
}

// Send 投递 Slack 消息到指定频道。
func (s *SlackWebhook) Send(ctx context.Context, channel, content string) error {
	payload := map[string]string{"text": content}
	if channel != "" {
		payload["channel"] = channel
	}
	return s.post(ctx, payload)
}

var (
	_ EmailSender    = (*SMTPSender)(nil)
	_ DingTalkSender = (*DingTalkWebhook)(nil)
	_ SlackSender    = (*SlackWebhook)(nil)
)
