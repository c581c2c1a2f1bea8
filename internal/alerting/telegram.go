package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// SinkTelegram is the Telegram sink ID.
const SinkTelegram = "telegram"

// TelegramSink 通过 Telegram Bot API 推送消息。
type TelegramSink struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	logger   zerolog.Logger
}

// NewTelegramSink 构造 Telegram 渠道。ratePerMinute <= 0 disables client-side throttling.
func NewTelegramSink(botToken, chatID, baseURL string, ratePerMinute float64, timeout time.Duration, logger zerolog.Logger) *TelegramSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	limit := rate.Inf
	if ratePerMinute > 0 {
		limit = rate.Limit(ratePerMinute / 60)
	}

	return &TelegramSink{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger.With().Str("component", "sink_telegram").Logger(),
	}
}

func (s *TelegramSink) ID() string { return SinkTelegram }

// Send 调用 sendMessage API 推送文本。
func (s *TelegramSink) Send(ctx context.Context, msg Message) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}

	payload := map[string]string{
		"chat_id": s.chatID,
		"text":    msg.Text(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, s.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
		}
	}

	s.logger.Info().Str("subject", msg.Subject()).Msg("告警已发送 (Telegram)")
	return nil
}

var _ Sink = (*TelegramSink)(nil)
