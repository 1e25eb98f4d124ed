package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// TelegramMessenger 通过 Telegram Bot API 推送消息。
type TelegramMessenger struct {
	botToken string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramMessenger 构造 Telegram 发送器。
func NewTelegramMessenger(botToken, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramMessenger {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramMessenger{
		botToken: botToken,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// SendMessage 调用 sendMessage API 推送文本。A 403 response means the chat
// blocked the bot and maps to ErrBlocked.
func (t *TelegramMessenger) SendMessage(ctx context.Context, chatID int64, text string) error {
	payload := map[string]string{
		"chat_id": strconv.FormatInt(chatID, 10),
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return ErrBlocked
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		if strings.Contains(strings.ToLower(result.Description), "blocked") {
			return ErrBlocked
		}
		return fmt.Errorf("telegram 返回 ok=false: %s", result.Description)
	}

	t.logger.Debug().Int64("chat_id", chatID).Msg("消息已发送 (Telegram)")
	return nil
}

var _ Messenger = (*TelegramMessenger)(nil)
