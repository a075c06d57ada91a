package alerts

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

const telegramAPIBase = "https://api.telegram.org"

// Telegram pushes operator alerts to a Telegram chat. An unconfigured
// notifier logs a warning once per send instead of failing: alerting
// must never take the engine down.
type Telegram struct {
	token   string
	chatID  string
	baseURL string
	client  *http.Client
}

func NewTelegram(token, chatID string) *Telegram {
	return &Telegram{
		token:   token,
		chatID:  chatID,
		baseURL: telegramAPIBase,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Send posts a Markdown message to the configured chat.
func (t *Telegram) Send(text string) {
	if t.token == "" || t.chatID == "" {
		log.Println("[alerts] telegram credentials missing, skipping notification")
		return
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.token)
	payload, _ := json.Marshal(map[string]string{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	})

	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(payload))
	if err != nil {
		log.Printf("[alerts] telegram send failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Printf("[alerts] telegram send failed: status %d", resp.StatusCode)
	}
}
