package alerters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
)

// telegramTextLimit is the Bot API message cap.
const telegramTextLimit = 4096

const (
	maxSendRetries = 3
	retryDelay     = time.Second
)

// Telegram delivers the batch as one bot message. Transient API failures
// are retried with a growing delay so a hiccup does not lose the alert.
type Telegram struct {
	RuleName string
	BotToken string
	RoomID   string

	// APIBase overrides the Bot API endpoint in tests.
	APIBase    string
	HTTPClient *http.Client
}

func (t *Telegram) Alert(matches []models.Match) error {
	if t.BotToken == "" || t.RoomID == "" {
		return fmt.Errorf("telegram alerter missing telegram_bot_token or telegram_room_id")
	}
	text := t.RuleName
	for _, m := range matches {
		body, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			body = []byte(fmt.Sprintf("%v", m))
		}
		text += "\n\n" + string(body)
	}
	if len(text) > telegramTextLimit {
		text = text[:telegramTextLimit-3] + "..."
	}

	var lastErr error
	for attempt := 1; attempt <= maxSendRetries; attempt++ {
		lastErr = t.send(text)
		if lastErr == nil {
			return nil
		}
		if attempt < maxSendRetries {
			log.Printf("[alert] telegram send failed (attempt %d/%d): %v; retrying in %v",
				attempt, maxSendRetries, lastErr, retryDelay*time.Duration(attempt))
			time.Sleep(retryDelay * time.Duration(attempt))
		}
	}
	return fmt.Errorf("telegram send failed after %d attempts: %w", maxSendRetries, lastErr)
}

func (t *Telegram) send(text string) error {
	base := t.APIBase
	if base == "" {
		base = "https://api.telegram.org"
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)
	payload := map[string]any{"chat_id": t.RoomID, "text": text}
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := t.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		bb, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("telegram api %d: %s", resp.StatusCode, string(bb))
	}
	return nil
}

func (t *Telegram) GetInfo() map[string]any {
	return map[string]any{"type": "telegram", "telegram_room_id": t.RoomID}
}

func (t *Telegram) SetPipeline(map[string]any) {}
