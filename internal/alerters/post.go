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

// Post sends each match as a JSON document to one or more HTTP endpoints.
// StaticPayload fields are merged into every document, Headers into every
// request. Delivery retries like the other network alerters.
type Post struct {
	RuleName      string
	URLs          []string
	StaticPayload map[string]any
	Headers       map[string]string
	Timeout       time.Duration

	HTTPClient *http.Client
}

func (p *Post) Alert(matches []models.Match) error {
	if len(p.URLs) == 0 {
		return fmt.Errorf("post alerter missing http_post_url")
	}
	for _, match := range matches {
		doc := make(map[string]any, len(match)+len(p.StaticPayload))
		for k, v := range match {
			doc[k] = v
		}
		for k, v := range p.StaticPayload {
			doc[k] = v
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode post payload: %w", err)
		}
		for _, url := range p.URLs {
			if err := p.deliver(url, body); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Post) deliver(url string, body []byte) error {
	var lastErr error
	for attempt := 1; attempt <= maxSendRetries; attempt++ {
		lastErr = p.post(url, body)
		if lastErr == nil {
			return nil
		}
		if attempt < maxSendRetries {
			log.Printf("[alert] post to %s failed (attempt %d/%d): %v; retrying in %v",
				url, attempt, maxSendRetries, lastErr, retryDelay*time.Duration(attempt))
			time.Sleep(retryDelay * time.Duration(attempt))
		}
	}
	return fmt.Errorf("post to %s failed after %d attempts: %w", url, maxSendRetries, lastErr)
}

func (p *Post) post(url string, body []byte) error {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range p.Headers {
		req.Header.Set(k, v)
	}
	client := p.HTTPClient
	if client == nil {
		timeout := p.Timeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bb, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("post endpoint %d: %s", resp.StatusCode, string(bb))
	}
	return nil
}

func (p *Post) GetInfo() map[string]any {
	return map[string]any{"type": "post", "http_post_url": p.URLs}
}

func (p *Post) SetPipeline(map[string]any) {}
