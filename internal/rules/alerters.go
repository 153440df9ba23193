package rules

import (
	"fmt"
	"time"

	"github.com/Deathtanium/elastalert2/internal/alerters"
	"github.com/Deathtanium/elastalert2/internal/models"
)

func init() {
	RegisterAlerter("jira", newJiraAlerter)
	RegisterAlerter("telegram", newTelegramAlerter)
	RegisterAlerter("post", newPostAlerter)
}

func newJiraAlerter(r *models.Rule, raw map[string]any) (models.Alerter, error) {
	j := &alerters.Jira{
		RuleName:  r.Name,
		Server:    rawString(raw, "jira_server"),
		Project:   rawString(raw, "jira_project"),
		IssueType: rawString(raw, "jira_issuetype"),
		Account:   rawString(raw, "jira_account"),
		Token:     rawString(raw, "jira_token"),
	}
	if j.Server == "" || j.Project == "" {
		return nil, fmt.Errorf("jira alerter requires jira_server and jira_project")
	}
	return j, nil
}

func newTelegramAlerter(r *models.Rule, raw map[string]any) (models.Alerter, error) {
	t := &alerters.Telegram{
		RuleName: r.Name,
		BotToken: rawString(raw, "telegram_bot_token"),
		RoomID:   rawString(raw, "telegram_room_id"),
	}
	if t.BotToken == "" || t.RoomID == "" {
		return nil, fmt.Errorf("telegram alerter requires telegram_bot_token and telegram_room_id")
	}
	return t, nil
}

func newPostAlerter(r *models.Rule, raw map[string]any) (models.Alerter, error) {
	p := &alerters.Post{
		RuleName: r.Name,
		URLs:     rawStringList(raw, "http_post_url"),
		Headers:  rawStringMap(raw, "http_post_headers"),
	}
	if payload, ok := raw["http_post_static_payload"].(map[string]any); ok {
		p.StaticPayload = payload
	}
	if secs, ok := raw["http_post_timeout"].(int); ok && secs > 0 {
		p.Timeout = time.Duration(secs) * time.Second
	}
	if len(p.URLs) == 0 {
		return nil, fmt.Errorf("post alerter requires http_post_url")
	}
	return p, nil
}

func rawString(raw map[string]any, key string) string {
	s, _ := raw[key].(string)
	return s
}

// rawStringList accepts both a scalar and a list for keys like
// http_post_url.
func rawStringList(raw map[string]any, key string) []string {
	switch v := raw[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func rawStringMap(raw map[string]any, key string) map[string]string {
	m, ok := raw[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
