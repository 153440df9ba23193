package alerters

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Deathtanium/elastalert2/internal/models"
)

// Jira opens one issue per alert batch. For Jira Cloud authenticate with
// Account + Token (API token) as basic auth; Token alone is sent as a
// bearer token for self-hosted instances.
type Jira struct {
	RuleName  string
	Server    string
	Project   string
	IssueType string
	Account   string
	Token     string

	HTTPClient *http.Client
	pipeline   map[string]any
}

func (j *Jira) Alert(matches []models.Match) error {
	if j.Server == "" || j.Project == "" {
		return fmt.Errorf("jira alerter missing jira_server or jira_project")
	}
	issueType := j.IssueType
	if issueType == "" {
		issueType = "Task"
	}
	url := strings.TrimSuffix(j.Server, "/") + "/rest/api/3/issue"
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + url
	}

	summary := fmt.Sprintf("%s - %d matches", j.RuleName, len(matches))
	if at, ok := j.pipeline["alert_time"].(time.Time); ok {
		summary = fmt.Sprintf("%s - %d matches at %s", j.RuleName, len(matches), at.Format(time.RFC3339))
	}
	// Jira Cloud REST v3: description is ADF (Atlassian Document Format).
	paragraphs := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		text, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			text = []byte(fmt.Sprintf("%v", m))
		}
		paragraphs = append(paragraphs, map[string]any{
			"type":    "paragraph",
			"content": []map[string]any{{"type": "text", "text": string(text)}},
		})
	}
	payload := map[string]any{
		"fields": map[string]any{
			"project":     map[string]string{"key": j.Project},
			"summary":     summary,
			"description": map[string]any{"type": "doc", "version": 1, "content": paragraphs},
			"issuetype":   map[string]string{"name": issueType},
		},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if j.Token != "" {
		if j.Account != "" {
			req.SetBasicAuth(j.Account, j.Token)
		} else {
			req.Header.Set("Authorization", "Bearer "+j.Token)
		}
	}
	client := j.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		var errBody bytes.Buffer
		_, _ = errBody.ReadFrom(resp.Body)
		return fmt.Errorf("jira api %d: %s", resp.StatusCode, errBody.String())
	}
	var result struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return err
	}
	log.Printf("[alert] opened jira issue %s for %s", result.Key, j.RuleName)
	return nil
}

func (j *Jira) GetInfo() map[string]any {
	return map[string]any{"type": "jira", "jira_server": j.Server, "jira_project": j.Project}
}

func (j *Jira) SetPipeline(pipeline map[string]any) { j.pipeline = pipeline }
