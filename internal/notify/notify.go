// Package notify fans out operational error notifications to email and to
// configured notification alerters. This is about telling operators the
// engine is unhealthy, not about rule alerts.
package notify

import (
	"fmt"
	"log"
	"net/smtp"
	"strings"

	"github.com/Deathtanium/elastalert2/internal/models"
	"github.com/Deathtanium/elastalert2/internal/util"
)

type Notifier struct {
	Email    []string
	FromAddr string
	SMTPHost string
	Alerters []models.Alerter
}

// NotifyError reports an engine-level failure. Rule may be nil for global
// failures. Recipients are the global list plus the rule's own, deduped.
func (n *Notifier) NotifyError(message string, rule *models.Rule, cause error) {
	body := message
	if cause != nil {
		body = fmt.Sprintf("%s: %v", message, cause)
	}
	subject := "ElastAlert error"
	recipients := append([]string(nil), n.Email...)
	if rule != nil {
		subject = fmt.Sprintf("ElastAlert error in rule %s", rule.Name)
		recipients = append(recipients, rule.NotifyEmail...)
	}
	if len(recipients) > 0 {
		if err := n.sendEmail(subject, body, recipients); err != nil {
			log.Printf("[notify] email failed: %v", err)
		}
	}
	match := models.Match{"@timestamp": util.Now(), "message": body}
	if rule != nil {
		match["rule_name"] = rule.Name
	}
	for _, a := range n.Alerters {
		if err := a.Alert([]models.Match{match}); err != nil {
			log.Printf("[notify] alerter failed: %v", err)
		}
	}
}

func (n *Notifier) sendEmail(subject, body string, recipients []string) error {
	seen := make(map[string]bool)
	to := recipients[:0]
	for _, r := range recipients {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		to = append(to, r)
	}
	if len(to) == 0 {
		return nil
	}
	host := n.SMTPHost
	if host == "" {
		host = "localhost"
	}
	addr := host
	if !strings.Contains(addr, ":") {
		addr += ":25"
	}
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		n.FromAddr, strings.Join(to, ", "), subject, body)
	return smtp.SendMail(addr, nil, n.FromAddr, to, []byte(msg))
}
