// Package alerters holds the built-in alert destinations. Further ones are
// registered by embedding applications; the debug alerter ships here so
// --debug runs have somewhere to send matches.
package alerters

import (
	"encoding/json"
	"log"

	"github.com/Deathtanium/elastalert2/internal/models"
)

// Debug logs each match instead of delivering it. Substituted for every
// configured alerter when the engine runs in debug mode.
type Debug struct {
	RuleName string
}

func (d *Debug) Alert(matches []models.Match) error {
	for _, m := range matches {
		body, err := json.Marshal(m)
		if err != nil {
			log.Printf("[alert] debug alert for %s: %v", d.RuleName, m)
			continue
		}
		log.Printf("[alert] debug alert for %s: %s", d.RuleName, body)
	}
	return nil
}

func (d *Debug) GetInfo() map[string]any {
	return map[string]any{"type": "debug"}
}

func (d *Debug) SetPipeline(map[string]any) {}
