package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Deathtanium/elastalert2/internal/models"
)

// Factories construct a rule's collaborators from its raw YAML document.
// Rule types, alerters and enhancements are registered by name; embedding
// applications add their own next to the built-ins.
type (
	RuleTypeFactory    func(r *models.Rule, raw map[string]any) (models.RuleType, error)
	AlerterFactory     func(r *models.Rule, raw map[string]any) (models.Alerter, error)
	EnhancementFactory func(r *models.Rule, raw map[string]any) (models.Enhancement, error)
)

var (
	regMu        sync.RWMutex
	ruleTypes    = map[string]RuleTypeFactory{}
	alerterTypes = map[string]AlerterFactory{}
	enhancements = map[string]EnhancementFactory{}
)

func RegisterRuleType(name string, f RuleTypeFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	ruleTypes[name] = f
}

func RegisterAlerter(name string, f AlerterFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	alerterTypes[name] = f
}

func RegisterEnhancement(name string, f EnhancementFactory) {
	regMu.Lock()
	defer regMu.Unlock()
	enhancements[name] = f
}

func ruleTypeFor(name string) (RuleTypeFactory, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := ruleTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown rule type %q (registered: %v)", name, keysOf(ruleTypes))
	}
	return f, nil
}

func alerterFor(name string) (AlerterFactory, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := alerterTypes[name]
	if !ok {
		return nil, fmt.Errorf("unknown alerter %q (registered: %v)", name, keysOf(alerterTypes))
	}
	return f, nil
}

func enhancementFor(name string) (EnhancementFactory, error) {
	regMu.RLock()
	defer regMu.RUnlock()
	f, ok := enhancements[name]
	if !ok {
		return nil, fmt.Errorf("unknown enhancement %q", name)
	}
	return f, nil
}

func keysOf[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
