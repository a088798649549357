package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/metermint/creditledger/internal/models"
)

// ErrRuleNotFound indicates no pricing rule matched a request. The engine
// falls back to a safe default markup and alerts operators; it never charges
// zero for unmatched usage.
var ErrRuleNotFound = errors.New("pricing: no rule matched")

// ErrUnpricedUsage indicates an event with tokens resolved to a zero base
// cost. Neither the matched rule nor the base price source carried token
// prices, so the request fails closed instead of metering usage for free.
var ErrUnpricedUsage = errors.New("pricing: no base price for usage")

// fallbackMarkup is applied when resolution fails entirely.
var fallbackMarkup = Percentage(0.25)

// defaultPowerLevelMultipliers applies when a rule carries no override map.
var defaultPowerLevelMultipliers = map[string]float64{
	"eco":       0.8,
	"balanced":  1.0,
	"precision": 1.5,
}

// Request describes one billable event for cost resolution.
type Request struct {
	Provider     string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Tier         string
	BYOK         bool
	PowerLevel   string
}

// Quote is the resolved cost breakdown for a request.
type Quote struct {
	BaseMicros   int64
	MarkupMicros int64
	FinalMicros  int64
	RuleID       *uint64
	// Fallback is set when no rule matched and the safe default markup was
	// applied.
	Fallback bool
}

// Engine resolves request cost from the pricing-rule snapshot.
type Engine struct {
	rules *RuleSnapshot
	// basePrice supplies the provider's raw cost per 1K tokens when the
	// matched rule carries no base prices (BYOK requests report upstream
	// cost themselves in a full deployment; tests inject fixed prices).
	basePrice func(provider, model string) (inputPer1K, outputPer1K int64)
}

// NewEngine constructs an Engine over a rule snapshot.
func NewEngine(rules *RuleSnapshot) *Engine {
	return &Engine{rules: rules}
}

// SetBasePriceFunc overrides the base price source.
func (e *Engine) SetBasePriceFunc(fn func(provider, model string) (int64, int64)) {
	e.basePrice = fn
}

// Calculate resolves the cost for a request: rule resolution, markup,
// power-level multiplier, then ceiling rounding to the minimum chargeable
// unit. A resolution miss applies the fallback markup and returns the quote
// alongside ErrRuleNotFound so the caller still charges; a request carrying
// tokens with no resolvable base price fails with ErrUnpricedUsage.
func (e *Engine) Calculate(ctx context.Context, req Request) (Quote, error) {
	rule := e.Resolve(req.Provider, req.Tier, req.BYOK)

	var quote Quote
	markup := fallbackMarkup
	multipliers := defaultPowerLevelMultipliers

	baseMicros := e.baseCost(req, rule)
	if baseMicros == 0 && (req.InputTokens > 0 || req.OutputTokens > 0) {
		log.WithFields(log.Fields{
			"provider": req.Provider,
			"model":    req.Model,
			"tier":     req.Tier,
		}).Error("pricing: no base price for metered tokens")
		return Quote{}, ErrUnpricedUsage
	}
	quote.BaseMicros = baseMicros

	var errResolve error
	if rule == nil {
		quote.Fallback = true
		errResolve = ErrRuleNotFound
		log.WithFields(log.Fields{
			"provider": req.Provider,
			"tier":     req.Tier,
			"byok":     req.BYOK,
		}).Error("pricing: no rule matched, applying fallback markup")
	} else {
		id := rule.ID
		quote.RuleID = &id
		decoded, errMarkup := NewMarkup(rule.MarkupType, rule.MarkupValue)
		if errMarkup == nil {
			markup = decoded
		} else {
			quote.Fallback = true
			log.WithError(errMarkup).WithField("rule_id", rule.ID).
				Error("pricing: invalid markup on rule, applying fallback")
		}
		if override := decodePowerLevels(rule.PowerLevelMultipliers); override != nil {
			multipliers = override
		}
	}

	marked := markup.Apply(baseMicros)

	level := strings.TrimSpace(req.PowerLevel)
	if level == "" {
		level = "balanced"
	}
	if factor, ok := multipliers[level]; ok && factor > 0 {
		marked = int64(math.Ceil(float64(marked) * factor))
	}

	quote.FinalMicros = CeilToChargeableUnit(marked)
	quote.MarkupMicros = quote.FinalMicros - baseMicros
	return quote, errResolve
}

// Resolve returns the best matching enabled rule, or nil. Resolution order,
// first match wins:
//  1. exact provider + tier
//  2. provider-global (tier empty)
//  3. tier-global platform markup (provider empty)
//  4. system default (both empty)
//
// BYOK requests search byok-scoped rules first, then platform rules.
func (e *Engine) Resolve(provider, tier string, byok bool) *models.PricingRule {
	scopes := []models.RuleScope{models.ScopePlatform}
	if byok {
		scopes = []models.RuleScope{models.ScopeBYOK, models.ScopePlatform}
	}

	rules := e.rules.Load()
	provider = strings.ToLower(strings.TrimSpace(provider))
	tier = strings.ToLower(strings.TrimSpace(tier))

	for _, scope := range scopes {
		if best := selectRule(rules, scope, provider, tier); best != nil {
			return best
		}
	}
	return nil
}

// selectRule picks the highest-priority enabled rule within one scope. Ties
// on priority go to the most recently activated rule, then the highest ID.
func selectRule(rules []models.PricingRule, scope models.RuleScope, provider, tier string) *models.PricingRule {
	bestPriority := -1
	var best *models.PricingRule

	consider := func(r *models.PricingRule, priority int) {
		if priority > bestPriority {
			bestPriority = priority
			best = r
			return
		}
		if priority < bestPriority || best == nil {
			return
		}
		if r.ActiveFrom.After(best.ActiveFrom) {
			best = r
			return
		}
		if r.ActiveFrom.Equal(best.ActiveFrom) && r.ID > best.ID {
			best = r
		}
	}

	for i := range rules {
		r := &rules[i]
		if !r.IsEnabled || r.Scope != scope {
			continue
		}

		rProvider := strings.ToLower(strings.TrimSpace(r.Provider))
		rTier := strings.ToLower(strings.TrimSpace(r.Tier))

		switch {
		case rProvider == provider && provider != "" && rTier == tier && tier != "":
			consider(r, 3)
		case rProvider == provider && provider != "" && rTier == "":
			consider(r, 2)
		case rProvider == "" && rTier == tier && tier != "":
			consider(r, 1)
		case rProvider == "" && rTier == "":
			consider(r, 0)
		}
	}

	return best
}

// baseCost computes the raw provider cost in micros from the rule's token
// prices or the injected base price source. Token fractions round up.
func (e *Engine) baseCost(req Request, rule *models.PricingRule) int64 {
	var inputPer1K, outputPer1K int64
	if rule != nil && (rule.InputPricePer1KMicros > 0 || rule.OutputPricePer1KMicros > 0) {
		inputPer1K = rule.InputPricePer1KMicros
		outputPer1K = rule.OutputPricePer1KMicros
	} else if e.basePrice != nil {
		inputPer1K, outputPer1K = e.basePrice(req.Provider, req.Model)
	}

	inputCost := ceilDiv(req.InputTokens*inputPer1K, 1000)
	outputCost := ceilDiv(req.OutputTokens*outputPer1K, 1000)
	return inputCost + outputCost
}

// ceilDiv divides non-negative integers rounding up.
func ceilDiv(numerator, denominator int64) int64 {
	if numerator <= 0 {
		return 0
	}
	return (numerator + denominator - 1) / denominator
}

// decodePowerLevels parses the per-rule multiplier override map.
func decodePowerLevels(raw []byte) map[string]float64 {
	if len(raw) == 0 {
		return nil
	}
	var decoded map[string]float64
	if errUnmarshal := json.Unmarshal(raw, &decoded); errUnmarshal != nil || len(decoded) == 0 {
		return nil
	}
	return decoded
}

// FreeMonthlyAllowance returns the free allowance configured for a tier from
// the active rule set, checking byok rules first since the allowance applies
// to BYOK usage.
func (e *Engine) FreeMonthlyAllowance(tier string) int64 {
	for _, byok := range []bool{true, false} {
		if rule := e.Resolve("", tier, byok); rule != nil && rule.FreeMonthlyAllowanceMicros > 0 {
			return rule.FreeMonthlyAllowanceMicros
		}
	}
	return 0
}
