package order

import (
	"strings"

	"order-core/internal/credentials"
	"order-core/pkg/exchanges/common"
)

// Signals is everything environment classification looks at.
type Signals struct {
	Explicit     string
	ExchangeHint string
	Account      credentials.AccountHints
}

// Rule is a named classification predicate. Match reports false when the
// rule has no opinion.
type Rule struct {
	Name  string
	Match func(Signals) (common.Environment, bool)
}

// RuleDefault names the fallback applied when no rule matches.
const RuleDefault = "default"

// DefaultRules are evaluated in order; the first match wins.
var DefaultRules = []Rule{
	{Name: "explicit", Match: explicitEnvironment},
	{Name: "management_account", Match: managementAccount},
	{Name: "testnet_mode", Match: testnetMode},
	{Name: "api_key_environment", Match: apiKeyEnvironment},
	{Name: "exchange_hint", Match: exchangeHint},
}

// Classifier maps signals onto the closed environment set.
type Classifier struct {
	Rules []Rule
}

// Classify returns the environment and the name of the rule that decided it.
// Anything unrecognized falls back to testnet so no order reaches real funds
// by accident.
func (c Classifier) Classify(s Signals) (common.Environment, string) {
	rules := c.Rules
	if rules == nil {
		rules = DefaultRules
	}
	for _, r := range rules {
		if env, ok := r.Match(s); ok && env.Valid() {
			return env, r.Name
		}
	}
	return common.EnvTestnet, RuleDefault
}

func explicitEnvironment(s Signals) (common.Environment, bool) {
	env := parseEnvironment(s.Explicit)
	return env, env.Valid()
}

func managementAccount(s Signals) (common.Environment, bool) {
	return common.EnvManagement, s.Account.IsManagement
}

func testnetMode(s Signals) (common.Environment, bool) {
	return common.EnvTestnet, s.Account.TestnetMode
}

// apiKeyEnvironment infers testnet when the user's only keys are sandbox
// keys. Live keys alone never select mainnet.
func apiKeyEnvironment(s Signals) (common.Environment, bool) {
	return common.EnvTestnet, s.Account.Known && s.Account.SandboxKey
}

func exchangeHint(s Signals) (common.Environment, bool) {
	hint := strings.ToLower(s.ExchangeHint)
	switch {
	case strings.Contains(hint, "testnet"), strings.Contains(hint, "demo"):
		return common.EnvTestnet, true
	case strings.Contains(hint, "mainnet"):
		return common.EnvMainnet, true
	}
	return "", false
}
