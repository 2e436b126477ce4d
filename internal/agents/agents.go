// Package agents declares the closed set of decision agents and their action tables.
//
// Action tables are fixed at build time. Adding an action means adding a new
// table (and a new agent kind), never appending to an existing one.
package agents

import "fmt"

// Kind identifies an agent's action space.
type Kind int

const (
	Default Kind = iota
	Lender
	AlphaTrading
	SpendingGuard
	BudgetAnalyzer
	TaxOptimizer
	ContractReview
)

var (
	lenderActions = [9]string{
		"approve_standard",
		"approve_reduced_rate",
		"approve_extended_term",
		"revise_amount_down",
		"revise_amount_up",
		"request_more_info",
		"deny_high_risk",
		"deny_insufficient_income",
		"defer_review",
	}
	alphaTradingActions = [5]string{
		"conservative_allocation",
		"balanced_allocation",
		"growth_allocation",
		"rebalance_defensive",
		"rebalance_aggressive",
	}
	spendingGuardActions = [4]string{
		"no_alert",
		"soft_warning",
		"strong_warning",
		"block_transaction",
	}
	budgetAnalyzerActions = [5]string{
		"no_changes",
		"minor_adjustments",
		"major_reallocation",
		"emergency_mode",
		"savings_optimization",
	}
	taxOptimizerActions = [4]string{
		"standard_deduction",
		"itemized_deduction",
		"retirement_optimization",
		"aggressive_optimization",
	}
	contractReviewActions = [3]string{
		"approve_contract",
		"request_revisions",
		"reject_contract",
	}
	defaultActions = [3]string{"low", "medium", "high"}
)

var kindNames = map[Kind]string{
	Default:        "Default",
	Lender:         "Lender",
	AlphaTrading:   "AlphaTrading",
	SpendingGuard:  "SpendingGuard",
	BudgetAnalyzer: "BudgetAnalyzer",
	TaxOptimizer:   "TaxOptimizer",
	ContractReview: "ContractReview",
}

// Named lists the agents that have their own action table, in training order.
var Named = []Kind{Lender, AlphaTrading, SpendingGuard, BudgetAnalyzer, TaxOptimizer, ContractReview}

// KindOf maps an agent name to its kind. Unknown names get the Default table.
func KindOf(name string) Kind {
	for k, n := range kindNames {
		if n == name && k != Default {
			return k
		}
	}
	return Default
}

// String returns the canonical agent name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Actions returns a copy of the action table for the kind.
func (k Kind) Actions() []string {
	return append([]string(nil), k.table()...)
}

func (k Kind) table() []string {
	switch k {
	case Lender:
		return lenderActions[:]
	case AlphaTrading:
		return alphaTradingActions[:]
	case SpendingGuard:
		return spendingGuardActions[:]
	case BudgetAnalyzer:
		return budgetAnalyzerActions[:]
	case TaxOptimizer:
		return taxOptimizerActions[:]
	case ContractReview:
		return contractReviewActions[:]
	default:
		return defaultActions[:]
	}
}

// NumActions is the size of the kind's action table.
func (k Kind) NumActions() int {
	return len(k.table())
}

// ActionName returns the label for an action index.
func (k Kind) ActionName(action int) (string, error) {
	actions := k.table()
	if action < 0 || action >= len(actions) {
		return "", fmt.Errorf("action %d out of range for %s (size %d)", action, k, len(actions))
	}
	return actions[action], nil
}

// ActionIndex returns the index of a named action.
func (k Kind) ActionIndex(name string) (int, bool) {
	for i, a := range k.table() {
		if a == name {
			return i, true
		}
	}
	return 0, false
}
