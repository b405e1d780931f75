// Package approval implements the human-in-the-loop gate for large
// redemptions and rebalance plans: rule matching, ticket lifecycle,
// SLA timers and the on-chain commit of resolved tickets.
package approval

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kelpejol/strata/internal/model"
)

// ErrNoRuleMatched reports a request no configured rule covers. The caller
// fails the request rather than inventing requirements for it.
var ErrNoRuleMatched = errors.New("no approval rule matched")

// Level orders approver authority. Higher levels may act on tickets
// requiring lower ones.
type Level int

const (
	LevelOperator  Level = 1
	LevelManager   Level = 2
	LevelAdmin     Level = 3
	LevelEmergency Level = 4
)

func (l Level) String() string {
	switch l {
	case LevelOperator:
		return "OPERATOR"
	case LevelManager:
		return "MANAGER"
	case LevelAdmin:
		return "ADMIN"
	case LevelEmergency:
		return "EMERGENCY"
	}
	return "UNKNOWN"
}

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPERATOR":
		return LevelOperator, nil
	case "MANAGER":
		return LevelManager, nil
	case "ADMIN":
		return LevelAdmin, nil
	case "EMERGENCY":
		return LevelEmergency, nil
	}
	return 0, fmt.Errorf("unknown approver level %q", s)
}

// Ticket types. Redemptions split by channel; the rest gate operator
// actions rather than chain events.
const (
	TypeRedemption          = "REDEMPTION"
	TypeEmergencyRedemption = "EMERGENCY_REDEMPTION"
	TypeRebalancing         = "REBALANCING"
	TypeAssetAdd            = "ASSET_ADD"
	TypeAssetRemove         = "ASSET_REMOVE"
	TypeConfigChange        = "CONFIG_CHANGE"
)

// Op is a condition comparator.
type Op string

const (
	OpGT Op = "GT"
	OpLT Op = "LT"
	OpGE Op = "GE"
	OpLE Op = "LE"
	OpEQ Op = "EQ"
	OpNE Op = "NE"
)

// Facts are the request attributes rules match against.
type Facts struct {
	Amount  *model.Amount
	Channel model.RedemptionChannel
}

// Condition compares one fact against a bound. Amount conditions use the
// Amount bound; string fields use Value.
type Condition struct {
	Field  string        `json:"field"` // "amount" or "channel"
	Op     Op            `json:"op"`
	Amount *model.Amount `json:"amount,omitempty"`
	Value  string        `json:"value,omitempty"`
}

// Match evaluates the condition against the facts. Unknown fields never
// match, so a misconfigured rule fails closed.
func (c Condition) Match(f Facts) bool {
	switch c.Field {
	case "amount":
		if f.Amount == nil || c.Amount == nil {
			return false
		}
		return cmpOK(c.Op, f.Amount.Cmp(c.Amount))
	case "channel":
		return cmpOK(c.Op, strings.Compare(string(f.Channel), c.Value))
	}
	return false
}

func cmpOK(op Op, cmp int) bool {
	switch op {
	case OpGT:
		return cmp > 0
	case OpLT:
		return cmp < 0
	case OpGE:
		return cmp >= 0
	case OpLE:
		return cmp <= 0
	case OpEQ:
		return cmp == 0
	case OpNE:
		return cmp != 0
	}
	return false
}

// Rule defines the approval requirements and SLA for one ticket class.
// AutoApprove resolves matching tickets as APPROVED at creation with no human
// in the loop. AutoReject controls the deadline job: when set, an expired
// ticket's rejection is committed on-chain; otherwise expiry stays off-chain
// and operators get a critical notification.
type Rule struct {
	Name              string          `json:"name"`
	TicketType        string          `json:"ticket_type"`
	Conditions        []Condition     `json:"conditions,omitempty"`
	RequiredApprovals int             `json:"required_approvals"`
	RequiredLevel     Level           `json:"required_level"`
	AutoApprove       bool            `json:"auto_approve,omitempty"`
	AutoReject        bool            `json:"auto_reject,omitempty"`
	SLAWarning        time.Duration   `json:"sla_warning"`
	SLADeadline       time.Duration   `json:"sla_deadline"`
	EscalateAfter     time.Duration   `json:"escalate_after,omitempty"`
	EscalateTo        Level           `json:"escalate_to,omitempty"`
}

// Matches reports whether every condition holds for the facts.
func (r Rule) Matches(ticketType string, f Facts) bool {
	if r.TicketType != ticketType {
		return false
	}
	for _, c := range r.Conditions {
		if !c.Match(f) {
			return false
		}
	}
	return true
}

// DefaultRules returns the production rule set. Rules within a ticket type
// are ordered most specific first; conditions are mutually exclusive on the
// amount bands so the first match wins.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:       "redemption-large",
			TicketType: TypeRedemption,
			Conditions: []Condition{
				{Field: "amount", Op: OpGT, Amount: model.Units(100_000)},
			},
			RequiredApprovals: 2,
			RequiredLevel:     LevelManager,
			AutoReject:        true,
			SLAWarning:        2 * time.Hour,
			SLADeadline:       12 * time.Hour,
		},
		{
			Name:       "redemption-standard",
			TicketType: TypeRedemption,
			Conditions: []Condition{
				{Field: "amount", Op: OpGE, Amount: model.Units(30_000)},
				{Field: "amount", Op: OpLE, Amount: model.Units(100_000)},
			},
			RequiredApprovals: 1,
			RequiredLevel:     LevelOperator,
			AutoReject:        true,
			SLAWarning:        4 * time.Hour,
			SLADeadline:       24 * time.Hour,
		},
		{
			// below the approval floor the contract still flags some requests;
			// those clear without a human in the loop
			Name:       "redemption-small",
			TicketType: TypeRedemption,
			Conditions: []Condition{
				{Field: "amount", Op: OpLT, Amount: model.Units(30_000)},
			},
			AutoApprove: true,
		},
		{
			Name:       "emergency-redemption",
			TicketType: TypeEmergencyRedemption,
			Conditions: []Condition{
				{Field: "amount", Op: OpGE, Amount: model.Units(30_000)},
			},
			RequiredApprovals: 1,
			RequiredLevel:     LevelEmergency,
			SLAWarning:        30 * time.Minute,
			SLADeadline:       2 * time.Hour,
			EscalateAfter:     30 * time.Minute,
			EscalateTo:        LevelEmergency,
		},
		{
			Name:       "emergency-redemption-small",
			TicketType: TypeEmergencyRedemption,
			Conditions: []Condition{
				{Field: "amount", Op: OpLT, Amount: model.Units(30_000)},
			},
			AutoApprove: true,
		},
		{
			Name:              "rebalancing",
			TicketType:        TypeRebalancing,
			RequiredApprovals: 2,
			RequiredLevel:     LevelManager,
			SLAWarning:        2 * time.Hour,
			SLADeadline:       12 * time.Hour,
		},
		{
			Name:              "asset-add",
			TicketType:        TypeAssetAdd,
			RequiredApprovals: 2,
			RequiredLevel:     LevelAdmin,
			SLAWarning:        12 * time.Hour,
			SLADeadline:       48 * time.Hour,
		},
		{
			Name:              "asset-remove",
			TicketType:        TypeAssetRemove,
			RequiredApprovals: 3,
			RequiredLevel:     LevelAdmin,
			SLAWarning:        12 * time.Hour,
			SLADeadline:       48 * time.Hour,
		},
		{
			Name:              "config-change",
			TicketType:        TypeConfigChange,
			RequiredApprovals: 2,
			RequiredLevel:     LevelAdmin,
			SLAWarning:        4 * time.Hour,
			SLADeadline:       24 * time.Hour,
		},
	}
}

// MatchRule returns the first rule matching the ticket type and facts.
// An uncovered request is ErrNoRuleMatched: the engine fails it rather
// than guessing at requirements for a ticket class nobody configured.
func MatchRule(rules []Rule, ticketType string, f Facts) (Rule, error) {
	for _, r := range rules {
		if r.Matches(ticketType, f) {
			return r, nil
		}
	}
	return Rule{}, fmt.Errorf("%w: type %s", ErrNoRuleMatched, ticketType)
}
