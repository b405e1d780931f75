// Package model defines the off-chain domain entities for the Strata control
// plane: the fund projection, redemption requests, approval tickets,
// rebalance plans and risk records, together with their status machines.
//
// The on-chain contracts are the source of truth for balances and request
// lifecycles; everything in this package is a projection of confirmed chain
// events plus the bookkeeping (tickets, plans, snapshots) the control plane
// owns outright. All monetary fields are fixed-point integers in the fund's
// base unit (18 fractional digits); ratios are basis points unless a field
// says otherwise. All timestamps are UTC.
package model

import (
	"time"
)

// Tier identifies one of the three liquidity tiers.
type Tier string

const (
	TierL1 Tier = "L1" // cash + yield-bearing cash equivalents
	TierL2 Tier = "L2" // money-market instruments
	TierL3 Tier = "L3" // high-yield RWA holdings
)

// AllTiers lists the tiers in liquidity order, most liquid first.
var AllTiers = []Tier{TierL1, TierL2, TierL3}

// FundProjection is the single-row read model of the fund, rebuilt from
// confirmed chain events. Only the event dispatcher and the rebalance
// executor's verification step write it.
type FundProjection struct {
	TotalAssets               *Amount
	L1Cash                    *Amount
	L1Yield                   *Amount
	L2                        *Amount
	L3                        *Amount
	TotalRedemptionLiability  *Amount
	TotalLockedShares         *Amount
	WithdrawableFees          *Amount
	SharePrice                *Amount // NAV per share, base units
	EmergencyMode             bool
	LastBlock                 uint64
	UpdatedAt                 time.Time
}

// TierValue returns the projected value held in a tier. L1 is the sum of its
// cash and yield sleeves.
func (p *FundProjection) TierValue(t Tier) *Amount {
	switch t {
	case TierL1:
		return p.L1Cash.Add(p.L1Yield)
	case TierL2:
		return p.L2
	case TierL3:
		return p.L3
	}
	return ZeroAmount()
}

// Drift returns the difference between the tier sum (net of liability and
// withdrawable fees) and total_assets. Recomputed on every projection commit;
// a persistent non-zero drift indicates a projection bug or a missed event.
func (p *FundProjection) Drift() *Amount {
	sum := p.L1Cash.Add(p.L1Yield).Add(p.L2).Add(p.L3)
	sum = sum.Sub(p.TotalRedemptionLiability).Sub(p.WithdrawableFees)
	return sum.Sub(p.TotalAssets)
}

// RedemptionChannel is the on-chain redemption path a request came in on.
type RedemptionChannel string

const (
	ChannelStandard  RedemptionChannel = "STANDARD"
	ChannelEmergency RedemptionChannel = "EMERGENCY"
	ChannelScheduled RedemptionChannel = "SCHEDULED"
)

// RedemptionStatus is the off-chain lifecycle state of a redemption request.
type RedemptionStatus string

const (
	RedemptionPending         RedemptionStatus = "PENDING"
	RedemptionPendingApproval RedemptionStatus = "PENDING_APPROVAL"
	RedemptionApproved        RedemptionStatus = "APPROVED"
	RedemptionSettled         RedemptionStatus = "SETTLED"
	RedemptionRejected        RedemptionStatus = "REJECTED"
	RedemptionExpired         RedemptionStatus = "EXPIRED"
	RedemptionCancelled       RedemptionStatus = "CANCELLED"
)

// redemptionTransitions is the closed set of legal edges. Terminal states
// have no outgoing edges.
var redemptionTransitions = map[RedemptionStatus][]RedemptionStatus{
	RedemptionPending:         {RedemptionSettled, RedemptionCancelled},
	RedemptionPendingApproval: {RedemptionApproved, RedemptionRejected, RedemptionExpired, RedemptionCancelled},
	RedemptionApproved:        {RedemptionSettled},
}

// CanTransition reports whether s -> to is a legal edge of the redemption
// state machine.
func (s RedemptionStatus) CanTransition(to RedemptionStatus) bool {
	for _, t := range redemptionTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status has no outgoing edges.
func (s RedemptionStatus) Terminal() bool {
	return len(redemptionTransitions[s]) == 0
}

// RedemptionRequest mirrors an on-chain redemption request plus the off-chain
// approval linkage. request_id is assigned by the vault contract and unique.
type RedemptionRequest struct {
	RequestID        uint64
	Owner            string
	Receiver         string
	Shares           *Amount
	GrossAmount      *Amount
	LockedNav        *Amount
	EstimatedFee     *Amount
	ActualFee        *Amount
	RequestTime      time.Time
	SettlementTime   time.Time
	Channel          RedemptionChannel
	RequiresApproval bool
	WindowID         *uint64
	VoucherTokenID   *uint64
	Status           RedemptionStatus
	SettledAmount    *Amount
	SettledAt        *time.Time
	ApprovalTicketID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// TicketStatus is the approval ticket lifecycle state.
type TicketStatus string

const (
	TicketPending           TicketStatus = "PENDING"
	TicketPartiallyApproved TicketStatus = "PARTIALLY_APPROVED"
	TicketApproved          TicketStatus = "APPROVED"
	TicketRejected          TicketStatus = "REJECTED"
	TicketExpired           TicketStatus = "EXPIRED"
	TicketCancelled         TicketStatus = "CANCELLED"
)

// Terminal reports whether no further approver action is accepted.
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketApproved, TicketRejected, TicketExpired, TicketCancelled:
		return true
	}
	return false
}

// Cancellable reports whether the requester may still withdraw the ticket.
func (s TicketStatus) Cancellable() bool {
	return s == TicketPending || s == TicketPartiallyApproved
}

// ApprovalAction is a single approver decision.
type ApprovalAction string

const (
	ActionApprove ApprovalAction = "APPROVE"
	ActionReject  ApprovalAction = "REJECT"
)

// ReferenceType links a ticket to the entity it gates.
type ReferenceType string

const (
	RefRedemption ReferenceType = "REDEMPTION"
	RefRebalance  ReferenceType = "REBALANCE"
)

// ApprovalTicket is a human-in-the-loop gate in front of an on-chain commit.
// Tickets are owned by the approval engine; other components only read them.
type ApprovalTicket struct {
	ID                string
	Type              string
	ReferenceType     ReferenceType
	ReferenceID       string
	Requester         string
	RequestData       map[string]interface{}
	RuleSnapshot      string // JSON of the matched rule at creation time
	RequiredApprovals int
	CurrentApprovals  int
	CurrentRejections int
	SLAWarningAt      time.Time
	SLADeadlineAt     time.Time
	EscalationAt      *time.Time
	EscalatedAt       *time.Time
	EscalatedTo       string
	Status            TicketStatus
	ResultReason      string
	ResolvedAt        *time.Time
	ResolvedBy        string
	Records           []ApprovalRecord
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasActed reports whether the approver already appears in the ticket's
// append-only record list.
func (t *ApprovalTicket) HasActed(approver string) bool {
	for _, r := range t.Records {
		if r.Approver == approver {
			return true
		}
	}
	return false
}

// ApprovalRecord is one approver's decision, append-only.
type ApprovalRecord struct {
	ID        string
	TicketID  string
	Approver  string
	Action    ApprovalAction
	Reason    string
	CreatedAt time.Time
}

// PlanStatus is the rebalance plan lifecycle state.
type PlanStatus string

const (
	PlanDraft           PlanStatus = "DRAFT"
	PlanPendingApproval PlanStatus = "PENDING_APPROVAL"
	PlanApproved        PlanStatus = "APPROVED"
	PlanExecuting       PlanStatus = "EXECUTING"
	PlanCompleted       PlanStatus = "COMPLETED"
	PlanPartial         PlanStatus = "PARTIAL"
	PlanFailed          PlanStatus = "FAILED"
	PlanCancelled       PlanStatus = "CANCELLED"
)

// Terminal reports whether the plan can no longer change state.
func (s PlanStatus) Terminal() bool {
	switch s {
	case PlanCompleted, PlanPartial, PlanFailed, PlanCancelled:
		return true
	}
	return false
}

// TriggerType records what initiated a rebalance plan.
type TriggerType string

const (
	TriggerManual    TriggerType = "MANUAL"
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerThreshold TriggerType = "THRESHOLD"
	TriggerLiquidity TriggerType = "LIQUIDITY"
	TriggerEvent     TriggerType = "EVENT"
	TriggerEmergency TriggerType = "EMERGENCY"
)

// ActionKind is the closed set of rebalance action variants.
type ActionKind string

const (
	ActionTransfer  ActionKind = "TRANSFER"  // move value between tiers
	ActionPurchase  ActionKind = "PURCHASE"  // buy an asset into a tier
	ActionRedeem    ActionKind = "REDEEM"    // sell an asset out of a tier
	ActionWaterfall ActionKind = "WATERFALL" // prioritized liquidation up to a max tier
)

// ActionStatus tracks one action through execution.
type ActionStatus string

const (
	ActionPlanned   ActionStatus = "PLANNED"
	ActionExecuting ActionStatus = "EXECUTING"
	ActionDone      ActionStatus = "DONE"
	ActionFailed    ActionStatus = "FAILED"
	ActionSkipped   ActionStatus = "SKIPPED"
)

// PlanAction is one ordered step of a rebalance plan. Lower priority executes
// first; priority 0 failures fail the whole plan.
type PlanAction struct {
	ID             string
	PlanID         string
	Priority       int
	Kind           ActionKind
	FromTier       Tier
	ToTier         Tier
	Asset          string
	Amount         *Amount
	MaxSlippageBps int64
	MaxTier        Tier // WATERFALL only: deepest tier to liquidate from
	Status         ActionStatus
	TxHash         string
	Error          string
	ExecutedAt     *time.Time
}

// Independent reports whether two actions touch disjoint tiers and may run
// concurrently at the same priority.
func (a PlanAction) Independent(b PlanAction) bool {
	touches := func(x PlanAction) map[Tier]bool {
		m := map[Tier]bool{}
		if x.FromTier != "" {
			m[x.FromTier] = true
		}
		if x.ToTier != "" {
			m[x.ToTier] = true
		}
		return m
	}
	at, bt := touches(a), touches(b)
	for t := range at {
		if bt[t] {
			return false
		}
	}
	return true
}

// TierSnapshot captures one tier's value and ratio at a point in time.
type TierSnapshot struct {
	Tier     Tier
	Value    *Amount
	RatioBps int64
}

// RebalancePlan is a generated, simulated and (optionally) approved set of
// on-chain actions restoring tier targets. Plans are owned by the rebalance
// engine; the approval engine references them only via ReferenceID.
type RebalancePlan struct {
	ID               string
	Trigger          TriggerType
	Reason           string
	PreState         []TierSnapshot
	TargetState      []TierSnapshot
	Actions          []PlanAction
	TotalAmount      *Amount
	EstimatedGas     *Amount
	EstimatedSlipBps int64
	RequiresApproval bool
	ApprovalTicketID string
	Status           PlanStatus
	Error            string
	CreatedAt        time.Time
	ApprovedAt       *time.Time
	ExecutedAt       *time.Time
	CompletedAt      *time.Time
}

// SumActions returns the total absolute amount across the plan's actions.
// Invariant: equals TotalAmount on any persisted plan.
func (p *RebalancePlan) SumActions() *Amount {
	sum := ZeroAmount()
	for _, a := range p.Actions {
		sum = sum.Add(a.Amount.Abs())
	}
	return sum
}

// RiskLevel is the leveled severity shared by indicators and snapshots.
type RiskLevel int

const (
	RiskNormal RiskLevel = iota + 1
	RiskElevated
	RiskHigh
	RiskCritical
)

func (l RiskLevel) String() string {
	switch l {
	case RiskNormal:
		return "NORMAL"
	case RiskElevated:
		return "ELEVATED"
	case RiskHigh:
		return "HIGH"
	case RiskCritical:
		return "CRITICAL"
	}
	return "UNKNOWN"
}

// MaxRiskLevel returns the higher of two levels.
func MaxRiskLevel(a, b RiskLevel) RiskLevel {
	if b > a {
		return b
	}
	return a
}

// RiskSnapshot is a per-minute time-series record of all indicators plus the
// derived level and 0-100 score.
type RiskSnapshot struct {
	Time time.Time

	// Liquidity
	L1RatioBps          int64
	L1L2RatioBps        int64
	RedemptionCoverage  int64 // (L1+L2)/liability in bps
	LiquidityGap7d      *Amount

	// Price
	NavVolatility24hBps int64
	AssetPriceDevBps    int64
	OracleStalenessSec  int64

	// Concentration
	SingleAssetBps int64
	Top3Bps        int64
	CounterpartyBps int64

	// Redemption pressure
	DailyRedemptionRateBps int64
	PendingApprovalBps     int64
	RedemptionVelocity7dBps int64

	Level RiskLevel
	Score int
}

// RiskEvent is an operational risk occurrence surfaced to operators.
type RiskEvent struct {
	ID        string
	Kind      string
	Level     RiskLevel
	Title     string
	Detail    string
	Source    string
	CreatedAt time.Time
	ResolvedAt *time.Time
}

// SignerRole selects which key-service signer tier executes a write.
type SignerRole string

const (
	RoleAdmin       SignerRole = "ADMIN"
	RoleVIPApprover SignerRole = "VIP_APPROVER"
	RoleRebalancer  SignerRole = "REBALANCER"
)

// AuditLog records a state-changing operation for the audit trail.
type AuditLog struct {
	ID           string
	Action       string
	ResourceType string
	ResourceID   string
	Actor        string
	OldValue     map[string]interface{}
	NewValue     map[string]interface{}
	CreatedAt    time.Time
}
