package approval

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/strata/internal/model"
	"github.com/kelpejol/strata/internal/notify"
	"github.com/kelpejol/strata/internal/task"
)

func newTestEngine(t *testing.T) (*Engine, *task.Queue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	q := task.NewQueue(rdb, zerolog.Nop())
	e := New(nil, q, nil, notify.NewLogNotifier(zerolog.Nop()), "0xvault", zerolog.Nop())
	return e, q
}

func ticketWithSLA(escalation bool) *model.ApprovalTicket {
	now := time.Now().UTC()
	t := &model.ApprovalTicket{
		ID:            "tkt-1",
		Type:          TypeRedemption,
		SLAWarningAt:  now.Add(time.Hour),
		SLADeadlineAt: now.Add(2 * time.Hour),
		Status:        model.TicketPending,
	}
	if escalation {
		at := now.Add(30 * time.Minute)
		t.EscalationAt = &at
	}
	return t
}

func TestScheduleSLADefersTimers(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ScheduleSLA(ctx, ticketWithSLA(true)))

	// nothing due yet
	n, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// all three timers become due in the far future
	n, err = q.PromoteDue(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Contains(t, []string{task.KindSLAWarning, task.KindSLAEscalation, task.KindSLADeadline}, got.Kind)
}

func TestScheduleSLAWithoutEscalation(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ScheduleSLA(ctx, ticketWithSLA(false)))

	n, err := q.PromoteDue(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCancelSLADropsPendingTimers(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.ScheduleSLA(ctx, ticketWithSLA(true)))
	e.cancelSLA(ctx, "tkt-1")

	n, err := q.PromoteDue(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNewTicketAutoApproveResolvesAtCreation(t *testing.T) {
	e, _ := newTestEngine(t)
	rule, err := MatchRule(DefaultRules(), TypeRedemption, Facts{
		Amount:  model.Units(10_000),
		Channel: model.ChannelStandard,
	})
	require.NoError(t, err)
	require.True(t, rule.AutoApprove)

	tk, err := e.newTicket(rule, model.RefRedemption, "42", "0xowner", nil)
	require.NoError(t, err)
	assert.Equal(t, model.TicketApproved, tk.Status)
	assert.Equal(t, "system", tk.ResolvedBy)
	require.NotNil(t, tk.ResolvedAt)
	assert.Equal(t, "auto-approved by rule redemption-small", tk.ResultReason)
}

func TestScheduleSLASkipsResolvedTicket(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	tk := ticketWithSLA(true)
	now := time.Now().UTC()
	tk.Status = model.TicketApproved
	tk.ResolvedAt = &now
	tk.ResolvedBy = "system"

	require.NoError(t, e.ScheduleSLA(ctx, tk))

	// no timers registered and nothing queued: the result ran in-line
	n, err := q.PromoteDue(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestExpiryFollowUpAutoReject(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	tk := ticketWithSLA(false)
	require.NoError(t, e.ScheduleSLA(ctx, tk))

	detail := e.expiryFollowUp(ctx, tk, true)
	assert.Empty(t, detail)

	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, task.KindApprovalResult, got.Kind)
}

func TestExpiryFollowUpManual(t *testing.T) {
	e, q := newTestEngine(t)
	ctx := context.Background()

	tk := ticketWithSLA(false)
	require.NoError(t, e.ScheduleSLA(ctx, tk))

	detail := e.expiryFollowUp(ctx, tk, false)
	assert.Contains(t, detail, "manual follow-up")

	// no result task, and the remaining timers are gone
	got, err := q.Dequeue(ctx, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, got)
	n, err := q.PromoteDue(ctx, time.Now().Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestApproverLevelLookupIsCaseInsensitive(t *testing.T) {
	e, _ := newTestEngine(t)
	e.SetApproverLevel("0xAbCd", LevelManager)

	lvl, ok := e.ApproverLevel("0xabcd")
	require.True(t, ok)
	assert.Equal(t, LevelManager, lvl)

	_, ok = e.ApproverLevel("0xother")
	assert.False(t, ok)
}

func TestDecideRejectsUnknownApprover(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.Approve(context.Background(), "tkt-1", "0xnobody", "")
	assert.ErrorIs(t, err, ErrUnknownApprover)
}
