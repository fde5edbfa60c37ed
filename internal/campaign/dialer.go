package campaign

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"dialflow/internal/telephony"
)

// BalanceGate is the pre-flight wallet check. The dialer never charges;
// charging happens at session teardown.
type BalanceGate interface {
	CheckMinimum(ctx context.Context, workspaceID string, minimumMinor int64) (bool, error)
}

var (
	ErrNotStartable   = errors.New("campaign: not in a startable status")
	ErrAlreadyRunning = errors.New("campaign: a run is already active")
)

// liveCallFactor bounds live calls per campaign relative to its batch size.
const liveCallFactor = 4

// Dialer works campaigns: it batches eligible contacts, originates calls
// with bounded concurrency, and closes campaigns out as calls finish.
type Dialer struct {
	Store   Store
	Carrier telephony.Carrier
	Wallet  BalanceGate
	Slots   SlotLimiter
	Log     *slog.Logger

	// PublicBaseURL is the externally reachable prefix for the answer,
	// status and recording webhooks.
	PublicBaseURL string
	// MinBalancePerCallMinor scales the batch pre-flight check: a batch of
	// n calls requires n times this much balance.
	MinBalancePerCallMinor int64

	clock func() time.Time
	sleep func(context.Context, time.Duration) bool

	mu   sync.Mutex
	runs map[string]context.CancelFunc
}

func NewDialer(store Store, carrier telephony.Carrier, gate BalanceGate, slots SlotLimiter, log *slog.Logger, publicBaseURL string, minBalancePerCallMinor int64) *Dialer {
	return &Dialer{
		Store:                  store,
		Carrier:                carrier,
		Wallet:                 gate,
		Slots:                  slots,
		Log:                    log,
		PublicBaseURL:          publicBaseURL,
		MinBalancePerCallMinor: minBalancePerCallMinor,
		clock:                  time.Now,
		sleep:                  sleepCtx,
		runs:                   make(map[string]context.CancelFunc),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Start moves the campaign to running and launches a dialer pass in the
// background. Valid from draft, paused and retrying; starting an already
// running campaign with no active pass resumes it.
func (d *Dialer) Start(ctx context.Context, campaignID string) error {
	cmp, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	switch cmp.Status {
	case StatusDraft, StatusPaused, StatusRetrying, StatusRunning:
	default:
		return fmt.Errorf("%w: %s", ErrNotStartable, cmp.Status)
	}

	d.mu.Lock()
	if _, active := d.runs[campaignID]; active {
		d.mu.Unlock()
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.runs[campaignID] = cancel
	d.mu.Unlock()

	if err := d.Store.SetCampaignStatus(ctx, campaignID, StatusRunning); err != nil {
		d.clearRun(campaignID)
		return err
	}

	go func() {
		defer d.clearRun(campaignID)
		d.Run(runCtx, campaignID)
	}()
	return nil
}

// Stop pauses the campaign. Cooperative: the pass checks status between
// batches, and calls already issued are never recalled.
func (d *Dialer) Stop(ctx context.Context, campaignID string) error {
	if err := d.Store.SetCampaignStatus(ctx, campaignID, StatusPaused); err != nil {
		return err
	}
	d.mu.Lock()
	cancel := d.runs[campaignID]
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (d *Dialer) clearRun(campaignID string) {
	d.mu.Lock()
	if cancel, ok := d.runs[campaignID]; ok {
		cancel()
		delete(d.runs, campaignID)
	}
	d.mu.Unlock()
}

// Run executes one dialer pass: all currently eligible contacts, in batches
// of the campaign's concurrency limit. It is idempotent; resuming a half-
// worked campaign just picks up the contacts still dialable. A panic
// anywhere in the pass cancels the campaign rather than retrying it.
func (d *Dialer) Run(ctx context.Context, campaignID string) {
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("dialer pass panicked, cancelling campaign", "campaign_id", campaignID, "panic", r)
			if err := d.Store.SetCampaignStatus(context.WithoutCancel(ctx), campaignID, StatusCancelled); err != nil {
				d.Log.Error("failed to cancel campaign after panic", "campaign_id", campaignID, "error", err)
			}
		}
	}()

	cmp, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		d.Log.Error("dialer pass aborted", "campaign_id", campaignID, "error", err)
		return
	}
	if cmp.Status != StatusRunning {
		return
	}

	eligible, err := d.Store.EligibleContacts(ctx, cmp, d.clock())
	if err != nil {
		d.Log.Error("eligible contact fetch failed", "campaign_id", campaignID, "error", err)
		return
	}
	d.Log.Info("dialer pass starting", "campaign_id", campaignID, "eligible", len(eligible), "batch_size", cmp.ConcurrencyLimit)

	batches := partition(eligible, cmp.ConcurrencyLimit)
	for i, batch := range batches {
		cmp, err = d.Store.GetCampaign(ctx, campaignID)
		if err != nil {
			d.Log.Error("dialer pass aborted", "campaign_id", campaignID, "error", err)
			return
		}
		if cmp.Status != StatusRunning {
			d.Log.Info("dialer pass stopping", "campaign_id", campaignID, "status", cmp.Status)
			return
		}

		required := d.MinBalancePerCallMinor * int64(len(batch))
		allowed, err := d.Wallet.CheckMinimum(ctx, cmp.WorkspaceID, required)
		if err != nil {
			d.Log.Error("balance pre-flight failed", "campaign_id", campaignID, "error", err)
			return
		}
		if !allowed {
			d.Log.Warn("insufficient balance, pausing campaign", "campaign_id", campaignID, "required_minor", required)
			if err := d.Store.SetCampaignStatus(ctx, campaignID, StatusPaused); err != nil {
				d.Log.Error("failed to pause campaign", "campaign_id", campaignID, "error", err)
			}
			return
		}

		var wg sync.WaitGroup
		for _, contact := range batch {
			wg.Add(1)
			go d.dialContact(ctx, cmp, contact, &wg)
		}
		wg.Wait()

		if i < len(batches)-1 {
			if !d.sleep(ctx, time.Duration(cmp.CallIntervalSeconds)*time.Second) {
				return
			}
		}
	}

	d.evaluateCompletion(ctx, campaignID)
}

// dialContact originates one call. Failures stay local to the contact; the
// rest of the batch proceeds regardless.
func (d *Dialer) dialContact(ctx context.Context, cmp Campaign, contact Contact, wg *sync.WaitGroup) {
	defer wg.Done()
	defer func() {
		if r := recover(); r != nil {
			d.Log.Error("contact dial panicked", "campaign_id", cmp.ID, "contact_id", contact.ID, "panic", r)
			d.failContact(context.WithoutCancel(ctx), cmp.ID, contact.ID, fmt.Sprintf("dial panic: %v", r))
		}
	}()

	// Batches are issued on a timer, not on call completion, so earlier
	// batches may still be live. The cap bounds total live calls per
	// campaign at a multiple of the batch size.
	acquired, err := d.Slots.Acquire(ctx, cmp.ID, cmp.ConcurrencyLimit*liveCallFactor)
	if err != nil {
		d.Log.Error("slot acquire failed", "campaign_id", cmp.ID, "contact_id", contact.ID, "error", err)
		return
	}
	if !acquired {
		// Live calls from an earlier batch still hold the cap. The
		// contact stays dialable for a later pass.
		d.Log.Info("concurrency cap reached, deferring contact", "campaign_id", cmp.ID, "contact_id", contact.ID)
		return
	}

	callID, err := d.Carrier.Originate(ctx, telephony.OriginateRequest{
		To:                   contact.Phone,
		AnswerURL:            d.answerURL(cmp),
		StatusCallbackURL:    d.PublicBaseURL + "/webhooks/twilio/status",
		Record:               true,
		RecordingCallbackURL: d.PublicBaseURL + "/webhooks/twilio/recording",
	})
	if err != nil {
		_ = d.Slots.Release(context.WithoutCancel(ctx), cmp.ID)
		d.Log.Warn("origination failed", "campaign_id", cmp.ID, "contact_id", contact.ID, "error", err)
		d.failContact(ctx, cmp.ID, contact.ID, "origination failed: "+err.Error())
		return
	}

	if err := d.Store.MarkCalling(ctx, contact.ID, callID, d.clock()); err != nil {
		d.Log.Error("failed to mark contact calling", "contact_id", contact.ID, "call_id", callID, "error", err)
	}
}

func (d *Dialer) failContact(ctx context.Context, campaignID, contactID, reason string) {
	if err := d.Store.MarkFailed(ctx, contactID, reason, d.clock()); err != nil {
		d.Log.Error("failed to mark contact failed", "contact_id", contactID, "error", err)
	}
	if err := d.Store.AddCounters(ctx, campaignID, CounterDelta{FailedCalls: 1}); err != nil {
		d.Log.Error("failed to bump campaign counters", "campaign_id", campaignID, "error", err)
	}
}

func (d *Dialer) answerURL(cmp Campaign) string {
	q := url.Values{}
	q.Set("agentId", cmp.AgentID)
	q.Set("workspaceId", cmp.WorkspaceID)
	return d.PublicBaseURL + "/webhooks/twilio/answer?" + q.Encode()
}

// OnCallStatus closes a contact out when its call reaches a terminal status
// and releases the campaign's concurrency slot. Completion is re-evaluated
// here as well as at the end of a pass, since calls finish long after their
// batch was issued.
func (d *Dialer) OnCallStatus(ctx context.Context, ev telephony.StatusEvent) {
	if !telephony.IsTerminalStatus(ev.Status) {
		return
	}
	contact, err := d.Store.ContactByCallID(ctx, ev.CallID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.Log.Error("contact lookup by call failed", "call_id", ev.CallID, "error", err)
		}
		return
	}

	if err := d.Slots.Release(ctx, contact.CampaignID); err != nil {
		d.Log.Error("slot release failed", "campaign_id", contact.CampaignID, "error", err)
	}

	delta := CounterDelta{CompletedCalls: 1}
	if ev.Status == telephony.StatusCompleted {
		delta.SuccessfulCalls = 1
		if err := d.Store.MarkCompleted(ctx, contact.ID); err != nil {
			d.Log.Error("failed to mark contact completed", "contact_id", contact.ID, "error", err)
		}
	} else {
		delta.FailedCalls = 1
		d.failContactStatus(ctx, contact.ID, ev.Status)
	}
	if err := d.Store.AddCounters(ctx, contact.CampaignID, delta); err != nil {
		d.Log.Error("failed to bump campaign counters", "campaign_id", contact.CampaignID, "error", err)
	}

	d.evaluateCompletion(ctx, contact.CampaignID)
}

func (d *Dialer) failContactStatus(ctx context.Context, contactID, status string) {
	if err := d.Store.MarkFailed(ctx, contactID, "call ended: "+status, d.clock()); err != nil {
		d.Log.Error("failed to mark contact failed", "contact_id", contactID, "error", err)
	}
}

// RecordCallResult persists the finished call's transcript and captured
// intent on its contact. Sessions for calls outside any campaign resolve to
// no contact and the result is dropped.
func (d *Dialer) RecordCallResult(ctx context.Context, callID, transcript, intent string) {
	if transcript == "" && intent == "" {
		return
	}
	contact, err := d.Store.ContactByCallID(ctx, callID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.Log.Error("contact lookup by call failed", "call_id", callID, "error", err)
		}
		return
	}
	if err := d.Store.SetCallResult(ctx, contact.ID, transcript, intent); err != nil {
		d.Log.Error("failed to store call result", "contact_id", contact.ID, "error", err)
	}
}

// OnRecordingReady stores the recording location on the contact.
func (d *Dialer) OnRecordingReady(ctx context.Context, ev telephony.RecordingEvent) {
	contact, err := d.Store.ContactByCallID(ctx, ev.CallID)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			d.Log.Error("contact lookup by call failed", "call_id", ev.CallID, "error", err)
		}
		return
	}
	if err := d.Store.SetRecordingURL(ctx, contact.ID, ev.RecordingURL); err != nil {
		d.Log.Error("failed to store recording url", "contact_id", contact.ID, "error", err)
	}
}

// AddCallCost folds one settled call's cost into the campaign totals.
func (d *Dialer) AddCallCost(ctx context.Context, callID string, amountMinor int64) {
	if amountMinor == 0 {
		return
	}
	contact, err := d.Store.ContactByCallID(ctx, callID)
	if err != nil {
		return
	}
	if err := d.Store.AddCounters(ctx, contact.CampaignID, CounterDelta{CostMinor: amountMinor}); err != nil {
		d.Log.Error("failed to add call cost", "campaign_id", contact.CampaignID, "error", err)
	}
}

// evaluateCompletion settles a running or retrying campaign's status: work
// left means retrying (resumable), calls still live means leave it alone,
// nothing left means completed.
func (d *Dialer) evaluateCompletion(ctx context.Context, campaignID string) {
	cmp, err := d.Store.GetCampaign(ctx, campaignID)
	if err != nil {
		d.Log.Error("completion check failed", "campaign_id", campaignID, "error", err)
		return
	}
	if cmp.Status != StatusRunning && cmp.Status != StatusRetrying {
		return
	}

	o, err := d.Store.Outstanding(ctx, cmp)
	if err != nil {
		d.Log.Error("completion check failed", "campaign_id", campaignID, "error", err)
		return
	}

	switch {
	case o.Calling > 0:
		return
	case o.Done():
		d.Log.Info("campaign completed", "campaign_id", campaignID)
		if err := d.Store.SetCampaignStatus(ctx, campaignID, StatusCompleted); err != nil {
			d.Log.Error("failed to complete campaign", "campaign_id", campaignID, "error", err)
		}
	default:
		if cmp.Status != StatusRetrying {
			if err := d.Store.SetCampaignStatus(ctx, campaignID, StatusRetrying); err != nil {
				d.Log.Error("failed to mark campaign retrying", "campaign_id", campaignID, "error", err)
			}
		}
	}
}

func partition(contacts []Contact, size int) [][]Contact {
	if size <= 0 {
		size = 1
	}
	var out [][]Contact
	for len(contacts) > size {
		out = append(out, contacts[:size])
		contacts = contacts[size:]
	}
	if len(contacts) > 0 {
		out = append(out, contacts)
	}
	return out
}
