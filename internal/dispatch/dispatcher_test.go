package dispatch

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailburst/internal/types"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, args ...any)  {}
func (nopLogger) Error(msg string, args ...any) {}
func (nopLogger) Warn(msg string, args ...any)  {}
func (nopLogger) With(args ...any) types.Logger { return nopLogger{} }

type finalizeCall struct {
	status types.CampaignStatus
	counts types.CampaignCounts
}

type cursorSave struct {
	status types.CampaignStatus
	cursor int
}

// fakeStore backs both the campaign and recipient surfaces with in-memory
// state so whole runs can be exercised.
type fakeStore struct {
	campaign   *types.Campaign
	recipients map[string]*types.Recipient
	order      []string

	claimDenied  bool
	listErr      error
	batchErrAt   map[int]error // index of first id in the failing batch
	updateErrFor map[string]bool

	finalized   *finalizeCall
	cursorSaves []cursorSave
	updates     int
}

func newFakeStore(campaign *types.Campaign, n int) *fakeStore {
	s := &fakeStore{
		campaign:     campaign,
		recipients:   make(map[string]*types.Recipient, n),
		batchErrAt:   make(map[int]error),
		updateErrFor: make(map[string]bool),
	}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("rcp-%04d", i)
		s.order = append(s.order, id)
		s.recipients[id] = &types.Recipient{
			ID:           id,
			CampaignID:   campaign.ID,
			Email:        fmt.Sprintf("user%d@example.com", i),
			Status:       types.RecipientPending,
			GlobalStatus: types.GlobalActive,
		}
	}
	return s
}

func (s *fakeStore) GetByID(ctx context.Context, id string) (*types.Campaign, error) {
	c := *s.campaign
	return &c, nil
}

func (s *fakeStore) MarkStarted(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.claimDenied {
		return false, nil
	}
	s.campaign.Status = types.CampaignInProgress
	return true, nil
}

func (s *fakeStore) Finalize(ctx context.Context, id string, status types.CampaignStatus, counts types.CampaignCounts, at time.Time) error {
	s.finalized = &finalizeCall{status: status, counts: counts}
	s.campaign.Status = status
	return nil
}

func (s *fakeStore) SaveSegmentCursor(ctx context.Context, id string, status types.CampaignStatus, cursor int, counts types.CampaignCounts) error {
	s.cursorSaves = append(s.cursorSaves, cursorSave{status: status, cursor: cursor})
	s.campaign.Status = status
	s.campaign.LastSegmentPosition = cursor
	return nil
}

func (s *fakeStore) ListSendOrderIDs(ctx context.Context, campaignID string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out, nil
}

func (s *fakeStore) GetByIDs(ctx context.Context, ids []string) ([]*types.Recipient, error) {
	if len(ids) > 0 {
		for start, err := range s.batchErrAt {
			if ids[0] == fmt.Sprintf("rcp-%04d", start) {
				return nil, err
			}
		}
	}
	out := make([]*types.Recipient, 0, len(ids))
	for _, id := range ids {
		if rcp, ok := s.recipients[id]; ok {
			c := *rcp
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) Update(ctx context.Context, rcp *types.Recipient) error {
	if s.updateErrFor[rcp.ID] {
		return errors.New("connection reset")
	}
	c := *rcp
	s.recipients[rcp.ID] = &c
	s.updates++
	return nil
}

func (s *fakeStore) CountByCampaign(ctx context.Context, campaignID string) (types.CampaignCounts, error) {
	var counts types.CampaignCounts
	for _, rcp := range s.recipients {
		counts.Total++
		switch rcp.Status {
		case types.RecipientPending:
			counts.Pending++
		case types.RecipientSent:
			counts.Sent++
		case types.RecipientFailed:
			counts.Failed++
		case types.RecipientComplained:
			counts.Complained++
		}
	}
	return counts, nil
}

func (s *fakeStore) pendingCount() int {
	n := 0
	for _, rcp := range s.recipients {
		if rcp.Status == types.RecipientPending {
			n++
		}
	}
	return n
}

type fakeSender struct {
	sends    int
	recycles int
	failFor  map[string]error
}

func (f *fakeSender) SendOne(ctx context.Context, campaign *types.Campaign, r *types.Recipient) (string, error) {
	f.sends++
	if err, ok := f.failFor[r.Email]; ok {
		return "", err
	}
	return fmt.Sprintf("provider-msg-%d", f.sends), nil
}

func (f *fakeSender) Recycle() { f.recycles++ }

func testCampaign() *types.Campaign {
	return &types.Campaign{
		ID:        "cmp-1",
		Subject:   "Hello",
		BodyHTML:  "<p>Hi {{name}}</p>",
		FromName:  "Mailburst",
		FromEmail: "news@mailburst.example",
		Status:    types.CampaignDraft,
	}
}

func newTestDispatcher(store *fakeStore, sender *fakeSender, cfg DispatcherConfig) (*Dispatcher, *[]time.Duration) {
	cfg.Campaigns = store
	cfg.Recipients = store
	cfg.Sender = sender
	cfg.Logger = nopLogger{}

	d := NewDispatcher(cfg)

	var sleeps []time.Duration
	d.sleep = func(ctx context.Context, dur time.Duration) { sleeps = append(sleeps, dur) }
	d.gc = func() {}
	d.now = func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }
	return d, &sleeps
}

func TestRunCompletesSmallCampaign(t *testing.T) {
	store := newFakeStore(testCampaign(), 120)
	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignCompleted, result.Status)
	assert.Equal(t, 120, result.Processed)
	assert.Equal(t, 120, result.Sent)
	assert.Equal(t, 120, sender.sends)
	assert.Equal(t, 0, store.pendingCount())

	require.NotNil(t, store.finalized)
	assert.Equal(t, types.CampaignCompleted, store.finalized.status)
	assert.Equal(t, 120, store.finalized.counts.Sent)

	// 120 recipients at batch size 100 is two batches with one resource
	// reset between them.
	assert.Equal(t, 1, sender.recycles)
}

func TestRunPartialFailureCompletesWithErrors(t *testing.T) {
	store := newFakeStore(testCampaign(), 10)
	sender := &fakeSender{failFor: map[string]error{
		"user3@example.com": errors.New("mailbox rejected"),
	}}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignCompletedErrors, result.Status)
	assert.Equal(t, 10, result.Processed)
	assert.Equal(t, 9, result.Sent)
	assert.Equal(t, 1, result.Failed)

	failed := store.recipients["rcp-0003"]
	assert.Equal(t, types.RecipientFailed, failed.Status)
	assert.Equal(t, "mailbox rejected", failed.ErrorMessage)
}

func TestRunAllFailuresMarksCampaignFailed(t *testing.T) {
	store := newFakeStore(testCampaign(), 3)
	sender := &fakeSender{failFor: map[string]error{
		"user0@example.com": errors.New("rejected"),
		"user1@example.com": errors.New("rejected"),
		"user2@example.com": errors.New("rejected"),
	}}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, types.CampaignFailed, result.Status)
}

func TestRunRefusesConcurrentDispatch(t *testing.T) {
	store := newFakeStore(testCampaign(), 5)
	store.claimDenied = true
	d, _ := newTestDispatcher(store, &fakeSender{}, DispatcherConfig{})

	_, err := d.Run(context.Background(), "cmp-1", RunOptions{})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictInProgress, appErr.Code)
}

func TestRunRefusesTerminalCampaign(t *testing.T) {
	campaign := testCampaign()
	campaign.Status = types.CampaignCompleted
	store := newFakeStore(campaign, 5)
	d, _ := newTestDispatcher(store, &fakeSender{}, DispatcherConfig{})

	_, err := d.Run(context.Background(), "cmp-1", RunOptions{})

	var appErr *types.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, types.ErrCodeConflictTerminal, appErr.Code)
}

func TestMemoryCeilingPausesRun(t *testing.T) {
	store := newFakeStore(testCampaign(), 1500)
	sender := &fakeSender{}

	// The probe trips once 800 recipients have been processed.
	probe := func() uint64 {
		if sender.sends >= 800 {
			return 600 << 20
		}
		return 100 << 20
	}

	d, _ := newTestDispatcher(store, sender, DispatcherConfig{
		Thresholds:         Thresholds{},
		Probe:              probe,
		MemoryCeilingBytes: 512 << 20,
	})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignPaused, result.Status)
	assert.Equal(t, 800, result.Cursor)
	assert.Equal(t, 800, result.Processed)
	assert.Equal(t, 800, sender.sends)
	assert.Equal(t, 700, store.pendingCount())

	require.Len(t, store.cursorSaves, 1)
	assert.Equal(t, cursorSave{status: types.CampaignPaused, cursor: 800}, store.cursorSaves[0])
	assert.Nil(t, store.finalized)
}

func TestResumeSegmentedFromCursor(t *testing.T) {
	campaign := testCampaign()
	campaign.Status = types.CampaignSegmented
	campaign.LastSegmentPosition = 800

	store := newFakeStore(campaign, 1500)
	// Recipients before the cursor were handled by the interrupted run.
	for i := 0; i < 800; i++ {
		store.recipients[fmt.Sprintf("rcp-%04d", i)].Status = types.RecipientSent
	}

	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignCompleted, result.Status)
	assert.Equal(t, 700, result.Processed)
	assert.Equal(t, 700, sender.sends)
	assert.Equal(t, 0, store.pendingCount())
	assert.Equal(t, 1500, store.finalized.counts.Sent)
}

func TestResumeUnaffectedBySuppressionBetweenRuns(t *testing.T) {
	campaign := testCampaign()
	campaign.Status = types.CampaignSegmented
	campaign.LastSegmentPosition = 5

	store := newFakeStore(campaign, 8)
	for i := 0; i < 5; i++ {
		store.recipients[fmt.Sprintf("rcp-%04d", i)].Status = types.RecipientSent
	}
	// A bounce suppressed an already-sent recipient after the cursor was
	// saved. The send order must not shift: every recipient at or past the
	// cursor still gets its turn.
	store.recipients["rcp-0002"].GlobalStatus = types.GlobalBounced

	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignCompleted, result.Status)
	assert.Equal(t, 3, sender.sends)
	assert.Equal(t, 0, store.pendingCount())
}

func TestCooldownThresholdKeepsGoing(t *testing.T) {
	store := newFakeStore(testCampaign(), 30)
	sender := &fakeSender{}
	cooldown := 5 * time.Second

	d, sleeps := newTestDispatcher(store, sender, DispatcherConfig{
		Thresholds: Thresholds{{Count: 20, Action: ActionCooldown}},
		Cooldown:   cooldown,
	})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignCompleted, result.Status)
	assert.Equal(t, 30, result.Processed)
	assert.Contains(t, *sleeps, cooldown)
	// Cooldown recycles pooled resources on top of any inter-batch resets.
	assert.GreaterOrEqual(t, sender.recycles, 1)
}

func TestSegmentThresholdEndsRunWithCursor(t *testing.T) {
	store := newFakeStore(testCampaign(), 60)
	sender := &fakeSender{}

	d, _ := newTestDispatcher(store, sender, DispatcherConfig{
		Thresholds: Thresholds{{Count: 40, Action: ActionSegment}},
	})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignSegmented, result.Status)
	assert.Equal(t, 40, result.Cursor)
	assert.Equal(t, 40, sender.sends)
	assert.Equal(t, 20, store.pendingCount())
	require.Len(t, store.cursorSaves, 1)
	assert.Equal(t, types.CampaignSegmented, store.cursorSaves[0].status)
}

func TestExplicitStartIndexOverridesCursor(t *testing.T) {
	store := newFakeStore(testCampaign(), 50)
	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{StartIndex: 45, BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 5, result.Processed)
	assert.Equal(t, 5, sender.sends)
}

func TestCommitFailureLeavesRecipientPending(t *testing.T) {
	store := newFakeStore(testCampaign(), 5)
	store.updateErrFor["rcp-0002"] = true
	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	// The lost commit leaves rcp-0002 pending for the next run; its
	// siblings are unaffected.
	assert.Equal(t, 4, result.Processed)
	assert.Equal(t, types.RecipientPending, store.recipients["rcp-0002"].Status)
	assert.Equal(t, types.CampaignCompleted, result.Status)
}

func TestBatchLoadFailureAbandonsOnlyThatBatch(t *testing.T) {
	store := newFakeStore(testCampaign(), 30)
	store.batchErrAt[10] = errors.New("connection lost")
	sender := &fakeSender{}

	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{BatchSize: 10})
	require.NoError(t, err)

	assert.Equal(t, 20, result.Processed)
	assert.Equal(t, 10, store.pendingCount())
	assert.Equal(t, types.CampaignCompleted, result.Status)
}

func TestWholeRunFailureBeforeAnyBatch(t *testing.T) {
	store := newFakeStore(testCampaign(), 10)
	store.listErr = errors.New("database unavailable")
	d, _ := newTestDispatcher(store, &fakeSender{}, DispatcherConfig{})

	_, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.Error(t, err)

	require.NotNil(t, store.finalized)
	assert.Equal(t, types.CampaignFailed, store.finalized.status)
}

func TestSuppressedRecipientsAreSkipped(t *testing.T) {
	store := newFakeStore(testCampaign(), 5)
	store.recipients["rcp-0001"].GlobalStatus = types.GlobalBounced
	store.recipients["rcp-0003"].Status = types.RecipientSent
	sender := &fakeSender{}

	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	result, err := d.Run(context.Background(), "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, 3, result.Processed)
	assert.Equal(t, 3, sender.sends)
	assert.Equal(t, types.RecipientPending, store.recipients["rcp-0001"].Status)
}

func TestCancellationPausesAtCursor(t *testing.T) {
	store := newFakeStore(testCampaign(), 20)
	sender := &fakeSender{}
	d, _ := newTestDispatcher(store, sender, DispatcherConfig{Thresholds: Thresholds{}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := d.Run(ctx, "cmp-1", RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, types.CampaignPaused, result.Status)
	assert.Equal(t, 0, result.Processed)
	assert.Equal(t, 20, store.pendingCount())
}

func TestBatchSizeFor(t *testing.T) {
	assert.Equal(t, 50, BatchSizeFor(15_000))
	assert.Equal(t, 50, BatchSizeFor(10_001))
	assert.Equal(t, 75, BatchSizeFor(10_000))
	assert.Equal(t, 75, BatchSizeFor(5_000))
	assert.Equal(t, 100, BatchSizeFor(4_999))
	assert.Equal(t, 100, BatchSizeFor(10))
}

func TestInterBatchSleepScalesNearThresholds(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{
		Campaigns:  &fakeStore{},
		Recipients: &fakeStore{},
		Sender:     &fakeSender{},
		Logger:     nopLogger{},
		Thresholds: Thresholds{{Count: 1000, Action: ActionCooldown}},
	})

	assert.Equal(t, time.Second, d.interBatchSleep(100))
	assert.Greater(t, d.interBatchSleep(900), d.interBatchSleep(600))
	assert.LessOrEqual(t, d.interBatchSleep(999), 10*time.Second)
}
