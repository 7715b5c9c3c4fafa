package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taskvine/backend/internal/ledger"
	"github.com/taskvine/backend/internal/models"
	"github.com/taskvine/backend/internal/notify"
	"github.com/taskvine/backend/internal/paystack"
)

// ---------------------------------------------------------------------------
// In-memory mocks for LedgerStore, PaymentGateway and PayoutLookup.
// These let us test the real engine logic without a database or gateway.
// ---------------------------------------------------------------------------

// --- noopTx satisfies pgx.Tx for test use; only Commit/Rollback are called. ---

type noopTx struct{}

func (noopTx) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }
func (noopTx) Commit(context.Context) error          { return nil }
func (noopTx) Rollback(context.Context) error        { return nil }
func (noopTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag(""), nil
}
func (noopTx) Query(context.Context, string, ...any) (pgx.Rows, error) { return nil, nil }
func (noopTx) QueryRow(context.Context, string, ...any) pgx.Row        { return nil }
func (noopTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	return 0, nil
}
func (noopTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults { return nil }
func (noopTx) LargeObjects() pgx.LargeObjects                         { return pgx.LargeObjects{} }
func (noopTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	return nil, nil
}
func (noopTx) Conn() *pgx.Conn { return nil }

// --- LedgerStore mock: mirrors the conditional-update semantics of the SQL ---

type mockStore struct {
	mu          sync.Mutex
	accounts    map[uuid.UUID]*models.EscrowAccount
	milestones  map[uuid.UUID]*ledger.MilestoneDetail
	fees        []*models.FeeLedgerEntry
	earnings    map[uuid.UUID]int64
	disputes    map[uuid.UUID]*models.Dispute
	usedRefs    map[string]bool
	finalizeErr error
}

func newMockStore() *mockStore {
	return &mockStore{
		accounts:   make(map[uuid.UUID]*models.EscrowAccount),
		milestones: make(map[uuid.UUID]*ledger.MilestoneDetail),
		earnings:   make(map[uuid.UUID]int64),
		disputes:   make(map[uuid.UUID]*models.Dispute),
		usedRefs:   make(map[string]bool),
	}
}

func (m *mockStore) Begin(context.Context) (pgx.Tx, error) { return noopTx{}, nil }

func (m *mockStore) CreateAccountTx(_ context.Context, _ pgx.Tx, a *models.EscrowAccount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.accounts {
		if existing.TaskID == a.TaskID && existing.Status != models.EscrowStatusRefunded {
			return ledger.ErrActiveEscrowExists
		}
	}
	cp := *a
	m.accounts[a.ID] = &cp
	return nil
}

func (m *mockStore) CreateMilestoneTx(_ context.Context, _ pgx.Tx, ms *models.Milestone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[ms.EscrowAccountID]
	if !ok {
		return fmt.Errorf("escrow account %s not found", ms.EscrowAccountID)
	}
	m.milestones[ms.ID] = &ledger.MilestoneDetail{
		Milestone:    *ms,
		TaskID:       acc.TaskID,
		ClientID:     acc.ClientID,
		FreelancerID: acc.FreelancerID,
		Currency:     acc.Currency,
	}
	return nil
}

func (m *mockStore) GetMilestoneDetail(_ context.Context, id uuid.UUID) (*ledger.MilestoneDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.milestones[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *d
	return &cp, nil
}

func (m *mockStore) MarkMilestoneFundedTx(_ context.Context, _ pgx.Tx, id uuid.UUID, reference string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usedRefs[reference] {
		return false, ledger.ErrReferenceUsed
	}
	d, ok := m.milestones[id]
	if !ok || d.Status != models.MilestonePending {
		return false, nil
	}
	d.Status = models.MilestoneFunded
	ref := reference
	d.PaymentReference = &ref
	m.usedRefs[reference] = true
	return true, nil
}

func (m *mockStore) ClaimReleaseTx(_ context.Context, _ pgx.Tx, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.milestones[id]
	if !ok || d.Status != models.MilestoneFunded {
		return false, nil
	}
	for _, other := range m.milestones {
		if other.TaskID == d.TaskID && other.Status == models.MilestoneDisputed {
			return false, nil
		}
	}
	d.Status = models.MilestoneReleasePending
	return true, nil
}

func (m *mockStore) RevertReleaseClaim(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.milestones[id]
	if !ok || d.Status != models.MilestoneReleasePending {
		return false, nil
	}
	d.Status = models.MilestoneFunded
	return true, nil
}

func (m *mockStore) FinalizeReleaseTx(_ context.Context, _ pgx.Tx, id uuid.UUID, transferCode *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return false, m.finalizeErr
	}
	d, ok := m.milestones[id]
	if !ok || d.Status != models.MilestoneReleasePending {
		return false, nil
	}
	d.Status = models.MilestoneReleased
	d.TransferCode = transferCode
	return true, nil
}

func (m *mockStore) TransitionMilestoneTx(_ context.Context, _ pgx.Tx, id uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !models.CanTransition(from, to) {
		return false, ledger.ErrBadTransition
	}
	d, ok := m.milestones[id]
	if !ok || d.Status != from {
		return false, nil
	}
	d.Status = to
	return true, nil
}

func (m *mockStore) UpdateAccountStatusTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok || a.Status != from {
		return false, nil
	}
	a.Status = to
	return true, nil
}

func (m *mockStore) CreateFeeEntryTx(_ context.Context, _ pgx.Tx, e *models.FeeLedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.fees = append(m.fees, &cp)
	return nil
}

func (m *mockStore) CreditEarningsTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID, kobo int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.earnings[accountID] += kobo
	return nil
}

func (m *mockStore) CreateDisputeTx(_ context.Context, _ pgx.Tx, d *models.Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *d
	m.disputes[d.MilestoneID] = &cp
	return nil
}

func (m *mockStore) CloseDisputeTx(_ context.Context, _ pgx.Tx, milestoneID uuid.UUID, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.disputes[milestoneID]
	if !ok {
		return pgx.ErrNoRows
	}
	d.Status = models.DisputeResolved
	res := resolution
	d.Resolution = &res
	return nil
}

func (m *mockStore) SettleAccountStatusTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return pgx.ErrNoRows
	}
	var disputed, live, released, nonTerminal bool
	for _, d := range m.milestones {
		if d.EscrowAccountID != accountID {
			continue
		}
		switch d.Status {
		case models.MilestoneDisputed:
			disputed = true
		case models.MilestoneFunded, models.MilestoneReleasePending:
			live = true
		case models.MilestoneReleased:
			released = true
		}
		if d.Status != models.MilestoneReleased && d.Status != models.MilestoneRefunded {
			nonTerminal = true
		}
	}
	switch {
	case disputed:
		a.Status = models.EscrowStatusDisputed
	case live:
		a.Status = models.EscrowStatusFunded
	case !nonTerminal && released:
		a.Status = models.EscrowStatusReleased
	case !nonTerminal:
		a.Status = models.EscrowStatusRefunded
	default:
		a.Status = models.EscrowStatusPending
	}
	return nil
}

func (m *mockStore) HasOpenDisputeTx(_ context.Context, _ pgx.Tx, taskID uuid.UUID) (bool, error) {
	return m.HasOpenDispute(context.Background(), taskID)
}

func (m *mockStore) HasOpenDispute(_ context.Context, taskID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.milestones {
		if d.TaskID == taskID && d.Status == models.MilestoneDisputed {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockStore) GetAccountByTaskID(_ context.Context, taskID uuid.UUID) (*models.EscrowAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.accounts {
		if a.TaskID == taskID {
			cp := *a
			return &cp, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockStore) ListMilestonesByAccountID(_ context.Context, accountID uuid.UUID) ([]*models.Milestone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Milestone
	for _, d := range m.milestones {
		if d.EscrowAccountID == accountID {
			cp := d.Milestone
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) ListFeeEntriesByTaskID(_ context.Context, taskID uuid.UUID) ([]*models.FeeLedgerEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMilestone := make(map[uuid.UUID]bool)
	for id, d := range m.milestones {
		if d.TaskID == taskID {
			byMilestone[id] = true
		}
	}
	var out []*models.FeeLedgerEntry
	for _, e := range m.fees {
		if byMilestone[e.MilestoneID] {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockStore) RefundAccountTx(_ context.Context, _ pgx.Tx, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return pgx.ErrNoRows
	}
	for _, d := range m.milestones {
		if d.EscrowAccountID == accountID && d.Status == models.MilestoneReleasePending {
			return ledger.ErrReleaseInFlight
		}
	}
	refunded := 0
	for _, d := range m.milestones {
		if d.EscrowAccountID != accountID {
			continue
		}
		switch d.Status {
		case models.MilestonePending, models.MilestoneFunded, models.MilestoneDisputed:
			d.Status = models.MilestoneRefunded
			refunded++
		}
	}
	if refunded == 0 {
		return pgx.ErrNoRows
	}
	a.Status = models.EscrowStatusRefunded
	return nil
}

func (m *mockStore) milestoneStatus(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.milestones[id].Status
}

func (m *mockStore) accountStatus(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accounts[id].Status
}

func (m *mockStore) feeEntries() []*models.FeeLedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.FeeLedgerEntry, len(m.fees))
	copy(out, m.fees)
	return out
}

// --- PaymentGateway mock ---

type transferCall struct {
	recipientCode string
	amountKobo    int64
	reference     string
}

type mockGateway struct {
	mu           sync.Mutex
	transactions map[string]*paystack.Transaction
	transferErr  error
	transfers    []transferCall
}

func newMockGateway() *mockGateway {
	return &mockGateway{transactions: make(map[string]*paystack.Transaction)}
}

func (g *mockGateway) VerifyTransaction(_ context.Context, reference string) (*paystack.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	tx, ok := g.transactions[reference]
	if !ok {
		return nil, paystack.ErrReferenceNotFound
	}
	if tx.Status != "success" {
		return nil, paystack.ErrVerificationFailed
	}
	cp := *tx
	return &cp, nil
}

func (g *mockGateway) CreateTransferRecipient(_ context.Context, _ paystack.BankDetails) (string, error) {
	return "RCP_fresh", nil
}

func (g *mockGateway) InitiateTransfer(_ context.Context, recipientCode string, amountKobo int64, reference, _ string) (*paystack.Transfer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.transferErr != nil {
		return nil, g.transferErr
	}
	g.transfers = append(g.transfers, transferCall{recipientCode, amountKobo, reference})
	return &paystack.Transfer{TransferCode: "TRF_" + reference, Status: "success", Reference: reference}, nil
}

func (g *mockGateway) transferCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.transfers)
}

// --- PayoutLookup mock ---

type mockPayouts struct {
	codes map[uuid.UUID]string
}

func (m *mockPayouts) GetRecipientCode(_ context.Context, accountID uuid.UUID) (string, error) {
	code, ok := m.codes[accountID]
	if !ok {
		return "", fmt.Errorf("no payout profile")
	}
	return code, nil
}

// --- notification recorder ---

type eventRecorder struct {
	mu     sync.Mutex
	events []notify.MilestoneEventArgs
}

func (r *eventRecorder) insert(_ context.Context, _ pgx.Tx, args notify.MilestoneEventArgs) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, args)
	return nil
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

type engineFixture struct {
	engine  *EscrowEngine
	store   *mockStore
	gateway *mockGateway
	payouts *mockPayouts
	events  *eventRecorder

	client     uuid.UUID
	freelancer uuid.UUID
	task       uuid.UUID
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()
	store := newMockStore()
	gateway := newMockGateway()
	freelancer := uuid.New()
	payoutsM := &mockPayouts{codes: map[uuid.UUID]string{freelancer: "RCP_stored"}}
	events := &eventRecorder{}
	engine := NewEscrowEngine(store, gateway, payoutsM, store, events.insert, nil)
	return &engineFixture{
		engine:     engine,
		store:      store,
		gateway:    gateway,
		payouts:    payoutsM,
		events:     events,
		client:     uuid.New(),
		freelancer: freelancer,
		task:       uuid.New(),
	}
}

// openEscrow creates a single-milestone escrow for the fixture's task.
func (f *engineFixture) openEscrow(t *testing.T, amount int64) (*models.EscrowAccount, *models.Milestone) {
	t.Helper()
	account, milestones, err := f.engine.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:       f.task,
		ClientID:     f.client,
		FreelancerID: &f.freelancer,
		Amount:       amount,
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if len(milestones) != 1 {
		t.Fatalf("expected 1 auto milestone, got %d", len(milestones))
	}
	return account, milestones[0]
}

// fund verifies a charge of exactly the milestone amount and funds it.
func (f *engineFixture) fund(t *testing.T, m *models.Milestone) {
	t.Helper()
	ref := "pay-" + m.ID.String()
	f.gateway.transactions[ref] = &paystack.Transaction{
		Reference:  ref,
		Status:     "success",
		AmountKobo: ToKobo(m.Amount),
		Currency:   "NGN",
	}
	if _, err := f.engine.FundMilestone(context.Background(), m.ID, f.client, ref); err != nil {
		t.Fatalf("FundMilestone: %v", err)
	}
}

// openEscrowSplit creates an escrow with one milestone per amount.
func (f *engineFixture) openEscrowSplit(t *testing.T, amounts ...int64) (*models.EscrowAccount, []*models.Milestone) {
	t.Helper()
	var total int64
	inputs := make([]MilestoneInput, len(amounts))
	for i, amount := range amounts {
		total += amount
		inputs[i] = MilestoneInput{Title: fmt.Sprintf("Phase %d", i+1), Amount: amount}
	}
	account, milestones, err := f.engine.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:       f.task,
		ClientID:     f.client,
		FreelancerID: &f.freelancer,
		Amount:       total,
		Milestones:   inputs,
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	return account, milestones
}

// ---------------------------------------------------------------------------
// CreateEscrow
// ---------------------------------------------------------------------------

func TestCreateEscrow_AutoMilestone(t *testing.T) {
	f := newFixture(t)
	account, milestone := f.openEscrow(t, 5000)

	if account.Status != models.EscrowStatusPending {
		t.Errorf("account status: got %s, want pending", account.Status)
	}
	if milestone.Amount != 5000 {
		t.Errorf("auto milestone amount: got %d, want 5000", milestone.Amount)
	}
	if milestone.Status != models.MilestonePending {
		t.Errorf("milestone status: got %s, want PENDING", milestone.Status)
	}
	if account.Currency != "NGN" {
		t.Errorf("default currency: got %s, want NGN", account.Currency)
	}
}

func TestCreateEscrow_MilestoneBreakdown(t *testing.T) {
	f := newFixture(t)
	_, milestones, err := f.engine.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:   f.task,
		ClientID: f.client,
		Amount:   10000,
		Milestones: []MilestoneInput{
			{Title: "Design", Amount: 3000},
			{Title: "Build", Amount: 7000},
		},
	})
	if err != nil {
		t.Fatalf("CreateEscrow: %v", err)
	}
	if len(milestones) != 2 {
		t.Fatalf("expected 2 milestones, got %d", len(milestones))
	}
}

func TestCreateEscrow_ActiveEscrowExists(t *testing.T) {
	f := newFixture(t)
	f.openEscrow(t, 5000)

	_, _, err := f.engine.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:   f.task,
		ClientID: f.client,
		Amount:   3000,
	})
	if !errors.Is(err, ErrEscrowExists) {
		t.Fatalf("expected ErrEscrowExists, got: %v", err)
	}
}

func TestCreateEscrow_AfterRefundAllowed(t *testing.T) {
	f := newFixture(t)
	f.openEscrow(t, 5000)

	admin := uuid.New()
	if _, err := f.engine.RefundEscrow(context.Background(), f.task, admin, models.RoleAdmin); err != nil {
		t.Fatalf("RefundEscrow: %v", err)
	}
	if _, _, err := f.engine.CreateEscrow(context.Background(), CreateEscrowParams{
		TaskID:   f.task,
		ClientID: f.client,
		Amount:   3000,
	}); err != nil {
		t.Fatalf("CreateEscrow after refund: %v", err)
	}
}

// ---------------------------------------------------------------------------
// FundMilestone
// ---------------------------------------------------------------------------

func TestFundMilestone_Success(t *testing.T) {
	f := newFixture(t)
	account, milestone := f.openEscrow(t, 5000)
	f.fund(t, milestone)

	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone status: got %s, want FUNDED", got)
	}
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusFunded {
		t.Errorf("account status: got %s, want funded", got)
	}
	if types := f.events.types(); len(types) != 1 || types[0] != notify.EventFunded {
		t.Errorf("events: got %v, want [%s]", types, notify.EventFunded)
	}
}

func TestFundMilestone_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000) // expects 500000 kobo

	ref := "short-payment"
	f.gateway.transactions[ref] = &paystack.Transaction{
		Reference: ref, Status: "success", AmountKobo: 400000, Currency: "NGN",
	}
	_, err := f.engine.FundMilestone(context.Background(), milestone.ID, f.client, ref)
	if !errors.Is(err, ErrAmountMismatch) {
		t.Fatalf("expected ErrAmountMismatch, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestonePending {
		t.Errorf("milestone should stay PENDING after mismatch, got %s", got)
	}
}

func TestFundMilestone_VerificationFailed(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000)

	_, err := f.engine.FundMilestone(context.Background(), milestone.ID, f.client, "no-such-ref")
	if !errors.Is(err, ErrPaymentNotVerified) {
		t.Fatalf("expected ErrPaymentNotVerified, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestonePending {
		t.Errorf("milestone should stay PENDING, got %s", got)
	}
}

func TestFundMilestone_Idempotent(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000)
	f.fund(t, milestone)

	// Replaying the same funding call must not fund twice.
	ref := "pay-" + milestone.ID.String()
	_, err := f.engine.FundMilestone(context.Background(), milestone.ID, f.client, ref)
	if !errors.Is(err, ErrMilestoneNotPending) {
		t.Fatalf("expected ErrMilestoneNotPending on replay, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone status after replay: got %s, want FUNDED", got)
	}
}

func TestFundMilestone_WrongClient(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000)

	_, err := f.engine.FundMilestone(context.Background(), milestone.ID, uuid.New(), "whatever")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// ReleaseMilestone
// ---------------------------------------------------------------------------

func TestReleaseMilestone_Success(t *testing.T) {
	f := newFixture(t)
	account, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	released, fee, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID,
		ActorID:     f.client,
		ActorRole:   models.RoleClient,
	})
	if err != nil {
		t.Fatalf("ReleaseMilestone: %v", err)
	}

	if released.Status != models.MilestoneReleased {
		t.Errorf("milestone status: got %s, want RELEASED", released.Status)
	}
	// 10000 naira -> 1,000,000 kobo; 10% fee -> 100,000; net 900,000.
	if fee.TotalAmount != 1000000 || fee.PlatformFee != 100000 || fee.NetPayout != 900000 {
		t.Errorf("fee entry: got total=%d fee=%d net=%d", fee.TotalAmount, fee.PlatformFee, fee.NetPayout)
	}
	if fee.PlatformFee+fee.NetPayout != fee.TotalAmount {
		t.Error("fee + net must equal total exactly")
	}

	entries := f.store.feeEntries()
	if len(entries) != 1 {
		t.Fatalf("fee ledger entries: got %d, want 1", len(entries))
	}
	if got := f.store.earnings[f.freelancer]; got != 900000 {
		t.Errorf("freelancer earnings: got %d kobo, want 900000", got)
	}
	if f.gateway.transferCount() != 1 {
		t.Fatalf("transfers: got %d, want 1", f.gateway.transferCount())
	}
	if f.gateway.transfers[0].amountKobo != 900000 {
		t.Errorf("transfer amount: got %d kobo, want net 900000", f.gateway.transfers[0].amountKobo)
	}
	if f.gateway.transfers[0].recipientCode != "RCP_stored" {
		t.Errorf("transfer recipient: got %s, want stored profile code", f.gateway.transfers[0].recipientCode)
	}
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusReleased {
		t.Errorf("account status: got %s, want released", got)
	}
}

func TestReleaseMilestone_PartialKeepsAccountFunded(t *testing.T) {
	f := newFixture(t)
	account, milestones := f.openEscrowSplit(t, 4000, 6000)
	f.fund(t, milestones[0])
	f.fund(t, milestones[1])

	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestones[0].ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release first milestone: %v", err)
	}
	// The second milestone still holds money: the account must not read as
	// fully paid out.
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusFunded {
		t.Errorf("account after 1 of 2 released: got %s, want funded", got)
	}

	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestones[1].ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release second milestone: %v", err)
	}
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusReleased {
		t.Errorf("account after all released: got %s, want released", got)
	}
}

func TestReleaseMilestone_ConcurrentSingleWinner(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
				MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Errorf("loser got %v, want ErrConflict", err)
		}
	}
	if wins != 1 {
		t.Fatalf("concurrent releases: %d succeeded, want exactly 1", wins)
	}
	if f.gateway.transferCount() != 1 {
		t.Errorf("transfers: got %d, want 1", f.gateway.transferCount())
	}
	if n := len(f.store.feeEntries()); n != 1 {
		t.Errorf("fee entries: got %d, want 1", n)
	}
}

func TestReleaseMilestone_SkipTransfer(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	admin := uuid.New()
	released, fee, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID:  milestone.ID,
		ActorID:      admin,
		ActorRole:    models.RoleAdmin,
		SkipTransfer: true,
	})
	if err != nil {
		t.Fatalf("ReleaseMilestone with skip: %v", err)
	}
	if f.gateway.transferCount() != 0 {
		t.Fatalf("skip must not call the gateway, got %d transfers", f.gateway.transferCount())
	}
	if released.Status != models.MilestoneReleased || released.TransferCode != nil {
		t.Errorf("milestone: status %s, transfer code %v", released.Status, released.TransferCode)
	}
	// The ledger side is identical to a gateway release.
	if fee.PlatformFee != 100000 || fee.NetPayout != 900000 {
		t.Errorf("fee entry: got fee=%d net=%d", fee.PlatformFee, fee.NetPayout)
	}
	if got := f.store.earnings[f.freelancer]; got != 900000 {
		t.Errorf("earnings: got %d, want 900000", got)
	}
}

func TestReleaseMilestone_SkipTransferAdminOnly(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	_, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID:  milestone.ID,
		ActorID:      f.client,
		ActorRole:    models.RoleClient,
		SkipTransfer: true,
	})
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone must stay FUNDED, got %s", got)
	}
}

func TestReleaseMilestone_NoDoubleRelease(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	params := ReleaseParams{MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient}
	if _, _, err := f.engine.ReleaseMilestone(context.Background(), params); err != nil {
		t.Fatalf("first release: %v", err)
	}
	_, _, err := f.engine.ReleaseMilestone(context.Background(), params)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on second release, got: %v", err)
	}

	if f.gateway.transferCount() != 1 {
		t.Errorf("transfers after double release attempt: got %d, want 1", f.gateway.transferCount())
	}
	if n := len(f.store.feeEntries()); n != 1 {
		t.Errorf("fee entries after double release attempt: got %d, want 1", n)
	}
}

func TestReleaseMilestone_DisputeBlocks(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	if _, err := f.engine.RaiseDispute(context.Background(), milestone.ID, f.freelancer, models.RoleFreelancer, "deliverable incomplete"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}

	_, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})
	if !errors.Is(err, ErrDisputeOpen) {
		t.Fatalf("expected ErrDisputeOpen, got: %v", err)
	}
	if f.gateway.transferCount() != 0 {
		t.Error("no transfer may happen while a dispute is open")
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneDisputed {
		t.Errorf("milestone status: got %s, want DISPUTED", got)
	}
}

func TestReleaseMilestone_TransferRejected(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.gateway.transferErr = fmt.Errorf("%w: insufficient balance", paystack.ErrTransferFailed)
	_, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got: %v", err)
	}

	// Hard failure reverts the claim so the release can be retried.
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone status after rejected transfer: got %s, want FUNDED", got)
	}
	if n := len(f.store.feeEntries()); n != 0 {
		t.Errorf("fee entries after rejected transfer: got %d, want 0", n)
	}
	if got := f.store.earnings[f.freelancer]; got != 0 {
		t.Errorf("earnings after rejected transfer: got %d, want 0", got)
	}
}

func TestReleaseMilestone_AmbiguousOutcome(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.gateway.transferErr = fmt.Errorf("%w: timeout", paystack.ErrAmbiguousOutcome)
	_, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})
	if !errors.Is(err, ErrReleaseAmbiguous) {
		t.Fatalf("expected ErrReleaseAmbiguous, got: %v", err)
	}

	// The claim must be held, not reverted: the transfer may have executed.
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneReleasePending {
		t.Errorf("milestone status after ambiguous transfer: got %s, want RELEASE_PENDING", got)
	}
	if n := len(f.store.feeEntries()); n != 0 {
		t.Errorf("fee entries before reconciliation: got %d, want 0", n)
	}
}

func TestResolveAmbiguousRelease_Confirm(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.gateway.transferErr = fmt.Errorf("%w: timeout", paystack.ErrAmbiguousOutcome)
	f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})

	admin := uuid.New()
	if err := f.engine.ResolveAmbiguousRelease(context.Background(), milestone.ID, admin, models.RoleAdmin, ReconcileConfirm); err != nil {
		t.Fatalf("ResolveAmbiguousRelease confirm: %v", err)
	}

	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneReleased {
		t.Errorf("milestone status after confirm: got %s, want RELEASED", got)
	}
	entries := f.store.feeEntries()
	if len(entries) != 1 {
		t.Fatalf("fee entries after confirm: got %d, want 1", len(entries))
	}
	if got := f.store.earnings[f.freelancer]; got != 900000 {
		t.Errorf("earnings after confirm: got %d, want 900000", got)
	}
	// No second transfer may be initiated during reconciliation.
	if f.gateway.transferCount() != 0 {
		t.Errorf("transfers during confirm: got %d, want 0", f.gateway.transferCount())
	}
}

func TestResolveAmbiguousRelease_Abandon(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.gateway.transferErr = fmt.Errorf("%w: timeout", paystack.ErrAmbiguousOutcome)
	f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})

	admin := uuid.New()
	if err := f.engine.ResolveAmbiguousRelease(context.Background(), milestone.ID, admin, models.RoleAdmin, ReconcileAbandon); err != nil {
		t.Fatalf("ResolveAmbiguousRelease abandon: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone status after abandon: got %s, want FUNDED", got)
	}
	if n := len(f.store.feeEntries()); n != 0 {
		t.Errorf("fee entries after abandon: got %d, want 0", n)
	}
}

func TestResolveAmbiguousRelease_AdminOnly(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)

	err := f.engine.ResolveAmbiguousRelease(context.Background(), milestone.ID, f.client, models.RoleClient, ReconcileConfirm)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Disputes
// ---------------------------------------------------------------------------

func TestRaiseDispute_OnlyFunded(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000)

	_, err := f.engine.RaiseDispute(context.Background(), milestone.ID, f.client, models.RoleClient, "never started")
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict on PENDING milestone, got: %v", err)
	}
}

func TestRaiseDispute_Stranger(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 5000)
	f.fund(t, milestone)

	_, err := f.engine.RaiseDispute(context.Background(), milestone.ID, uuid.New(), models.RoleClient, "not my task")
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

func TestResolveDispute_Reinstate(t *testing.T) {
	f := newFixture(t)
	account, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	if _, err := f.engine.RaiseDispute(context.Background(), milestone.ID, f.client, models.RoleClient, "quality concerns"); err != nil {
		t.Fatalf("RaiseDispute: %v", err)
	}
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusDisputed {
		t.Errorf("account status during dispute: got %s, want disputed", got)
	}

	admin := uuid.New()
	if err := f.engine.ResolveDispute(context.Background(), milestone.ID, admin, models.RoleAdmin, ResolutionReinstate); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneFunded {
		t.Errorf("milestone after reinstate: got %s, want FUNDED", got)
	}

	// Release now proceeds.
	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release after reinstate: %v", err)
	}
}

func TestResolveDispute_Refund(t *testing.T) {
	f := newFixture(t)
	account, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.engine.RaiseDispute(context.Background(), milestone.ID, f.freelancer, models.RoleFreelancer, "scope change")

	admin := uuid.New()
	if err := f.engine.ResolveDispute(context.Background(), milestone.ID, admin, models.RoleAdmin, ResolutionRefund); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneRefunded {
		t.Errorf("milestone after refund resolution: got %s, want REFUNDED", got)
	}
	// The only milestone was refunded: the account must not read as funded.
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusRefunded {
		t.Errorf("account after refund resolution: got %s, want refunded", got)
	}
	if got := f.store.earnings[f.freelancer]; got != 0 {
		t.Errorf("no earnings may be credited on refund, got %d", got)
	}
}

func TestResolveDispute_RefundWithSiblingFunded(t *testing.T) {
	f := newFixture(t)
	account, milestones := f.openEscrowSplit(t, 4000, 6000)
	f.fund(t, milestones[0])
	f.fund(t, milestones[1])
	f.engine.RaiseDispute(context.Background(), milestones[0].ID, f.client, models.RoleClient, "partial delivery")

	admin := uuid.New()
	if err := f.engine.ResolveDispute(context.Background(), milestones[0].ID, admin, models.RoleAdmin, ResolutionRefund); err != nil {
		t.Fatalf("ResolveDispute: %v", err)
	}
	// The sibling still holds money: account stays funded and its release
	// proceeds normally.
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusFunded {
		t.Errorf("account with funded sibling: got %s, want funded", got)
	}
	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestones[1].ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release sibling after refund resolution: %v", err)
	}
}

func TestResolveDispute_AdminOnly(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)
	f.engine.RaiseDispute(context.Background(), milestone.ID, f.client, models.RoleClient, "late")

	err := f.engine.ResolveDispute(context.Background(), milestone.ID, f.client, models.RoleClient, ResolutionReinstate)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Refund
// ---------------------------------------------------------------------------

func TestRefundEscrow_AfterPartialRelease(t *testing.T) {
	f := newFixture(t)
	account, milestones := f.openEscrowSplit(t, 4000, 6000)
	f.fund(t, milestones[0])
	f.fund(t, milestones[1])
	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestones[0].ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release first milestone: %v", err)
	}

	// The second milestone is still FUNDED; the refund must reach it.
	admin := uuid.New()
	if _, err := f.engine.RefundEscrow(context.Background(), f.task, admin, models.RoleAdmin); err != nil {
		t.Fatalf("RefundEscrow after partial release: %v", err)
	}
	if got := f.store.milestoneStatus(milestones[0].ID); got != models.MilestoneReleased {
		t.Errorf("released milestone must stay RELEASED, got %s", got)
	}
	if got := f.store.milestoneStatus(milestones[1].ID); got != models.MilestoneRefunded {
		t.Errorf("funded milestone after refund: got %s, want REFUNDED", got)
	}
	if got := f.store.accountStatus(account.ID); got != models.EscrowStatusRefunded {
		t.Errorf("account after refund: got %s, want refunded", got)
	}
	// The finished release is untouched: its fee entry and earnings stand.
	if n := len(f.store.feeEntries()); n != 1 {
		t.Errorf("fee entries: got %d, want 1", n)
	}
	if got := f.store.earnings[f.freelancer]; got != ToKobo(4000)-ToKobo(4000)/10 {
		t.Errorf("earnings: got %d, want %d", got, ToKobo(4000)-ToKobo(4000)/10)
	}
}

func TestRefundEscrow_BlockedWhileReleasePending(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)

	f.gateway.transferErr = fmt.Errorf("%w: timeout", paystack.ErrAmbiguousOutcome)
	f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	})

	// Money may be moving; the refund must wait for reconciliation.
	admin := uuid.New()
	_, err := f.engine.RefundEscrow(context.Background(), f.task, admin, models.RoleAdmin)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict while release pending, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneReleasePending {
		t.Errorf("milestone must stay RELEASE_PENDING, got %s", got)
	}
}

func TestRefundEscrow_ReleasedIsFinal(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)
	if _, _, err := f.engine.ReleaseMilestone(context.Background(), ReleaseParams{
		MilestoneID: milestone.ID, ActorID: f.client, ActorRole: models.RoleClient,
	}); err != nil {
		t.Fatalf("release: %v", err)
	}

	admin := uuid.New()
	_, err := f.engine.RefundEscrow(context.Background(), f.task, admin, models.RoleAdmin)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict refunding a released escrow, got: %v", err)
	}
	if got := f.store.milestoneStatus(milestone.ID); got != models.MilestoneReleased {
		t.Errorf("released milestone must stay RELEASED, got %s", got)
	}
}

func TestRefundEscrow_AdminOnly(t *testing.T) {
	f := newFixture(t)
	f.openEscrow(t, 10000)

	_, err := f.engine.RefundEscrow(context.Background(), f.task, f.client, models.RoleClient)
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Status read model
// ---------------------------------------------------------------------------

func TestGetEscrowStatus(t *testing.T) {
	f := newFixture(t)
	_, milestone := f.openEscrow(t, 10000)
	f.fund(t, milestone)
	f.engine.RaiseDispute(context.Background(), milestone.ID, f.client, models.RoleClient, "checking")

	status, err := f.engine.GetEscrowStatus(context.Background(), f.task)
	if err != nil {
		t.Fatalf("GetEscrowStatus: %v", err)
	}
	if !status.OpenDispute {
		t.Error("expected open_dispute to be true")
	}
	if len(status.Milestones) != 1 {
		t.Errorf("milestones: got %d, want 1", len(status.Milestones))
	}
}
