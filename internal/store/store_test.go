package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func testJob(id, userID string) *Job {
	return &Job{
		ID:     id,
		UserID: userID,
		Prompt: "a cat surfing a wave",
		Params: GenerationParams{
			Prompt:          "a cat surfing a wave",
			DurationSeconds: 5,
			SampleCount:     1,
		},
	}
}

func TestCreateUser(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	balance, err := st.Balance(ctx, "user-1")
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}

	// The initial grant must appear in the ledger so the balance reconciles.
	entries, err := st.History(ctx, "user-1")
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	if entries[0].Type != EntryAdjustment || entries[0].Amount != 100 {
		t.Errorf("entry = %s/%d, want ADJUSTMENT/100", entries[0].Type, entries[0].Amount)
	}

	if err := st.CreateUser(ctx, "user-1", 50); !errors.Is(err, ErrUserExists) {
		t.Errorf("duplicate CreateUser() error = %v, want ErrUserExists", err)
	}
}

func TestBalanceUnknownUser(t *testing.T) {
	st := testStore(t)

	if _, err := st.Balance(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Balance() error = %v, want ErrNotFound", err)
	}
}

func TestDebitCredit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := st.Debit(ctx, "user-1", 40, EntrySpend, "spend", "ref-1"); err != nil {
		t.Fatalf("Debit() error = %v", err)
	}
	if err := st.Credit(ctx, "user-1", 10, EntryRefund, "refund", "ref-1"); err != nil {
		t.Fatalf("Credit() error = %v", err)
	}

	balance, _ := st.Balance(ctx, "user-1")
	if balance != 70 {
		t.Errorf("balance = %d, want 70", balance)
	}

	// Debiting more than the balance must fail without touching anything.
	if err := st.Debit(ctx, "user-1", 71, EntrySpend, "too much", ""); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("Debit() error = %v, want ErrInsufficientBalance", err)
	}
	balance, _ = st.Balance(ctx, "user-1")
	if balance != 70 {
		t.Errorf("balance after failed debit = %d, want 70", balance)
	}

	gotBalance, ledgerSum, err := st.Reconcile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if gotBalance != ledgerSum {
		t.Errorf("balance %d != ledger sum %d", gotBalance, ledgerSum)
	}
}

func TestDebitCreditRejectNonPositive(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 10); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := st.Debit(ctx, "user-1", 0, EntrySpend, "", ""); err == nil {
		t.Error("Debit(0) error = nil, want error")
	}
	if err := st.Debit(ctx, "user-1", -5, EntrySpend, "", ""); err == nil {
		t.Error("Debit(-5) error = nil, want error")
	}
	if err := st.Credit(ctx, "user-1", 0, EntryRefund, "", ""); err == nil {
		t.Error("Credit(0) error = nil, want error")
	}
}

func TestAdmit(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	job := testJob("job-1", "user-1")
	if err := st.Admit(ctx, job, 50); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if job.Status != StatusPending {
		t.Errorf("job status = %s, want PENDING", job.Status)
	}
	if job.TokensReserved != 50 {
		t.Errorf("tokens reserved = %d, want 50", job.TokensReserved)
	}

	balance, _ := st.Balance(ctx, "user-1")
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}

	detail, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if detail.Job.Status != StatusPending {
		t.Errorf("stored job status = %s, want PENDING", detail.Job.Status)
	}
	if detail.Attempt.TokensUsed != 50 {
		t.Errorf("attempt tokens used = %d, want 50", detail.Attempt.TokensUsed)
	}
	if detail.Job.Params.DurationSeconds != 5 {
		t.Errorf("params duration = %d, want 5", detail.Job.Params.DurationSeconds)
	}

	entries, _ := st.History(ctx, "user-1")
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if entries[0].Type != EntrySpend || entries[0].Amount != -50 {
		t.Errorf("newest entry = %s/%d, want SPEND/-50", entries[0].Type, entries[0].Amount)
	}
	if entries[0].ReferenceID != "job-1" {
		t.Errorf("entry reference = %q, want job-1", entries[0].ReferenceID)
	}
}

func TestAdmitInsufficientBalance(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 30); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	err := st.Admit(ctx, testJob("job-1", "user-1"), 50)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Admit() error = %v, want ErrInsufficientBalance", err)
	}

	// Rejection must leave no trace: no job, no attempt, no ledger entry.
	if _, err := st.GetJob(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetJob() error = %v, want ErrNotFound", err)
	}
	balance, _ := st.Balance(ctx, "user-1")
	if balance != 30 {
		t.Errorf("balance = %d, want 30", balance)
	}
	entries, _ := st.History(ctx, "user-1")
	if len(entries) != 1 {
		t.Errorf("len(entries) = %d, want 1 (initial grant only)", len(entries))
	}
}

func TestAdmitSerializedDebits(t *testing.T) {
	// Balance covers exactly one of two admissions: the second must be
	// rejected by the conditional decrement, never driven negative.
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 60); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	first := st.Admit(ctx, testJob("job-a", "user-1"), 50)
	second := st.Admit(ctx, testJob("job-b", "user-1"), 50)

	if first != nil {
		t.Fatalf("first Admit() error = %v", first)
	}
	if !errors.Is(second, ErrInsufficientBalance) {
		t.Fatalf("second Admit() error = %v, want ErrInsufficientBalance", second)
	}

	balance, _ := st.Balance(ctx, "user-1")
	if balance != 10 {
		t.Errorf("balance = %d, want 10", balance)
	}
}

func TestMarkProcessing(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := st.Admit(ctx, testJob("job-1", "user-1"), 50); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}

	ok, err := st.MarkProcessing(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("MarkProcessing() = %v, %v, want true, nil", ok, err)
	}

	// Marking again while PROCESSING is fine (redelivery before terminal).
	ok, err = st.MarkProcessing(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("second MarkProcessing() = %v, %v, want true, nil", ok, err)
	}

	if _, _, err := st.FailJob(ctx, "job-1", "boom"); err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}

	// Terminal jobs reject the transition.
	ok, err = st.MarkProcessing(ctx, "job-1")
	if err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}
	if ok {
		t.Error("MarkProcessing() on FAILED job = true, want false")
	}
}

func TestCompleteJob(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := st.Admit(ctx, testJob("job-1", "user-1"), 50); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := st.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	artifacts := []Artifact{{URL: "http://assets.local/a.mp4"}, {URL: "http://assets.local/b.mp4"}}
	applied, err := st.CompleteJob(ctx, "job-1", artifacts)
	if err != nil || !applied {
		t.Fatalf("CompleteJob() = %v, %v, want true, nil", applied, err)
	}

	detail, err := st.GetJob(ctx, "job-1")
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if detail.Job.Status != StatusCompleted {
		t.Errorf("job status = %s, want COMPLETED", detail.Job.Status)
	}
	if detail.Attempt.Status != StatusCompleted {
		t.Errorf("attempt status = %s, want COMPLETED", detail.Attempt.Status)
	}
	if len(detail.Artifacts) != 2 {
		t.Fatalf("len(artifacts) = %d, want 2", len(detail.Artifacts))
	}
	if detail.Artifacts[0].Kind != ArtifactKindVideo {
		t.Errorf("artifact kind = %q, want %q", detail.Artifacts[0].Kind, ArtifactKindVideo)
	}

	// Re-completing a terminal job is a no-op and must not duplicate artifacts.
	applied, err = st.CompleteJob(ctx, "job-1", artifacts)
	if err != nil {
		t.Fatalf("second CompleteJob() error = %v", err)
	}
	if applied {
		t.Error("second CompleteJob() applied = true, want false")
	}
	detail, _ = st.GetJob(ctx, "job-1")
	if len(detail.Artifacts) != 2 {
		t.Errorf("len(artifacts) after duplicate = %d, want 2", len(detail.Artifacts))
	}

	// Completion never refunds.
	balance, _ := st.Balance(ctx, "user-1")
	if balance != 50 {
		t.Errorf("balance = %d, want 50", balance)
	}
}

func TestFailJobRefundsOnce(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := st.Admit(ctx, testJob("job-1", "user-1"), 50); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := st.MarkProcessing(ctx, "job-1"); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	refunded, applied, err := st.FailJob(ctx, "job-1", "provider exploded")
	if err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	if !applied || refunded != 50 {
		t.Fatalf("FailJob() = %d, %v, want 50, true", refunded, applied)
	}

	balance, _ := st.Balance(ctx, "user-1")
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}

	detail, _ := st.GetJob(ctx, "job-1")
	if detail.Job.Status != StatusFailed {
		t.Errorf("job status = %s, want FAILED", detail.Job.Status)
	}
	if detail.Job.ErrorMessage != "provider exploded" {
		t.Errorf("error message = %q", detail.Job.ErrorMessage)
	}

	entries, _ := st.History(ctx, "user-1")
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	if entries[0].Type != EntryRefund || entries[0].Amount != 50 {
		t.Errorf("newest entry = %s/%d, want REFUND/50", entries[0].Type, entries[0].Amount)
	}

	// A redelivered failure must not refund a second time.
	refunded, applied, err = st.FailJob(ctx, "job-1", "again")
	if err != nil {
		t.Fatalf("second FailJob() error = %v", err)
	}
	if applied || refunded != 0 {
		t.Errorf("second FailJob() = %d, %v, want 0, false", refunded, applied)
	}
	balance, _ = st.Balance(ctx, "user-1")
	if balance != 100 {
		t.Errorf("balance after duplicate failure = %d, want 100", balance)
	}

	gotBalance, ledgerSum, err := st.Reconcile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if gotBalance != ledgerSum {
		t.Errorf("balance %d != ledger sum %d", gotBalance, ledgerSum)
	}
}

func TestFailJobAfterComplete(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if err := st.Admit(ctx, testJob("job-1", "user-1"), 50); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := st.CompleteJob(ctx, "job-1", nil); err != nil {
		t.Fatalf("CompleteJob() error = %v", err)
	}

	refunded, applied, err := st.FailJob(ctx, "job-1", "late failure")
	if err != nil {
		t.Fatalf("FailJob() error = %v", err)
	}
	if applied || refunded != 0 {
		t.Errorf("FailJob() on COMPLETED job = %d, %v, want 0, false", refunded, applied)
	}

	balance, _ := st.Balance(ctx, "user-1")
	if balance != 50 {
		t.Errorf("balance = %d, want 50 (no refund for completed job)", balance)
	}
}

func TestFailJobUnknown(t *testing.T) {
	st := testStore(t)

	if _, _, err := st.FailJob(context.Background(), "nope", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailJob() error = %v, want ErrNotFound", err)
	}
}

func TestStaleAndPendingQueries(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 1000); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := st.Admit(ctx, testJob("job-pending", "user-1"), 10); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if err := st.Admit(ctx, testJob("job-processing", "user-1"), 10); err != nil {
		t.Fatalf("Admit() error = %v", err)
	}
	if _, err := st.MarkProcessing(ctx, "job-processing"); err != nil {
		t.Fatalf("MarkProcessing() error = %v", err)
	}

	future := time.Now().Add(time.Hour)

	stale, err := st.StaleProcessing(ctx, future, 10)
	if err != nil {
		t.Fatalf("StaleProcessing() error = %v", err)
	}
	if len(stale) != 1 || stale[0].ID != "job-processing" {
		t.Errorf("StaleProcessing() = %v, want [job-processing]", jobIDs(stale))
	}

	pending, err := st.PendingBefore(ctx, future, 10)
	if err != nil {
		t.Fatalf("PendingBefore() error = %v", err)
	}
	if len(pending) != 1 || pending[0].ID != "job-pending" {
		t.Errorf("PendingBefore() = %v, want [job-pending]", jobIDs(pending))
	}

	// Nothing is stale relative to a cutoff in the past.
	past := time.Now().Add(-time.Hour)
	stale, err = st.StaleProcessing(ctx, past, 10)
	if err != nil {
		t.Fatalf("StaleProcessing() error = %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("StaleProcessing(past) = %v, want empty", jobIDs(stale))
	}
}

func jobIDs(jobs []Job) []string {
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ID
	}
	return ids
}

func TestAwardExp(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	if err := st.CreateUser(ctx, "user-1", 100); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}

	if err := st.AwardExp(ctx, "user-1", 25, "generation reward", "job-1"); err != nil {
		t.Fatalf("AwardExp() error = %v", err)
	}
	if err := st.AwardExp(ctx, "nobody", 25, "reward", "job-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("AwardExp() error = %v, want ErrNotFound", err)
	}

	// Experience never touches the token balance or ledger.
	balance, ledgerSum, err := st.Reconcile(ctx, "user-1")
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if balance != 100 || ledgerSum != 100 {
		t.Errorf("balance/ledger = %d/%d, want 100/100", balance, ledgerSum)
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status JobStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusProcessing, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}
