package txctx

import (
	"errors"
	"testing"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
)

func testAccounts() (types.Pubkey, types.Pubkey, map[types.Pubkey]*accounts.Account) {
	var alice, bob types.Pubkey
	alice[0] = 1
	bob[0] = 2
	initial := map[types.Pubkey]*accounts.Account{
		alice: {Lamports: 1000, Data: []byte{1, 2, 3}},
		bob:   {Lamports: 500},
	}
	return alice, bob, initial
}

func newTestContext(t *testing.T) (types.Pubkey, types.Pubkey, *Context) {
	t.Helper()
	alice, bob, initial := testAccounts()
	ctx := New(initial, meter.New(meter.Config{MaxUnits: 100000, MaxCycles: 1000000}))
	return alice, bob, ctx
}

// TestContextIsolatedFromInitial checks that the working copies do not
// alias the caller's accounts.
func TestContextIsolatedFromInitial(t *testing.T) {
	alice, _, initial := testAccounts()
	ctx := New(initial, meter.New(meter.Config{}))

	initial[alice].Lamports = 1

	acc, ok := ctx.Account(alice)
	if !ok {
		t.Fatal("Account(alice) not found")
	}
	if acc.Lamports != 1000 {
		t.Errorf("Lamports = %d, want 1000", acc.Lamports)
	}
}

// TestCheckpointRollback modifies an account and rewinds it.
func TestCheckpointRollback(t *testing.T) {
	alice, _, ctx := newTestContext(t)

	if err := ctx.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}
	if ctx.CheckpointDepth() != 1 {
		t.Fatalf("CheckpointDepth() = %d, want 1", ctx.CheckpointDepth())
	}

	cyclesAtCheckpoint := ctx.Meter().ConsumedCycles()

	acc, _ := ctx.Account(alice)
	mod := acc.Clone()
	mod.Lamports = 2000
	if err := ctx.ModifyAccount(alice, mod); err != nil {
		t.Fatalf("ModifyAccount() failed: %v", err)
	}
	if err := ctx.Log("transferred"); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	if err := ctx.RollbackCheckpoint(); err != nil {
		t.Fatalf("RollbackCheckpoint() failed: %v", err)
	}

	acc, _ = ctx.Account(alice)
	if acc.Lamports != 1000 {
		t.Errorf("Lamports after rollback = %d, want 1000", acc.Lamports)
	}
	if len(ctx.Logs()) != 0 {
		t.Errorf("Logs() after rollback = %v, want empty", ctx.Logs())
	}
	if ctx.CheckpointDepth() != 0 {
		t.Errorf("CheckpointDepth() = %d, want 0", ctx.CheckpointDepth())
	}

	// Consumption rewinds to the checkpoint, then the rollback cost is
	// booked on top.
	want := cyclesAtCheckpoint + checkpointRollbackCycles
	if got := ctx.Meter().ConsumedCycles(); got != want {
		t.Errorf("ConsumedCycles() = %d, want %d", got, want)
	}
}

// TestCheckpointCommitKeepsChanges commits a checkpoint and keeps the
// modifications.
func TestCheckpointCommitKeepsChanges(t *testing.T) {
	alice, _, ctx := newTestContext(t)

	if err := ctx.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}

	acc, _ := ctx.Account(alice)
	mod := acc.Clone()
	mod.Lamports = 2000
	if err := ctx.ModifyAccount(alice, mod); err != nil {
		t.Fatalf("ModifyAccount() failed: %v", err)
	}

	if err := ctx.CommitCheckpoint(); err != nil {
		t.Fatalf("CommitCheckpoint() failed: %v", err)
	}

	acc, _ = ctx.Account(alice)
	if acc.Lamports != 2000 {
		t.Errorf("Lamports after commit = %d, want 2000", acc.Lamports)
	}
	if !ctx.Dirty() {
		t.Error("Dirty() = false, want true")
	}
}

// TestNestedCheckpoints rewinds the inner checkpoint while keeping the
// outer one intact.
func TestNestedCheckpoints(t *testing.T) {
	alice, bob, ctx := newTestContext(t)

	if err := ctx.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}
	acc, _ := ctx.Account(alice)
	mod := acc.Clone()
	mod.Lamports = 1100
	if err := ctx.ModifyAccount(alice, mod); err != nil {
		t.Fatalf("ModifyAccount() failed: %v", err)
	}

	if err := ctx.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}
	acc, _ = ctx.Account(bob)
	mod = acc.Clone()
	mod.Lamports = 9999
	if err := ctx.ModifyAccount(bob, mod); err != nil {
		t.Fatalf("ModifyAccount() failed: %v", err)
	}

	// Drop the inner change, keep the outer one.
	if err := ctx.RollbackCheckpoint(); err != nil {
		t.Fatalf("RollbackCheckpoint() failed: %v", err)
	}
	if err := ctx.CommitCheckpoint(); err != nil {
		t.Fatalf("CommitCheckpoint() failed: %v", err)
	}

	acc, _ = ctx.Account(alice)
	if acc.Lamports != 1100 {
		t.Errorf("alice Lamports = %d, want 1100", acc.Lamports)
	}
	acc, _ = ctx.Account(bob)
	if acc.Lamports != 500 {
		t.Errorf("bob Lamports = %d, want 500", acc.Lamports)
	}
}

// TestEmptyStackMisuse checks ErrNoCheckpoint on both operations.
func TestEmptyStackMisuse(t *testing.T) {
	_, _, ctx := newTestContext(t)

	if err := ctx.CommitCheckpoint(); err != ErrNoCheckpoint {
		t.Errorf("CommitCheckpoint() = %v, want ErrNoCheckpoint", err)
	}
	if err := ctx.RollbackCheckpoint(); err != ErrNoCheckpoint {
		t.Errorf("RollbackCheckpoint() = %v, want ErrNoCheckpoint", err)
	}
}

// TestRollbackTransaction restores everything to the pre-transaction
// snapshot.
func TestRollbackTransaction(t *testing.T) {
	alice, bob, ctx := newTestContext(t)

	if err := ctx.CreateCheckpoint(); err != nil {
		t.Fatalf("CreateCheckpoint() failed: %v", err)
	}
	for _, pk := range []types.Pubkey{alice, bob} {
		acc, _ := ctx.Account(pk)
		mod := acc.Clone()
		mod.Lamports = 1
		mod.Data = []byte("overwritten")
		if err := ctx.ModifyAccount(pk, mod); err != nil {
			t.Fatalf("ModifyAccount() failed: %v", err)
		}
	}
	if err := ctx.Log("doomed"); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}
	ctx.SetReturnData([]byte{9})

	ctx.RollbackTransaction()

	acc, _ := ctx.Account(alice)
	if acc.Lamports != 1000 || string(acc.Data) != string([]byte{1, 2, 3}) {
		t.Errorf("alice after rollback = %+v, want initial state", acc)
	}
	acc, _ = ctx.Account(bob)
	if acc.Lamports != 500 {
		t.Errorf("bob Lamports = %d, want 500", acc.Lamports)
	}
	if len(ctx.Logs()) != 0 {
		t.Errorf("Logs() = %v, want empty", ctx.Logs())
	}
	if len(ctx.ReturnData()) != 0 {
		t.Errorf("ReturnData() = %v, want empty", ctx.ReturnData())
	}
	if ctx.CheckpointDepth() != 0 {
		t.Errorf("CheckpointDepth() = %d, want 0", ctx.CheckpointDepth())
	}
	if ctx.Dirty() {
		t.Error("Dirty() = true, want false")
	}
	if len(ctx.Changes()) != 0 {
		t.Errorf("Changes() = %v, want empty", ctx.Changes())
	}
}

// TestLogChargesBeforeAppending exhausts the cycle budget and checks
// that a later log entry is rejected rather than recorded for free.
func TestLogChargesBeforeAppending(t *testing.T) {
	_, _, initial := testAccounts()
	mtr := meter.New(meter.Config{MaxUnits: 100000, MaxCycles: 50})
	ctx := New(initial, mtr)

	if err := mtr.ChargeCycles(meter.CategoryLog, mtr.RemainingCycles()); err != nil {
		t.Fatalf("ChargeCycles() failed: %v", err)
	}

	err := ctx.Log("over budget")
	if !errors.Is(err, meter.ErrBudgetExceeded) {
		t.Fatalf("Log() = %v, want ErrBudgetExceeded", err)
	}
	if len(ctx.Logs()) != 0 {
		t.Errorf("Logs() = %v, want empty", ctx.Logs())
	}
}

// TestRollbackTransactionKeepsMeterBaseline rewinds consumption to
// where the meter stood when the context was created, not to zero.
func TestRollbackTransactionKeepsMeterBaseline(t *testing.T) {
	_, _, initial := testAccounts()
	mtr := meter.New(meter.Config{MaxUnits: 100000, MaxCycles: 1000000})
	if err := mtr.ChargeCycles(meter.CategorySyscall, 300); err != nil {
		t.Fatalf("ChargeCycles() failed: %v", err)
	}
	base := mtr.ConsumedCycles()

	ctx := New(initial, mtr)
	if err := ctx.Log("work"); err != nil {
		t.Fatalf("Log() failed: %v", err)
	}

	ctx.RollbackTransaction()

	want := base + transactionRollbackCycles
	if got := mtr.ConsumedCycles(); got != want {
		t.Errorf("ConsumedCycles() after rollback = %d, want %d", got, want)
	}
}

// TestModifyUnknownAccount rejects writes to accounts outside the
// transaction set.
func TestModifyUnknownAccount(t *testing.T) {
	_, _, ctx := newTestContext(t)

	var stranger types.Pubkey
	stranger[0] = 99
	err := ctx.ModifyAccount(stranger, &accounts.Account{Lamports: 1})
	if err == nil {
		t.Fatal("ModifyAccount(stranger) succeeded, want error")
	}
}

// TestChanges reports only accounts that actually differ.
func TestChanges(t *testing.T) {
	alice, _, ctx := newTestContext(t)

	acc, _ := ctx.Account(alice)
	mod := acc.Clone()
	mod.Lamports = 750
	if err := ctx.ModifyAccount(alice, mod); err != nil {
		t.Fatalf("ModifyAccount() failed: %v", err)
	}

	changes := ctx.Changes()
	if len(changes) != 1 {
		t.Fatalf("len(Changes()) = %d, want 1", len(changes))
	}
	ch := changes[0]
	if ch.Pubkey != alice {
		t.Errorf("Pubkey = %v, want alice", ch.Pubkey)
	}
	if ch.LamportsBefore != 1000 || ch.LamportsAfter != 750 {
		t.Errorf("lamports = %d -> %d, want 1000 -> 750", ch.LamportsBefore, ch.LamportsAfter)
	}
	if ch.DataChanged || ch.OwnerChanged {
		t.Errorf("DataChanged = %v, OwnerChanged = %v, want false, false", ch.DataChanged, ch.OwnerChanged)
	}
}
