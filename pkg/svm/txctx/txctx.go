// Package txctx manages per-transaction account state: working copies,
// a LIFO checkpoint stack and rollback to any checkpoint or to the
// pre-transaction snapshot.
package txctx

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/fortiblox/X1-Provis/internal/types"
	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
)

// ErrNoCheckpoint is returned when commit or rollback is called with
// an empty checkpoint stack.
var ErrNoCheckpoint = errors.New("no checkpoint available")

// Cycle costs of state management operations. Bookkeeping is cheap
// compared to guest execution but still shows up in the proof, so it
// is metered.
const (
	checkpointCreateCycles    = 10
	checkpointRollbackCycles  = 20
	checkpointCommitCycles    = 5
	transactionRollbackCycles = 50
	accountModifyCycles       = 5
	logCycles                 = 1
)

// checkpoint captures everything needed to rewind to one point:
// deep-copied accounts, meter consumption and the log length.
type checkpoint struct {
	accounts map[types.Pubkey]*accounts.Account
	meterAt  meter.Snapshot
	logCount int
}

// Change describes how one account differs from its pre-transaction
// state.
type Change struct {
	Pubkey         types.Pubkey
	LamportsBefore uint64
	LamportsAfter  uint64
	DataChanged    bool
	OwnerChanged   bool
}

// Context is the working state of one transaction. It is not safe for
// concurrent use.
type Context struct {
	// initial is the pre-transaction snapshot, never mutated.
	initial map[types.Pubkey]*accounts.Account
	current map[types.Pubkey]*accounts.Account

	mtr *meter.Meter
	// meterBase is the meter position when the context was created;
	// a full rollback rewinds consumption to it.
	meterBase meter.Snapshot
	logs      []string

	returnData []byte

	stack []checkpoint
	dirty bool
}

// New deep-copies the initial accounts and binds the context to a
// meter.
func New(initial map[types.Pubkey]*accounts.Account, mtr *meter.Meter) *Context {
	ctx := &Context{
		initial:   make(map[types.Pubkey]*accounts.Account, len(initial)),
		current:   make(map[types.Pubkey]*accounts.Account, len(initial)),
		mtr:       mtr,
		meterBase: mtr.Snapshot(),
	}
	for pk, acc := range initial {
		ctx.initial[pk] = acc.Clone()
		ctx.current[pk] = acc.Clone()
	}
	return ctx
}

// Meter returns the bound compute meter.
func (c *Context) Meter() *meter.Meter {
	return c.mtr
}

// Account returns the working copy of an account. Mutating the
// returned account mutates transaction state; callers must go through
// ModifyAccount for the dirty flag to be maintained.
func (c *Context) Account(pubkey types.Pubkey) (*accounts.Account, bool) {
	acc, ok := c.current[pubkey]
	return acc, ok
}

// ModifyAccount replaces the working copy of an existing account.
func (c *Context) ModifyAccount(pubkey types.Pubkey, acc *accounts.Account) error {
	if _, ok := c.current[pubkey]; !ok {
		return fmt.Errorf("%w: %s", accounts.ErrAccountNotFound, pubkey)
	}
	if err := c.mtr.ChargeCycles(meter.CategoryCheckpoint, accountModifyCycles); err != nil {
		return err
	}
	c.current[pubkey] = acc.Clone()
	c.dirty = true
	return nil
}

// Log appends a message to the transaction log. The entry is charged
// against the cycle budget first; an exhausted budget rejects the
// message.
func (c *Context) Log(message string) error {
	if err := c.mtr.ChargeCycles(meter.CategoryLog, logCycles); err != nil {
		return err
	}
	c.logs = append(c.logs, message)
	return nil
}

// Logs returns the accumulated log messages.
func (c *Context) Logs() []string {
	return c.logs
}

// SetReturnData stores the program return data.
func (c *Context) SetReturnData(data []byte) {
	c.returnData = append(c.returnData[:0], data...)
}

// ReturnData returns the program return data.
func (c *Context) ReturnData() []byte {
	return c.returnData
}

// Dirty reports whether any state was modified since the last full
// rollback.
func (c *Context) Dirty() bool {
	return c.dirty
}

// CheckpointDepth returns the number of open checkpoints.
func (c *Context) CheckpointDepth() int {
	return len(c.stack)
}

// CreateCheckpoint pushes a snapshot of the working accounts, the
// meter position and the log length.
func (c *Context) CreateCheckpoint() error {
	if err := c.mtr.ChargeCycles(meter.CategoryCheckpoint, checkpointCreateCycles); err != nil {
		return err
	}
	cp := checkpoint{
		accounts: make(map[types.Pubkey]*accounts.Account, len(c.current)),
		meterAt:  c.mtr.Snapshot(),
		logCount: len(c.logs),
	}
	for pk, acc := range c.current {
		cp.accounts[pk] = acc.Clone()
	}
	c.stack = append(c.stack, cp)
	return nil
}

// CommitCheckpoint discards the most recent checkpoint, keeping all
// changes made since it was created.
func (c *Context) CommitCheckpoint() error {
	if len(c.stack) == 0 {
		return ErrNoCheckpoint
	}
	c.stack = c.stack[:len(c.stack)-1]
	c.dirty = true
	return c.mtr.ChargeCycles(meter.CategoryCheckpoint, checkpointCommitCycles)
}

// RollbackCheckpoint restores the most recent checkpoint: accounts,
// meter consumption and logs all rewind to where they were when the
// checkpoint was created.
func (c *Context) RollbackCheckpoint() error {
	if len(c.stack) == 0 {
		return ErrNoCheckpoint
	}
	cp := c.stack[len(c.stack)-1]
	c.stack = c.stack[:len(c.stack)-1]

	c.current = make(map[types.Pubkey]*accounts.Account, len(cp.accounts))
	for pk, acc := range cp.accounts {
		c.current[pk] = acc.Clone()
	}
	c.mtr.Restore(cp.meterAt)
	c.logs = c.logs[:cp.logCount]

	return c.mtr.ChargeCycles(meter.CategoryCheckpoint, checkpointRollbackCycles)
}

// RollbackTransaction restores the pre-transaction snapshot and clears
// all execution state, including open checkpoints. Meter consumption
// rewinds to where it stood when the context was created.
func (c *Context) RollbackTransaction() {
	c.current = make(map[types.Pubkey]*accounts.Account, len(c.initial))
	for pk, acc := range c.initial {
		c.current[pk] = acc.Clone()
	}
	c.logs = c.logs[:0]
	c.returnData = nil
	c.stack = nil
	c.dirty = false
	c.mtr.Restore(c.meterBase)
	// The rollback itself is booked against the now-reset meter.
	_ = c.mtr.ChargeCycles(meter.CategoryCheckpoint, transactionRollbackCycles)
}

// Accounts returns the working set of accounts.
func (c *Context) Accounts() map[types.Pubkey]*accounts.Account {
	return c.current
}

// Initial returns the pre-transaction account snapshot.
func (c *Context) Initial() map[types.Pubkey]*accounts.Account {
	return c.initial
}

// Changes compares the working state against the pre-transaction
// snapshot and reports every account that differs.
func (c *Context) Changes() []Change {
	var out []Change
	for pk, cur := range c.current {
		orig, ok := c.initial[pk]
		if !ok {
			out = append(out, Change{
				Pubkey:        pk,
				LamportsAfter: cur.Lamports,
				DataChanged:   len(cur.Data) > 0,
			})
			continue
		}
		change := Change{
			Pubkey:         pk,
			LamportsBefore: orig.Lamports,
			LamportsAfter:  cur.Lamports,
			DataChanged:    !bytes.Equal(orig.Data, cur.Data),
			OwnerChanged:   orig.Owner != cur.Owner,
		}
		if change.LamportsBefore != change.LamportsAfter || change.DataChanged || change.OwnerChanged {
			out = append(out, change)
		}
	}
	return out
}
