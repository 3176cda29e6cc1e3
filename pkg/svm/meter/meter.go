// Package meter implements dual-domain compute accounting: guest
// compute units and proof cycles are tracked and limited together, so
// a charge commits to both domains or to neither.
package meter

import (
	"errors"
	"math"
	"math/bits"
)

// ErrBudgetExceeded is returned when a charge would push either domain
// past its limit. The meter is left untouched.
var ErrBudgetExceeded = errors.New("compute budget exceeded")

// Category classifies an operation for cost translation. Each category
// carries a fixed multiplier applied on top of the base unit-to-cycle
// rate.
type Category int

const (
	CategoryAlu Category = iota
	CategoryMemoryLoad
	CategoryMemoryStore
	CategorySyscall
	CategoryAccountDeserialize
	CategoryAccountSerialize
	CategorySha256
	CategoryEd25519Verify
	CategorySecp256k1Verify
	CategoryKeccak
	CategoryProgramInvoke
	CategoryCPI
	CategoryPDADerivation
	CategoryInstruction
	CategoryJump
	CategoryCall
	CategoryReturn
	CategoryCheckpoint
	CategoryLog

	numCategories
)

var categoryNames = [numCategories]string{
	"alu", "memory_load", "memory_store", "syscall",
	"account_deserialize", "account_serialize", "sha256",
	"ed25519_verify", "secp256k1_verify", "keccak",
	"program_invoke", "cpi", "pda_derivation",
	"instruction", "jump", "call", "return", "checkpoint", "log",
}

func (c Category) String() string {
	if c < 0 || c >= numCategories {
		return "unknown"
	}
	return categoryNames[c]
}

// Multipliers are stored in hundredths so the cost pipeline stays in
// integer arithmetic: 100 means 1.0x, 120 means 1.2x.
var categoryMultipliers = [numCategories]uint64{
	CategoryAlu:                100,
	CategoryMemoryLoad:         120,
	CategoryMemoryStore:        150,
	CategorySyscall:            1000,
	CategoryAccountDeserialize: 500,
	CategoryAccountSerialize:   700,
	CategorySha256:             5000,
	CategoryEd25519Verify:      20000,
	CategorySecp256k1Verify:    30000,
	CategoryKeccak:             6000,
	CategoryProgramInvoke:      2000,
	CategoryCPI:                4000,
	CategoryPDADerivation:      1500,
	CategoryInstruction:        110,
	CategoryJump:               130,
	CategoryCall:               200,
	CategoryReturn:             150,
	CategoryCheckpoint:         100,
	CategoryLog:                200,
}

// Complexity scales cycle costs for the proving workload the current
// transaction is expected to produce.
type Complexity int

const (
	Simple Complexity = iota
	Medium
	Complex
	VeryComplex
)

// complexityBp returns the complexity factor in basis points.
func complexityBp(c Complexity) uint64 {
	switch c {
	case Medium:
		return 12000
	case Complex:
		return 15000
	case VeryComplex:
		return 20000
	default:
		return 10000
	}
}

const (
	centiScale = 100
	bpScale    = 10000

	// baseRateCenti is the unit-to-cycle base rate of 2.5 in hundredths.
	baseRateCenti = 250

	// DefaultMaxUnits matches the per-transaction default unit budget.
	DefaultMaxUnits = 200_000

	// DefaultMaxCycles bounds the proving domain when no explicit
	// cycle budget is configured.
	DefaultMaxCycles = 10_000_000
)

// costDenominator collapses the four scale factors of the cost
// pipeline: base rate (centi), category multiplier (centi), memory
// pressure (bp) and complexity (bp).
const costDenominator = centiScale * centiScale * uint64(bpScale) * uint64(bpScale)

// Snapshot captures consumed totals for later restore.
type Snapshot struct {
	Units  uint64
	Cycles uint64
}

// Meter tracks consumption against both budgets. The dynamic factors
// only affect charges made after they are updated; cycles already
// recorded are never repriced.
type Meter struct {
	maxUnits  uint64
	maxCycles uint64

	consumedUnits  uint64
	consumedCycles uint64

	memPressureBp uint64
	complexityBp  uint64

	breakdown [numCategories]uint64
}

// Config sets the budgets for a new meter. Zero fields fall back to
// the defaults.
type Config struct {
	MaxUnits  uint64
	MaxCycles uint64
}

// New returns a meter with neutral dynamic factors.
func New(cfg Config) *Meter {
	if cfg.MaxUnits == 0 {
		cfg.MaxUnits = DefaultMaxUnits
	}
	if cfg.MaxCycles == 0 {
		cfg.MaxCycles = DefaultMaxCycles
	}
	return &Meter{
		maxUnits:      cfg.MaxUnits,
		maxCycles:     cfg.MaxCycles,
		memPressureBp: bpScale,
		complexityBp:  bpScale,
	}
}

// mulDiv128 computes value*a*b*c/div with a 128-bit intermediate,
// saturating at MaxUint64 if the quotient would not fit.
func mulDiv128(value, a, b, c, div uint64) uint64 {
	hi, lo := bits.Mul64(value, a)
	for _, f := range [2]uint64{b, c} {
		carry, l := bits.Mul64(lo, f)
		lo = l
		hi = hi*f + carry
	}
	if hi >= div {
		return math.MaxUint64
	}
	q, _ := bits.Div64(hi, lo, div)
	return q
}

// UnitsToCycles translates raw units into proof cycles for a category
// under the current dynamic factors. The translation truncates; it
// never rounds up.
func (m *Meter) UnitsToCycles(cat Category, units uint64) uint64 {
	mult := uint64(centiScale)
	if cat >= 0 && cat < numCategories {
		mult = categoryMultipliers[cat]
	}
	scaled := mulDiv128(units, baseRateCenti*mult, m.memPressureBp, m.complexityBp, costDenominator)
	return scaled
}

// CyclesToUnits inverts the base translation, ignoring the category
// multiplier. Used to price cycle-denominated work back into units.
func (m *Meter) CyclesToUnits(cycles uint64) uint64 {
	div := mulDiv128(baseRateCenti, m.memPressureBp, m.complexityBp, 1, 1)
	if div == 0 {
		return 0
	}
	return mulDiv128(cycles, centiScale, bpScale, bpScale, div)
}

// Charge deducts units and the translated cycles from both budgets.
// If either limit would be exceeded nothing is consumed and
// ErrBudgetExceeded is returned.
func (m *Meter) Charge(cat Category, units uint64) error {
	cycles := m.UnitsToCycles(cat, units)
	if units > m.maxUnits-m.consumedUnits || cycles > m.maxCycles-m.consumedCycles {
		return ErrBudgetExceeded
	}
	m.consumedUnits += units
	m.consumedCycles += cycles
	if cat >= 0 && cat < numCategories {
		m.breakdown[cat] += cycles
	}
	return nil
}

// ChargeCycles books cycle-denominated work, deriving the equivalent
// unit cost from the base rate.
func (m *Meter) ChargeCycles(cat Category, cycles uint64) error {
	units := m.CyclesToUnits(cycles)
	if units > m.maxUnits-m.consumedUnits || cycles > m.maxCycles-m.consumedCycles {
		return ErrBudgetExceeded
	}
	m.consumedUnits += units
	m.consumedCycles += cycles
	if cat >= 0 && cat < numCategories {
		m.breakdown[cat] += cycles
	}
	return nil
}

// UpdateFactors adjusts the dynamic scaling. Memory pressure grows the
// factor linearly up to 1.5x at full usage; the percentage is clamped
// to 100.
func (m *Meter) UpdateFactors(memoryUsagePercent uint64, complexity Complexity) {
	if memoryUsagePercent > 100 {
		memoryUsagePercent = 100
	}
	m.memPressureBp = bpScale + memoryUsagePercent*50
	m.complexityBp = complexityBp(complexity)
}

// ResetFactors restores the neutral 1.0x factors.
func (m *Meter) ResetFactors() {
	m.memPressureBp = bpScale
	m.complexityBp = bpScale
}

// ConsumedUnits returns the units consumed so far.
func (m *Meter) ConsumedUnits() uint64 { return m.consumedUnits }

// ConsumedCycles returns the proof cycles consumed so far.
func (m *Meter) ConsumedCycles() uint64 { return m.consumedCycles }

// RemainingUnits returns the unit budget still available.
func (m *Meter) RemainingUnits() uint64 { return m.maxUnits - m.consumedUnits }

// RemainingCycles returns the cycle budget still available.
func (m *Meter) RemainingCycles() uint64 { return m.maxCycles - m.consumedCycles }

// MaxUnits returns the configured unit budget.
func (m *Meter) MaxUnits() uint64 { return m.maxUnits }

// MaxCycles returns the configured cycle budget.
func (m *Meter) MaxCycles() uint64 { return m.maxCycles }

// CategoryCycles returns the cycles booked against one category.
func (m *Meter) CategoryCycles(cat Category) uint64 {
	if cat < 0 || cat >= numCategories {
		return 0
	}
	return m.breakdown[cat]
}

// Snapshot captures the consumed totals.
func (m *Meter) Snapshot() Snapshot {
	return Snapshot{Units: m.consumedUnits, Cycles: m.consumedCycles}
}

// Restore rewinds consumption to a snapshot. The per-category
// breakdown is informational and is not rewound.
func (m *Meter) Restore(s Snapshot) {
	m.consumedUnits = s.Units
	m.consumedCycles = s.Cycles
}
