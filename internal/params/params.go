// Package params holds the compile-time-constant array sizes and timing
// parameters (spec §6.4) shared by every core component. Everything here
// is a constant: the teacher's weak-override/compile-time-sanity-check
// idiom is reproduced with `const _ uint = <invariant>` blank-identifier
// assertions: an invariant expression that goes negative cannot be
// represented as a uint, which fails the build.
package params

// Pack geometry. Fixed at compile time; no heap allocation anywhere in
// the core depends on these beyond array sizing.
const (
	NRStrings             = 4
	NRModulesPerString    = 8
	NRCellBlocksPerModule = 12
)

// StringIndex is a strongly-typed wrapper around a pack-string index, so
// a string index is never silently mixed with a module or cell-block
// index at a call site (spec §9's "indices are strongly typed new-type
// wrappers" design note).
type StringIndex uint8

// NewStringIndex validates i against the compile-time string count.
func NewStringIndex(i int) (StringIndex, bool) {
	if i < 0 || i >= NRStrings {
		return 0, false
	}
	return StringIndex(i), true
}

const _ uint = NRStrings - 1             // at least one string
const _ uint = NRModulesPerString - 1    // at least one module per string
const _ uint = NRCellBlocksPerModule - 1 // at least one cell block per module
const _ uint = 256 - NRStrings           // StringIndex must fit a byte

// Pack orchestrator tick (§4.H.3) and balancing tick (§4.G) periods.
const (
	PackTickMs      = 10
	BalancingTickMs = 100
)

const _ uint = PackTickMs - 1
const _ uint = BalancingTickMs - 1

// Periodic driver task cycle periods and jitter budgets (§4.J, §6.4).
// "engine" is tickless (cooperative spin) and carries no cycle period.
const (
	Cycle1msMs   = 1
	Cycle10msMs  = 10
	Cycle100msMs = 100
	CycleAlgoMs  = 100

	Jitter1msMs   = 1
	Jitter10msMs  = 2
	Jitter100msMs = 10
	JitterAlgoMs  = 10
)

// Precharge timing (§4.H.4), in pack ticks (10ms each).
const (
	TWaitMinusTicks            = 20  // 200ms
	TWaitPrechargeTicks        = 20  // 200ms
	TPrechargeCloseTimeoutTick = 500 // 5s
	TWaitPlusTicks             = 20  // 200ms
	TWaitAfterOpeningPrecharge = 10  // 100ms
	TWaitAfterPrechargeFail    = 100 // 1s
	MaxPrechargeTries          = 3
)

// Precharge success thresholds (§4.H.4, §8 boundary behaviours).
const (
	PrechargeVoltageThresholdMV = 1000
	PrechargeCurrentThresholdMA = 50
)

// Multi-string closing (§4.H.5).
const (
	NextStringVoltageLimitMV     = 2000
	NextStringClosedTimerTicks   = 50 // 500ms settle
	AverageStringCurrentLimitMA  = 2000
	OscillationTimeoutTicks      = 200 // 2s
)

// Balancing guards (§4.G, §6.4).
const (
	BalancingLowerVoltageLimitMV    = 2900
	BalancingUpperTemperatureDdegC  = 600 // 60.0 degC
	BalancingHysteresisMV           = 20
	BalancingDefaultThresholdMV     = 50
)

// Command intake (§4.I, §6.1).
const (
	RequestUpdateWindowMs = 3000
)

// Current-flow classification (§4.H.8).
const (
	IRestThresholdMA  = 500
	RestTimeMs        = 120_000 // 2 minutes
	RelaxationTimeMs  = 60_000  // 1 minute
)

// Measurement staleness (§3).
const (
	StalenessThresholdMs = 1000
)

// Deep-discharge detection (supplemented feature, grounded on foxBMS's
// bal_strategy_voltage.c / sys_mon.c deep-discharge latch in
// original_source/). A string whose minimum cell voltage drops at or
// below this threshold latches a persistent deep-discharge flag, cleared
// only by an external clear_persistent_flags request (§4.I).
const (
	DeepDischargeVoltageMV = 2500
)

// TaskID enumerates the fixed periodic-task set (§4.E, §4.J): engine
// (tickless), 1ms, 10ms, 100ms, 100ms_algorithm.
type TaskID uint8

const (
	TaskEngine TaskID = iota
	Task1ms
	Task10ms
	Task100ms
	Task100msAlgorithm
)

// NumTasks is the size of the TaskID set, as an int constant usable both
// as an array length and as a loop bound against int indices.
const NumTasks = int(Task100msAlgorithm) + 1

func (t TaskID) String() string {
	switch t {
	case TaskEngine:
		return "engine"
	case Task1ms:
		return "1ms"
	case Task10ms:
		return "10ms"
	case Task100ms:
		return "100ms"
	case Task100msAlgorithm:
		return "100ms_algorithm"
	default:
		return "unknown_task"
	}
}

// DeclaredCycleMs and DeclaredJitterMs give each task's nominal period
// and the maximum jitter tolerated before check_notifications (§4.E)
// raises a timing violation. TaskEngine is tickless and carries zero
// values; it is never checked for timing violations.
var DeclaredCycleMs = [NumTasks]uint32{
	TaskEngine:         0,
	Task1ms:            Cycle1msMs,
	Task10ms:           Cycle10msMs,
	Task100ms:          Cycle100msMs,
	Task100msAlgorithm: CycleAlgoMs,
}

var DeclaredJitterMs = [NumTasks]uint32{
	TaskEngine:         0,
	Task1ms:            Jitter1msMs,
	Task10ms:           Jitter10msMs,
	Task100ms:          Jitter100msMs,
	Task100msAlgorithm: JitterAlgoMs,
}
