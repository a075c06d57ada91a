package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autotrade_core/internal/models"
)

func testLimits() Limits {
	return Limits{
		MaxDailyLoss:         decimal.NewFromInt(1500),
		MaxPerTradeRisk:      decimal.NewFromInt(400),
		MaxOpenPositions:     2,
		MaxExposurePct:       60,
		ConsecutiveLossLimit: 3,
		PauseDuration:        60 * time.Minute,
		ReconcileTimeout:     30 * time.Minute,
	}
}

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestEngine() (*Engine, *fakeClock) {
	e := NewEngine(testLimits(), nil)
	clk := &fakeClock{t: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	e.SetClock(clk.now)
	return e, clk
}

var capital = decimal.NewFromInt(50000)

func admit(t *testing.T, e *Engine, symbol string) {
	t.Helper()
	_, reason, ok := e.Admit(symbol, models.Swing, decimal.NewFromInt(300), decimal.NewFromInt(5000), capital, 0)
	require.True(t, ok, "admission rejected: %s", reason)
}

func lose(e *Engine, symbol string, amount int64) {
	admitQuiet(e, symbol)
	e.ApplyClose(symbol, decimal.NewFromInt(-amount))
}

func admitQuiet(e *Engine, symbol string) {
	e.Admit(symbol, models.Swing, decimal.NewFromInt(300), decimal.NewFromInt(5000), capital, 0)
}

func TestAdmitReservesAtomically(t *testing.T) {
	e, _ := newTestEngine()

	admit(t, e, "TATASTEEL")
	s := e.Snapshot()
	assert.Equal(t, 1, s.OpenPositions)
	assert.True(t, s.TotalExposure.Equal(decimal.NewFromInt(5000)))
	require.Contains(t, s.Reservations, "TATASTEEL")

	e.ApplyClose("TATASTEEL", decimal.NewFromInt(250))
	s = e.Snapshot()
	assert.Equal(t, 0, s.OpenPositions)
	assert.True(t, s.TotalExposure.IsZero())
	assert.NotContains(t, s.Reservations, "TATASTEEL")
}

func TestDailyLossLimit(t *testing.T) {
	e, clk := newTestEngine()

	// Losses of 600, 500, 500 push the day to 1600 against a 1500
	// limit; the would-be fourth trade must be refused for the daily
	// budget, not the loss streak.
	lose(e, "A", 600)
	lose(e, "B", 500)
	lose(e, "C", 500)

	_, reason, ok := e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonDailyLossLimit, reason)

	// The three losses also started the consecutive-loss pause; the
	// daily check must still dominate while both are in force.
	clk.advance(61 * time.Minute)
	_, reason, ok = e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonDailyLossLimit, reason)

	// With the pause elapsed, the next daily reset reopens admissions.
	e.DailyReset("2026-03-03")
	_, _, ok = e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	assert.True(t, ok)
}

func TestConsecutiveLossPause(t *testing.T) {
	e, clk := newTestEngine()

	// Three small consecutive losses trigger the 60-minute pause.
	lose(e, "A", 100)
	lose(e, "B", 100)
	lose(e, "C", 100)

	clk.advance(10 * time.Minute)
	_, reason, ok := e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonConsecutivePause, reason)

	// 61 minutes after the pause began, with no intervening win, the
	// pause self-clears and the streak resets.
	clk.advance(51 * time.Minute)
	_, reason, ok = e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.True(t, ok, "expected admission after pause elapsed: %s", reason)
	assert.Equal(t, 0, e.Snapshot().ConsecutiveLosses)
}

func TestWinClearsPauseImmediately(t *testing.T) {
	e, clk := newTestEngine()

	admit(t, e, "W") // opened before the losing streak
	lose(e, "A", 100)
	lose(e, "B", 100)
	lose(e, "C", 100)
	require.NotNil(t, e.Snapshot().PauseUntil)

	// W closing green 5 minutes in clears both the pause and the streak.
	clk.advance(5 * time.Minute)
	e.ApplyClose("W", decimal.NewFromInt(50))

	s := e.Snapshot()
	assert.Nil(t, s.PauseUntil)
	assert.Equal(t, 0, s.ConsecutiveLosses)
}

func TestKillSwitchDominates(t *testing.T) {
	e, _ := newTestEngine()

	e.SetKillSwitch(true, "manual halt")
	_, reason, ok := e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonKillSwitch, reason)

	// A daily reset does NOT clear the kill switch.
	e.DailyReset("2026-03-03")
	_, reason, ok = e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonKillSwitch, reason)

	e.SetKillSwitch(false, "")
	_, _, ok = e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	assert.True(t, ok)
}

func TestDailyResetPreservesPause(t *testing.T) {
	e, clk := newTestEngine()

	lose(e, "A", 100)
	lose(e, "B", 100)
	lose(e, "C", 100)
	require.NotNil(t, e.Snapshot().PauseUntil)

	clk.advance(10 * time.Minute)
	e.DailyReset("2026-03-03")

	s := e.Snapshot()
	assert.NotNil(t, s.PauseUntil, "in-progress pause must survive the daily boundary")
	assert.True(t, s.RealizedLossToday.IsZero())
	assert.Equal(t, 0, s.ConsecutiveLosses)
}

func TestLayerConcurrencyCap(t *testing.T) {
	e, _ := newTestEngine()

	_, _, ok := e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 1)
	require.True(t, ok)

	// A second swing position exceeds the layer's cap even though the
	// global position limit still has room.
	_, reason, ok := e.Admit("B", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 1)
	require.False(t, ok)
	assert.Equal(t, ReasonLayerConcurrency, reason)

	// Other layers are unaffected by swing's cap.
	_, _, ok = e.Admit("C", models.MidTerm, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 1)
	assert.True(t, ok)

	// Closing the swing position frees its layer slot.
	e.ApplyClose("A", decimal.NewFromInt(50))
	_, _, ok = e.Admit("B", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 1)
	assert.True(t, ok)
}

func TestPerTradeRiskAndPositionLimits(t *testing.T) {
	e, _ := newTestEngine()

	_, reason, ok := e.Admit("A", models.Swing, decimal.NewFromInt(450), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonPerTradeRisk, reason)

	admit(t, e, "B")
	admit(t, e, "C")
	_, reason, ok = e.Admit("D", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonMaxOpenPositions, reason)
}

func TestExposureLimitIsAtomic(t *testing.T) {
	e, _ := newTestEngine()

	// Max exposure: 60% of 50k = 30k. First trade takes 28k; the
	// second wants 5k and must lose the race for the remaining room.
	_, _, ok := e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(28000), capital, 0)
	require.True(t, ok)

	_, reason, ok := e.Admit("B", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(5000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonExposureLimit, reason)

	// Releasing A frees the room again.
	e.Rollback("A")
	_, _, ok = e.Admit("B", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(5000), capital, 0)
	assert.True(t, ok)
}

func TestRollbackTouchesNoCounters(t *testing.T) {
	e, _ := newTestEngine()

	lose(e, "A", 100)
	lose(e, "B", 100)
	before := e.Snapshot()

	admit(t, e, "C")
	e.Rollback("C")

	after := e.Snapshot()
	assert.Equal(t, before.ConsecutiveLosses, after.ConsecutiveLosses)
	assert.True(t, before.RealizedLossToday.Equal(after.RealizedLossToday))
	assert.Equal(t, 0, after.OpenPositions)
	assert.True(t, after.TotalExposure.IsZero())
}

func TestStaleReservationSweep(t *testing.T) {
	e, clk := newTestEngine()

	admit(t, e, "A")
	clk.advance(10 * time.Minute)
	admit(t, e, "B")

	clk.advance(25 * time.Minute) // A is 35m old, B is 25m old
	stale := e.StaleReservations()
	require.Len(t, stale, 1)
	assert.Equal(t, "A", stale[0].Symbol)
}

type spyListener struct {
	violations []string
	states     []TradingState
}

func (s *spyListener) RiskStateChanged(st TradingState, _ string) { s.states = append(s.states, st) }
func (s *spyListener) InvariantViolation(d string)                { s.violations = append(s.violations, d) }

func TestInvariantViolationForcesHalt(t *testing.T) {
	spy := &spyListener{}
	e := NewEngine(testLimits(), spy)

	// A duplicate-symbol close releases more exposure than was ever
	// reserved; the engine must halt rather than trade on bad numbers.
	_, _, ok := e.Admit("A", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.True(t, ok)
	e.ApplyClose("A", decimal.Zero)

	// Re-seed a corrupt state directly: negative exposure on release.
	s := e.Snapshot()
	s.Reservations["GHOST"] = Reservation{Symbol: "GHOST", Capital: decimal.NewFromInt(999)}
	e.Seed(s)
	e.ApplyClose("GHOST", decimal.Zero)

	require.NotEmpty(t, spy.violations)
	_, reason, ok := e.Admit("B", models.Swing, decimal.NewFromInt(100), decimal.NewFromInt(1000), capital, 0)
	require.False(t, ok)
	assert.Equal(t, ReasonKillSwitch, reason)
}
