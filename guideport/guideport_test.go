package guideport_test

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/clock"
	"github.com/nasa-jpl/autoguide/guideport"
	"github.com/nasa-jpl/autoguide/mathx"
)

// recorder is a Device that remembers every command and can run a hook on each
type recorder struct {
	mu   sync.Mutex
	cmds []guideport.Command
	hook func(n int) error
}

func (r *recorder) Activate(c guideport.Command) error {
	r.mu.Lock()
	r.cmds = append(r.cmds, c)
	n := len(r.cmds)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (r *recorder) commands() []guideport.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]guideport.Command(nil), r.cmds...)
}

func newActuator() (*guideport.Actuator, *recorder, *clock.Fake) {
	dev := &recorder{}
	clk := clock.NewFake(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC))
	return guideport.NewActuator(dev, clk), dev, clk
}

func sum(cmds []guideport.Command) guideport.Command {
	var total guideport.Command
	for _, c := range cmds {
		total = total.Add(c)
	}
	return total
}

func TestSplitExclusive(t *testing.T) {
	c := guideport.Split(-1.5, 2)
	assert.Equal(t, guideport.Command{RAMinus: 1.5, DecPlus: 2}, c)
	assert.Equal(t, mathx.Point{X: -1.5, Y: 2}, c.Net())
	assert.Equal(t, 2., c.Longest())
	assert.NoError(t, c.Valid())
	assert.Error(t, guideport.Command{RAPlus: 1, RAMinus: 1}.Valid())
	assert.Error(t, guideport.Command{DecMinus: -1}.Valid())
}

func TestClampSequential(t *testing.T) {
	act, dev, clk := newActuator()
	sent, err := act.Apply(context.Background(), mathx.Point{X: 5, Y: 5}, 2, true, false)
	require.NoError(t, err)
	total := sum(dev.commands())
	if total.Total() > 2*2 {
		t.Errorf("sequential pulses sum to %f, more than 2*maxInterval", total.Total())
	}
	assert.InDelta(t, 1, total.RAPlus, 1e-12)
	assert.InDelta(t, 1, total.DecPlus, 1e-12)
	assert.Equal(t, total, sent)
	// RA first, then DEC, each on its own
	cmds := dev.commands()
	require.Len(t, cmds, 2)
	assert.Zero(t, cmds[0].DecPlus)
	assert.Zero(t, cmds[1].RAPlus)
	assert.Equal(t, 2*time.Second, clk.Total())
}

func TestClampCombined(t *testing.T) {
	act, dev, clk := newActuator()
	_, err := act.Apply(context.Background(), mathx.Point{X: 5, Y: -5}, 2, false, false)
	require.NoError(t, err)
	cmds := dev.commands()
	require.Len(t, cmds, 1)
	assert.LessOrEqual(t, cmds[0].RAPlus, 2.)
	assert.LessOrEqual(t, cmds[0].DecMinus, 2.)
	assert.Equal(t, guideport.Command{RAPlus: 2, DecMinus: 2}, cmds[0])
	// one combined pulse blocks for the longer axis only
	assert.Equal(t, 2*time.Second, clk.Total())
}

func TestScaledProportionally(t *testing.T) {
	act, dev, _ := newActuator()
	_, err := act.Apply(context.Background(), mathx.Point{X: 3, Y: 1}, 2, true, false)
	require.NoError(t, err)
	total := sum(dev.commands())
	// clamp to (2, 1), then scale by 2/3 to sum to 2
	assert.InDelta(t, 4./3, total.RAPlus, 1e-12)
	assert.InDelta(t, 2./3, total.DecPlus, 1e-12)
}

func TestPulseExclusivity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	for i := 0; i < 300; i++ {
		act, dev, _ := newActuator()
		c := mathx.Point{X: rng.NormFloat64() * 5, Y: rng.NormFloat64() * 5}
		seq, stepped := rng.Intn(2) == 0, rng.Intn(2) == 0
		_, err := act.Apply(context.Background(), c, 0.5+rng.Float64()*4, seq, stepped)
		require.NoError(t, err)
		for _, cmd := range dev.commands() {
			require.NoError(t, cmd.Valid(), "correction %v seq=%v stepped=%v", c, seq, stepped)
		}
	}
}

func TestStepped(t *testing.T) {
	act, dev, clk := newActuator()
	_, err := act.Apply(context.Background(), mathx.Point{X: 1, Y: -0.5}, 2.5, false, true)
	require.NoError(t, err)
	cmds := dev.commands()
	require.Len(t, cmds, 2)
	for _, c := range cmds {
		assert.Equal(t, guideport.Command{RAPlus: 0.5, DecMinus: 0.25}, c)
	}
	assert.Equal(t, []time.Duration{1250 * time.Millisecond, 1250 * time.Millisecond}, clk.Sleeps())
}

func TestNaNDiscarded(t *testing.T) {
	act, dev, _ := newActuator()
	sent, err := act.Apply(context.Background(), mathx.Point{X: math.NaN(), Y: 1}, 2, false, false)
	assert.NoError(t, err)
	assert.True(t, sent.IsZero())
	assert.Empty(t, dev.commands())
}

func TestCancelSkipsNextPulse(t *testing.T) {
	act, dev, _ := newActuator()
	ctx, cancel := context.WithCancel(context.Background())
	dev.hook = func(n int) error {
		cancel()
		return nil
	}
	sent, err := act.Apply(ctx, mathx.Point{X: 1, Y: 1}, 3, true, false)
	assert.ErrorIs(t, err, context.Canceled)
	// the RA pulse in flight finished, DEC never went out
	assert.Equal(t, guideport.Command{RAPlus: 1}, sent)
	assert.Len(t, dev.commands(), 1)
}

func TestDeviceErrorWrapped(t *testing.T) {
	act, dev, _ := newActuator()
	dev.hook = func(int) error { return errors.New("relay fault") }
	_, err := act.Apply(context.Background(), mathx.Point{X: 1}, 2, false, false)
	assert.ErrorIs(t, err, guideport.ErrDevice)
}

func TestDrivingProcess(t *testing.T) {
	act, dev, clk := newActuator()
	d := guideport.NewDrivingProcess(act, 2*time.Second)
	d.SetCorrection(0.5, -3)
	assert.Equal(t, mathx.Point{X: 0.5, Y: -1}, d.Correction())

	ctx, cancel := context.WithCancel(context.Background())
	dev.hook = func(n int) error {
		if n == 3 {
			cancel()
		}
		return nil
	}
	require.NoError(t, d.Run(ctx))
	cmds := dev.commands()
	require.Len(t, cmds, 3)
	for _, c := range cmds {
		assert.Equal(t, guideport.Command{RAPlus: 1, DecMinus: 2}, c)
		assert.NoError(t, c.Valid())
	}
	assert.Equal(t, 6*time.Second, clk.Total())
}

func TestDrivingProcessZeroDutyStillPaces(t *testing.T) {
	act, dev, clk := newActuator()
	d := guideport.NewDrivingProcess(act, 0)
	assert.Equal(t, time.Second, d.Interval())
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for clk.Total() < 5*time.Second {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()
	require.NoError(t, d.Run(ctx))
	assert.Empty(t, dev.commands())
	for _, s := range clk.Sleeps() {
		assert.Equal(t, time.Second, s)
	}
}

func TestDrivingProcessDeviceError(t *testing.T) {
	act, dev, _ := newActuator()
	dev.hook = func(int) error { return errors.New("port closed") }
	d := guideport.NewDrivingProcess(act, time.Second)
	d.SetCorrection(0.1, 0)
	err := d.Run(context.Background())
	assert.ErrorIs(t, err, guideport.ErrDevice)
}
