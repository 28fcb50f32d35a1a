package guideport

import (
	"context"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/nasa-jpl/autoguide/comm"
)

const (
	// lx200Term terminates every LX200 command
	lx200Term = '#'

	// maxLX200Pulse is the longest pulse one :Mg command can carry, in ms
	maxLX200Pulse = 9999

	// busySlack forgives activations that arrive just before the previous
	// pulse has ended, the caller timed the pulse from a slightly earlier start
	busySlack = 50 * time.Millisecond
)

// makeSerConf makes a new serial.Config with the LX200 line settings
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// LX200 is a mount speaking the Meade LX200 protocol, guided with the
// :Mg<dir><ms># pulse guide commands.  RA+ is east, DEC+ is north.
//
// Pulse guide commands do not block on the mount, so Activate returns as soon
// as the commands are written.  Activations that overlap a running pulse are
// rejected with ErrBusy.
type LX200 struct {
	pool    *comm.Pool
	limiter *rate.Limiter

	mu        sync.Mutex
	busyUntil time.Time
}

// NewLX200 returns a mount on a serial port (connectSerial) or a TCP address
func NewLX200(addr string, connectSerial bool) *LX200 {
	var maker comm.CreationFunc
	if connectSerial {
		maker = comm.SerialConnMaker(makeSerConf(addr))
	} else {
		maker = comm.BackingOffTCPConnMaker(addr, 1*time.Second)
	}
	return &LX200{
		pool: comm.NewPool(1, time.Minute, maker),
		// many hand controllers drop commands sent back to back
		limiter: rate.NewLimiter(rate.Every(20*time.Millisecond), 2),
	}
}

func lx200Pulse(dir byte, secs float64) string {
	ms := int(math.Round(secs * 1000))
	if ms > maxLX200Pulse {
		Logf("guideport: LX200 pulse of %d ms limited to %d ms", ms, maxLX200Pulse)
		ms = maxLX200Pulse
	}
	return fmt.Sprintf(":Mg%c%04d", dir, ms)
}

// Commands returns the LX200 commands, without terminators, that carry out cmd
func (l *LX200) Commands(cmd Command) []string {
	var out []string
	add := func(dir byte, secs float64) {
		if secs > 0 {
			out = append(out, lx200Pulse(dir, secs))
		}
	}
	add('e', cmd.RAPlus)
	add('w', cmd.RAMinus)
	add('n', cmd.DecPlus)
	add('s', cmd.DecMinus)
	return out
}

// Activate implements Device
func (l *LX200) Activate(cmd Command) (err error) {
	if err := cmd.Valid(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	if now.Before(l.busyUntil) {
		return ErrBusy
	}
	cmds := l.Commands(cmd)
	if len(cmds) == 0 {
		return nil
	}

	conn, err := l.pool.Get()
	if err != nil {
		return err
	}
	defer func() { l.pool.ReturnWithError(conn, err) }()
	wrap := comm.NewTerminator(conn, lx200Term, lx200Term)
	for _, c := range cmds {
		if err = l.limiter.Wait(context.Background()); err != nil {
			return err
		}
		if _, err = io.WriteString(wrap, c); err != nil {
			return err
		}
	}
	longest := time.Duration(math.Min(cmd.Longest()*1000, maxLX200Pulse)) * time.Millisecond
	l.busyUntil = now.Add(longest - busySlack)
	return nil
}
