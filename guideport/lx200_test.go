package guideport_test

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nasa-jpl/autoguide/guideport"
)

// fakeMount accepts one connection and forwards every #-terminated command
func fakeMount(t *testing.T) (string, <-chan string) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	out := make(chan string, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			s, err := r.ReadString('#')
			if err != nil {
				return
			}
			out <- s
		}
	}()
	return ln.Addr().String(), out
}

func TestLX200Commands(t *testing.T) {
	m := guideport.NewLX200("unused", false)
	cmds := m.Commands(guideport.Command{RAMinus: 0.25, DecPlus: 1.5})
	assert.Equal(t, []string{":Mgw0250", ":Mgn1500"}, cmds)
	cmds = m.Commands(guideport.Command{RAPlus: 20})
	assert.Equal(t, []string{":Mge9999"}, cmds)
}

func TestLX200Activate(t *testing.T) {
	addr, got := fakeMount(t)
	m := guideport.NewLX200(addr, false)
	require.NoError(t, m.Activate(guideport.Command{RAPlus: 0.1, DecMinus: 0.2}))

	for _, want := range []string{":Mge0100#", ":Mgs0200#"} {
		select {
		case s := <-got:
			assert.Equal(t, want, s)
		case <-time.After(2 * time.Second):
			t.Fatalf("mount never received %s", want)
		}
	}

	// the 200 ms pulse is still running
	assert.ErrorIs(t, m.Activate(guideport.Command{RAPlus: 0.1}), guideport.ErrBusy)
	time.Sleep(250 * time.Millisecond)
	assert.NoError(t, m.Activate(guideport.Command{RAPlus: 0.1}))
}

func TestLX200RejectsInvalid(t *testing.T) {
	m := guideport.NewLX200("unused", false)
	assert.Error(t, m.Activate(guideport.Command{RAPlus: 1, RAMinus: 1}))
}
