package frame

import (
	"encoding/binary"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNegotiateAgreesOnMinOfBothSides(t *testing.T) {
	// Both sides run at once, so each needs a read that blocks until the
	// other has written: two OS pipes, one per direction.
	r1, w1, err := os.Pipe()
	require.NoError(t, err)
	r2, w2, err := os.Pipe()
	require.NoError(t, err)
	defer func() { r1.Close(); w1.Close(); r2.Close(); w2.Close() }()
	left := struct {
		io.Reader
		io.Writer
	}{r1, w2}
	right := struct {
		io.Reader
		io.Writer
	}{r2, w1}

	type result struct {
		codec *Codec
		err   error
	}
	leftCh := make(chan result, 1)
	rightCh := make(chan result, 1)

	go func() {
		c, err := Negotiate(left)
		leftCh <- result{c, err}
	}()
	go func() {
		c, err := Negotiate(right)
		rightCh <- result{c, err}
	}()

	lr := <-leftCh
	rr := <-rightCh
	require.NoError(t, lr.err)
	require.NoError(t, rr.err)
	assert.Equal(t, lr.codec.MaxPayload(), rr.codec.MaxPayload())
}

func TestNegotiateRejectsBelowMinimum(t *testing.T) {
	left, right := newLoopbackPair()

	var undersize [2]byte
	binary.BigEndian.PutUint16(undersize[:], MinimumMessageSize-1)
	left.w.Write(undersize[:])

	done := make(chan struct{})
	go func() {
		// drain the local-size announcement Negotiate(right) writes out,
		// which otherwise nobody reads in this one-sided test.
		buf := make([]byte, 2)
		left.r.Read(buf)
		close(done)
	}()

	_, err := Negotiate(right)
	assert.Error(t, err)
	<-done
}
