package verifier

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// silentServer accepts connections and never answers.
func silentServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()
	return ln.Addr().String()
}

func TestCtxDialer_ClosesWhenContextEnds(t *testing.T) {
	addr := silentServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := ctxDialer{ctx: ctx}.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	_, err = conn.Read(make([]byte, 16))
	assert.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCtxDialer_RefusesDoneContext(t *testing.T) {
	addr := silentServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ctxDialer{ctx: ctx}.Dial("tcp", addr)
	assert.ErrorIs(t, err, context.Canceled)
}
