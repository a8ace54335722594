package bridge

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/meshbus/pkg/bus"
)

const childModeArg = "MESHBUS_CHILD"

func TestMain(m *testing.M) {
	for _, arg := range os.Args[1:] {
		if arg == childModeArg {
			runChildProcess()
			return
		}
	}
	os.Exit(m.Run())
}

// runChildProcess is the re-exec'd side of TestConnectProcess: a bus
// bridged over stdio with a reverse service on it. Nothing else may touch
// stdout here, it is the bridge transport.
func runChildProcess() {
	b := bus.New()
	p := ConnectStdio(b, zerolog.Nop())
	_ = newReverser(b)
	<-p.Done()
}

func TestConnectProcess(t *testing.T) {
	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	exited := make(chan int, 1)
	p, err := ConnectProcess(ctx, b, os.Args[0], []string{childModeArg},
		func(code int) { exited <- code }, zerolog.Nop())
	require.NoError(t, err)
	defer p.Close()

	require.True(t, b.WaitForChannel("reverse", 5*time.Second), "child service must appear")

	result := make(chan string, 1)
	cn := bus.NewClient(b, func(c *bus.Client, msg bus.Message, pm bool) {
		result <- msg.Content
	})
	require.NoError(t, cn.SendMessage("reverse", "ahoj svete", 0))
	select {
	case r := <-result:
		assert.Equal(t, "etevs joha", r)
	case <-time.After(5 * time.Second):
		t.Fatal("no reply from the child process")
	}

	cancel()
	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("child did not exit after stop request")
	}
}
