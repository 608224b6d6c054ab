package unique

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/ngrok/unique/internal/proto"
	"github.com/ngrok/unique/loop"
	"github.com/ngrok/unique/serialize"
	"github.com/stretchr/testify/require"
)

type helper struct {
	name   string
	cmd    *exec.Cmd
	stdout bytes.Buffer
	stderr bytes.Buffer
	done   chan error
}

// startHelper runs funcName in a child process, as a separate instance of
// testIdentity in dir.
func startHelper(t *testing.T, dir string, funcName string) *helper {
	h := &helper{
		name: funcName,
		cmd:  exec.Command(os.Args[0], "-test.run=TestSpawnHelper", "--"),
		done: make(chan error, 1),
	}
	h.cmd.Env = append(os.Environ(),
		"MAIN_FUNC="+funcName,
		"__UNIQUE_TEST_PROCESS=1",
		"UNIQUE_TEST_DIR="+dir,
	)
	h.cmd.Stdout = &h.stdout
	h.cmd.Stderr = &h.stderr
	require.NoError(t, h.cmd.Start())
	go func() {
		h.done <- h.cmd.Wait()
	}()
	t.Cleanup(func() {
		h.cmd.Process.Kill()
	})
	return h
}

// wait returns the helper's output and exit status.
func (h *helper) wait(t *testing.T) (string, string, int) {
	var err error
	select {
	case err = <-h.done:
	case <-time.After(10 * time.Second):
		h.cmd.Process.Kill()
		t.Fatalf("helper %s did not exit", h.name)
	}
	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	} else {
		require.NoError(t, err)
	}
	return h.stdout.String(), h.stderr.String(), code
}

func TestProcessAlreadyRunning(t *testing.T) {
	dir := tmpDir(t)
	attempts := make(chan serialize.Value, 1)
	server := newInstance(t, newLoop(t), dir, 1, OnStartAttempt(func(payload serialize.Value) interface{} {
		attempts <- payload
		return "welcome"
	}))
	require.NoError(t, server.m.Run(testCtx(t)))

	stdout, stderr, code := startHelper(t, dir, "client").wait(t)
	require.Equal(t, 0, code, "stderr: %s", stderr)
	require.Equal(t, "ack: welcome\n", stdout)

	// by default a client forwards its command line arguments
	payload := recvValue(t, attempts)
	require.Equal(t, map[string]interface{}{
		"args": []interface{}{"-test.run=TestSpawnHelper", "--"},
	}, payload.Interface())
}

func TestProcessLaunchFailed(t *testing.T) {
	dir := tmpDir(t)
	ln := listenRaw(t, testAddress(t, dir))
	require.NoError(t, ln.SetDeadline(time.Now().Add(10*time.Second)))

	h := startHelper(t, dir, "client")

	// answer the handshake, then hang up on the start attempt
	c, err := ln.Accept()
	require.NoError(t, err)
	server := newRawConn(t, c)
	server.expect(t, proto.Ping)
	server.send(t, proto.Message{Type: proto.Pong})
	server.expect(t, proto.Notify)
	c.Close()

	_, stderr, code := h.wait(t)
	require.Equal(t, 1, code)
	require.Contains(t, stderr, "could not reach running instance")
}

// TestSpawnHelper isn't a real test, it's run from other tests in this file
// in order to have a real child process to play with.
func TestSpawnHelper(t *testing.T) {
	if os.Getenv("__UNIQUE_TEST_PROCESS") == "" {
		// running as a 'go test' test, nothing to do here
		return
	}

	funcName := os.Getenv("MAIN_FUNC")
	switch funcName {
	case "client":
		os.Exit(mainClient())
	default:
		fmt.Fprintf(os.Stderr, "unknown main function: %v", funcName)
		os.Exit(1)
	}
}

// mainClient runs an instance expected to find a server. The manager exits
// the process once its launch attempt is over.
func mainClient() int {
	ctx := context.Background()
	lp := loop.New()
	m, err := New(lp, testIdentity,
		WithRuntimeDir(os.Getenv("UNIQUE_TEST_DIR")),
		WithPongTimeout(5*time.Second),
		OnAlreadyRunning(func(ack serialize.Value) {
			s, _ := ack.Str()
			fmt.Printf("ack: %s\n", s)
		}),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v", err)
		return 2
	}
	if err := m.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v", err)
		return 2
	}
	if m.Role() != RoleClient {
		fmt.Fprintf(os.Stderr, "expected to be a client, was %v", m.Role())
		return 3
	}
	if err := lp.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v", err)
	}
	return 4
}
