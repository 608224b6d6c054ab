// Command unique runs at most one instance per identity. The first instance
// keeps running and prints the arguments of every later launch attempt; later
// instances forward their arguments to it and exit.
//
//	unique -id myapp -- --open file.txt
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/unique"
	"github.com/ngrok/unique/loop"
	"github.com/ngrok/unique/serialize"
	"golang.org/x/sync/errgroup"
)

var (
	id          = flag.String("id", "unique", "Application identity to run as")
	runtimeDir  = flag.String("runtime-dir", "", "Directory for coordination sockets (defaults to $"+unique.RuntimeDirEnv+", then $XDG_RUNTIME_DIR/unique)")
	pongTimeout = flag.Duration("pong-timeout", unique.DefaultPongTimeout, "How long to wait for a running instance to answer")
	verbose     = flag.Bool("v", false, "Log debug output to stderr")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "unique: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	lvl := log15.LvlInfo
	if *verbose {
		lvl = log15.LvlDebug
	}
	l := log15.New("pid", os.Getpid())
	l.SetHandler(log15.LvlFilterHandler(lvl, log15.StreamHandler(os.Stderr, log15.LogfmtFormat())))

	args := []interface{}{}
	for _, arg := range flag.Args() {
		args = append(args, arg)
	}

	lp := loop.New(loop.WithLogger(l))
	var m *unique.Manager
	m, err := unique.New(lp, *id,
		unique.WithLogger(l),
		unique.WithRuntimeDir(*runtimeDir),
		unique.WithPongTimeout(*pongTimeout),
		unique.WithSignalCleanup(os.Interrupt, syscall.SIGTERM),
		unique.WithStartPayload(func() interface{} {
			return map[string]interface{}{"args": args}
		}),
		unique.OnStartAttempt(func(payload serialize.Value) interface{} {
			fmt.Printf("start attempt: %s\n", payload)
			return map[string]interface{}{
				"pid":  os.Getpid(),
				"time": time.Now().Format(time.RFC3339),
			}
		}),
		unique.OnAlreadyRunning(func(ack serialize.Value) {
			fmt.Printf("already running: %s\n", ack)
		}),
		unique.OnDisplaced(func() {
			l.Warn("another instance took over, exiting")
			m.Quit()
		}),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(context.Background())
	g.Go(func() error {
		return lp.Run(ctx)
	})
	g.Go(func() error {
		defer lp.Stop()
		if err := m.Run(ctx); err != nil {
			return err
		}
		if m.Role() == unique.RoleServer {
			fmt.Printf("running as %s (socket %s)\n", *id, m.Address())
		}
		select {
		case <-m.Done():
		case <-ctx.Done():
		}
		return nil
	})
	return g.Wait()
}
