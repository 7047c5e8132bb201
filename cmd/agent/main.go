package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/PipeOpsHQ/hooktunnel/internal/agent"
	"github.com/PipeOpsHQ/hooktunnel/internal/observability"
)

const usage = `usage: agent <endpointId> <localPort> [serverUrl]

Forwards every request captured for the endpoint to http://127.0.0.1:<localPort>.
serverUrl defaults to $HOOKTUNNEL_SERVER, then ` + agent.DefaultServerURL + `.
`

func main() {
	if len(os.Args) < 3 || len(os.Args) > 4 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	port, err := strconv.Atoi(os.Args[2])
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid local port %q\n\n%s", os.Args[2], usage)
		os.Exit(1)
	}
	serverURL := envOr("HOOKTUNNEL_SERVER", agent.DefaultServerURL)
	if len(os.Args) == 4 {
		serverURL = os.Args[3]
	}

	logger := observability.NewLogger(envOr("LOG_LEVEL", "warn"), "text", os.Stderr)
	a, err := agent.New(agent.Config{
		EndpointID: os.Args[1],
		LocalPort:  port,
		ServerURL:  serverURL,
		Logger:     logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n\n%s", err, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("connecting to %s for endpoint %s\n", serverURL, os.Args[1])
	if err := a.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		stop()
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
