// Device Hub - command and control for a fleet of display devices.
//
// Devices hold one WebSocket each to the hub, authenticate with a
// per-device secret, and receive commands and settings pushed by
// operators over the HTTP API.
//
// Usage:
//
//	devicehub [serve]
//	devicehub hash-secret < secret.txt
//	devicehub issue-token -role operator -ttl 8h alice
//	devicehub add-device -name "Lobby screen" -location lobby lobby-1
//	devicehub set-group -name "Ground floor" ground-floor lobby-1 cafe-1
//
// Configuration is read from DEVICEHUB_CONFIG (default configs/config.yaml).
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const defaultConfigPath = "configs/config.yaml"

const usage = `devicehub - device command and control hub

Usage:
  devicehub [command] [flags] [args]

Commands:
  serve        Run the hub (default)
  hash-secret  Hash a device secret read from stdin
  issue-token  Issue an operator bearer token
  add-device   Register a device and set its secret
  set-group    Create or replace a device group

Use "devicehub <command> -help" for more information about a command.
`

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := dispatch(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch picks the subcommand named by the first argument.
func dispatch(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return run(ctx)
	case "hash-secret":
		return runHashSecret(stdin, stdout)
	case "issue-token":
		return runIssueToken(args, stdout)
	case "add-device":
		return runAddDevice(ctx, args, stdin, stdout)
	case "set-group":
		return runSetGroup(ctx, args, stdout)
	case "-h", "-help", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n\n%s", cmd, usage)
	}
}

func getConfigPath() string {
	if path := os.Getenv("DEVICEHUB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}
