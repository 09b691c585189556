// jingle-loopback negotiates a jingle session between two in-process
// endpoints and prints the result.
//
// The endpoints exchange signaling over an in-memory pipe. Candidates are
// real UDP sockets answering STUN binding requests unless --memory is set.
//
// Usage:
//
//	jingle-loopback [options]
//
// Options:
//
//	--config      TOML file (keys: log_level, timeout, transport, candidates,
//	              media, initiator, responder, address, memory)
//	--log-level   disable|error|warn|info|debug|trace (default: info)
//	--timeout     run timeout (default: 10s)
//	--transport   raw-udp|ice (default: ice)
//	--candidates  candidates per content (default: 2)
//	--media       contents to negotiate (default: audio,video)
//
// Example:
//
//	jingle-loopback --transport raw-udp --media audio --log-level debug
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/backkem/jingle/examples/common"
	"github.com/backkem/jingle/examples/loopback"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	opts, err := common.ParseFlags("jingle-loopback", args)
	if err != nil {
		return err
	}

	lf, err := common.NewLoggerFactory(opts.LogLevel)
	if err != nil {
		return err
	}

	ctx, cancel := common.RunContext(opts.Timeout)
	defer cancel()

	report, err := loopback.Run(ctx, opts, lf)
	if err != nil {
		return fmt.Errorf("loopback: %w", err)
	}

	fmt.Printf("session %s (%s)\n", report.SessionID, opts.Transport)
	for _, c := range report.Contents {
		fmt.Printf("  %-6s %-24s %s <-> %s\n", c.Name, c.Payload, c.Local.HostPort(), c.Remote.HostPort())
	}
	fmt.Printf("ended: %s\n", report.Reason)
	return nil
}
