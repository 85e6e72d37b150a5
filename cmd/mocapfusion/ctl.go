package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/banshee-data/mocapfusion/internal/api"
)

const ctlUsage = `usage: mocapfusion ctl [-addr URL] <command> [args]

commands:
  status
  record
  stop-record
  play <source> <name> [start-ms] [end-ms]
  pause
  resume
  stop
  jump <offset-ms>
  sessions <source>
  delete <source> <name>
`

// runCtl executes one control command and prints the JSON reply. It
// returns the process exit code.
func runCtl(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("ctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8090", "Control plane base URL")
	host := fs.String("host", "", "Register host as a UDP receiver when playing")
	port := fs.Int("port", 0, "UDP receiver port when playing")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fmt.Fprint(stderr, ctlUsage)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	c := api.NewClient(*addr, nil)

	result, err := dispatchCtl(ctx, c, fs.Args(), *host, *port)
	if err != nil {
		fmt.Fprintf(stderr, "ctl: %v\n", err)
		if _, usage := err.(usageError); usage {
			fmt.Fprint(stderr, ctlUsage)
			return 2
		}
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(stderr, "ctl: %v\n", err)
		return 1
	}
	return 0
}

type usageError string

func (e usageError) Error() string { return string(e) }

func dispatchCtl(ctx context.Context, c *api.Client, args []string, host string, port int) (interface{}, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "status":
		return c.Status(ctx)
	case "record":
		return c.Record(ctx)
	case "stop-record":
		return c.StopRecord(ctx)
	case "pause":
		return c.Pause(ctx)
	case "resume":
		return c.Resume(ctx)
	case "stop":
		return c.Stop(ctx)
	case "jump":
		if len(rest) != 1 {
			return nil, usageError("jump takes one offset")
		}
		ms, err := strconv.ParseInt(rest[0], 10, 64)
		if err != nil {
			return nil, usageError("jump offset must be an integer")
		}
		return c.Jump(ctx, ms)
	case "sessions":
		if len(rest) != 1 {
			return nil, usageError("sessions takes a source")
		}
		return c.Sessions(ctx, rest[0])
	case "delete":
		if len(rest) != 2 {
			return nil, usageError("delete takes a source and a name")
		}
		if err := c.DeleteSession(ctx, rest[0], rest[1]); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": rest[1], "source": rest[0]}, nil
	case "play":
		if len(rest) < 2 || len(rest) > 4 {
			return nil, usageError("play takes a source, a name and an optional window")
		}
		start, end := int64(0), int64(-1)
		var err error
		if len(rest) > 2 {
			if start, err = strconv.ParseInt(rest[2], 10, 64); err != nil {
				return nil, usageError("start must be an integer")
			}
		}
		if len(rest) > 3 {
			if end, err = strconv.ParseInt(rest[3], 10, 64); err != nil {
				return nil, usageError("end must be an integer")
			}
		}
		return c.Play(ctx, rest[0], rest[1], start, end, host, port)
	default:
		return nil, usageError(fmt.Sprintf("unknown command %q", cmd))
	}
}
