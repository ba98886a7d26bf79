package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	apiAddr      = flag.String("api", "http://127.0.0.1:8089", "routetrackd API base URL")
	apiKey       = flag.String("api-key", os.Getenv("ROUTETRACK_API_KEY"), "API key sent as X-API-Key")
	outputFormat = flag.String("format", "standard", "Output format: standard, json")
	timeout      = flag.Duration("timeout", 30*time.Second, "Operation timeout")
	estimated    = flag.Bool("estimated", false, "Include estimated points in GPX exports")
	version      = flag.Bool("version", false, "Show version information")
)

const (
	AppName    = "routetrackctl"
	AppVersion = "1.0.0"
)

func main() {
	flag.Usage = showUsage
	flag.Parse()

	if *version {
		fmt.Printf("%s version %s\n", AppName, AppVersion)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := newClient(*apiAddr, *apiKey)
	if err := dispatch(ctx, c, args, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// dispatch runs one command and writes its result to out
func dispatch(ctx context.Context, c *client, args []string, out io.Writer) error {
	cmd, rest := args[0], args[1:]

	var (
		result json.RawMessage
		err    error
	)
	switch cmd {
	case "status":
		result, err = c.do(ctx, "GET", "/api/status", nil)
	case "sync":
		result, err = c.do(ctx, "POST", "/api/sync", nil)
	case "online", "offline":
		result, err = c.do(ctx, "POST", "/api/network/"+cmd, nil)
	case "start":
		if len(rest) != 1 {
			return fmt.Errorf("usage: start <employee-id>")
		}
		result, err = c.do(ctx, "POST", "/api/sessions", map[string]string{"employee_id": rest[0]})
	case "session":
		result, err = c.do(ctx, "GET", "/api/sessions/current", nil)
	case "pause", "resume", "stop":
		result, err = c.do(ctx, "POST", "/api/sessions/current/"+cmd, nil)
	case "stuck":
		result, err = c.do(ctx, "GET", "/api/queue/stuck", nil)
	case "requeue":
		if len(rest) != 2 || (rest[0] != "locations" && rest[0] != "sessions") {
			return fmt.Errorf("usage: requeue <locations|sessions> <id>")
		}
		result, err = c.do(ctx, "POST", "/api/queue/"+rest[0]+"/"+rest[1]+"/requeue", nil)
	case "purge":
		result, err = c.do(ctx, "POST", "/api/queue/purge", nil)
	case "position":
		result, err = c.do(ctx, "GET", "/api/position", nil)
	case "battery":
		if len(rest) < 1 {
			return fmt.Errorf("usage: battery <level 0..1> [charging]")
		}
		level, perr := strconv.ParseFloat(rest[0], 64)
		if perr != nil {
			return fmt.Errorf("invalid battery level %q: %w", rest[0], perr)
		}
		charging := len(rest) > 1 && rest[1] == "charging"
		result, err = c.do(ctx, "POST", "/api/battery", map[string]interface{}{"level": level, "charging": charging})
	case "gpx":
		if len(rest) != 1 {
			return fmt.Errorf("usage: gpx <session-id>")
		}
		path := "/api/sessions/" + rest[0] + "/gpx"
		if *estimated {
			path += "?estimated=1"
		}
		data, gerr := c.raw(ctx, "GET", path)
		if gerr != nil {
			return gerr
		}
		_, err = out.Write(data)
		return err
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}
	return render(out, *outputFormat, result)
}

// render prints a JSON response either verbatim or as key: value lines
func render(out io.Writer, format string, data json.RawMessage) error {
	if len(data) == 0 {
		fmt.Fprintln(out, "ok")
		return nil
	}
	if format == "json" {
		_, err := fmt.Fprintln(out, strings.TrimSpace(string(data)))
		return err
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err != nil {
		_, err := fmt.Fprintln(out, strings.TrimSpace(string(data)))
		return err
	}
	printObject(out, "", obj)
	return nil
}

func printObject(out io.Writer, indent string, obj map[string]interface{}) {
	for _, key := range sortedKeys(obj) {
		switch v := obj[key].(type) {
		case map[string]interface{}:
			fmt.Fprintf(out, "%s%s:\n", indent, key)
			printObject(out, indent+"  ", v)
		case []interface{}:
			fmt.Fprintf(out, "%s%s: %d item(s)\n", indent, key, len(v))
			for _, item := range v {
				if m, ok := item.(map[string]interface{}); ok {
					printObject(out, indent+"  - ", m)
				} else {
					fmt.Fprintf(out, "%s  - %v\n", indent, item)
				}
			}
		default:
			fmt.Fprintf(out, "%s%s: %v\n", indent, key, v)
		}
	}
}

func showUsage() {
	fmt.Fprintf(os.Stderr, `%s %s - control a running routetrackd

Usage: %s [flags] <command> [args]

Commands:
  status                          Sync status and queue counters
  sync                            Drain the queue now
  online | offline                Force the connectivity state
  start <employee-id>             Start a route session
  session                         Current session and its metrics
  pause | resume | stop           Session lifecycle
  stuck                           Records that exhausted their sync attempts
  requeue <locations|sessions> <id>
                                  Reset a stuck record's attempts
  purge                           Remove synced records
  position                        Current position or estimate
  battery <level> [charging]      Report battery telemetry
  gpx <session-id>                Export a session as GPX

Flags:
`, AppName, AppVersion, AppName)
	flag.PrintDefaults()
}
