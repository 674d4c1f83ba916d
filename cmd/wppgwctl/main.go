package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/contactevin2u/chatunclev2-sub001/internal/config"
)

func main() {
	dataDirFlag := flag.String("data-dir", "", "data directory (overrides "+config.DataDirEnv+")")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	paths := config.Paths{DataDir: config.ResolveDataDir(*dataDirFlag)}
	conn, err := grpc.NewClient(
		"unix://"+paths.Socket(),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()
	c := healthpb.NewHealthClient(conn)

	switch args[0] {
	case "status":
		account := ""
		if len(args) >= 2 {
			account = args[1]
		}
		cmdStatus(c, account, *jsonFlag)
	case "watch":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: wppgwctl watch <account>")
			os.Exit(1)
		}
		cmdWatch(c, args[1], *jsonFlag)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: wppgwctl [--data-dir <dir>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status [account]   Show daemon or account status")
	fmt.Fprintln(os.Stderr, "  watch <account>    Stream account status changes")
}

type statusLine struct {
	Account string `json:"account,omitempty"`
	Status  string `json:"status"`
}

func cmdStatus(c healthpb.HealthClient, account string, jsonOut bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := c.Check(ctx, &healthpb.HealthCheckRequest{Service: account})
	if status.Code(err) == codes.NotFound {
		fmt.Fprintf(os.Stderr, "error: unknown account %q\n", account)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	printLine(statusLine{Account: account, Status: describe(account, resp.Status)}, jsonOut)
}

func cmdWatch(c healthpb.HealthClient, account string, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Watch(ctx, &healthpb.HealthCheckRequest{Service: account})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	for {
		resp, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		printLine(statusLine{Account: account, Status: describe(account, resp.Status)}, jsonOut)
	}
}

// describe names a serving status. The empty service is the daemon itself.
func describe(account string, s healthpb.HealthCheckResponse_ServingStatus) string {
	switch s {
	case healthpb.HealthCheckResponse_SERVING:
		if account == "" {
			return "running"
		}
		return "connected"
	case healthpb.HealthCheckResponse_NOT_SERVING:
		return "not connected"
	case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
		return "unknown"
	default:
		return s.String()
	}
}

func printLine(line statusLine, jsonOut bool) {
	if jsonOut {
		outputJSON(line)
		return
	}
	if line.Account == "" {
		fmt.Printf("Daemon: %s\n", line.Status)
		return
	}
	fmt.Printf("%-20s %s\n", line.Account, line.Status)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
