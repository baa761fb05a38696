// Command submitcli is a local harness that drives submit() against an
// in-process core, the way the teacher's cmd/ocx-cli drives govern()
// against a running gateway over HTTP. Since HTTP ingress is out of scope
// for this core (spec §1), this harness builds the same C1-C9 wiring
// dispatchd does, in-process and local-only (no Redis), and submits one
// file per invocation.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/ocx/dragonpipe/internal/analyzer"
	"github.com/ocx/dragonpipe/internal/breaker"
	"github.com/ocx/dragonpipe/internal/bus"
	"github.com/ocx/dragonpipe/internal/config"
	"github.com/ocx/dragonpipe/internal/dedupcache"
	"github.com/ocx/dragonpipe/internal/dispatch"
	"github.com/ocx/dragonpipe/internal/events"
	"github.com/ocx/dragonpipe/internal/governor"
	"github.com/ocx/dragonpipe/internal/security"
	"github.com/ocx/dragonpipe/internal/tracking"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "submit":
		cmdSubmit(os.Args[2:])
	case "version":
		fmt.Printf("submitcli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`dragonpipe submitcli v` + version + `

Usage: submitcli submit --file <path> --mime <class> [--client <id>] [--priority <n>]

Commands:
  submit    Submit one local file for authenticity analysis
  version   Print version
  help      Show this help

Environment:
  DRAGONPIPE_CONFIG_PATH   Optional path to a YAML config overriding defaults`)
}

func cmdSubmit(args []string) {
	var filePath, mimeClass, clientID string
	priority := 0

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--file", "-f":
			i++
			if i < len(args) {
				filePath = args[i]
			}
		case "--mime", "-m":
			i++
			if i < len(args) {
				mimeClass = args[i]
			}
		case "--client", "-c":
			i++
			if i < len(args) {
				clientID = args[i]
			}
		case "--priority", "-p":
			i++
			if i < len(args) {
				fmt.Sscanf(args[i], "%d", &priority)
			}
		}
	}

	if filePath == "" || mimeClass == "" {
		fmt.Fprintln(os.Stderr, "--file and --mime are required")
		printUsage()
		os.Exit(1)
	}
	if clientID == "" {
		clientID = "submitcli"
	}

	f, err := os.Open(filePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open %s: %v\n", filePath, err)
		os.Exit(1)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to stat %s: %v\n", filePath, err)
		os.Exit(1)
	}

	head := make([]byte, 16)
	n, _ := f.Read(head)
	head = head[:n]
	if _, err := f.Seek(0, 0); err != nil {
		fmt.Fprintf(os.Stderr, "failed to rewind %s: %v\n", filePath, err)
		os.Exit(1)
	}

	cfg, err := config.Load(os.Getenv("DRAGONPIPE_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Concurrency.MaxConcurrent,
		QueueLimit:    cfg.Concurrency.QueueLimit,
		RateWindow:    time.Duration(cfg.Concurrency.RateWindowMs) * time.Millisecond,
		RateMax:       cfg.Concurrency.RateMax,
	}, nil)
	brk := breaker.New(breaker.Config{
		Name:             "pipeline",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
	}, nil)
	cache := dedupcache.New(nil, "")
	tracker := tracking.New(nil, "")
	busClient := bus.New(nil) // no Redis in this harness; mirror/superior always degrade to timeout
	analyzers := analyzer.NewRegistry(time.Duration(cfg.Concurrency.DefaultTimeoutMs) * time.Millisecond)
	validator := security.New(cfg.Security.MaxFileMB, cfg.Security.AllowedMimeClasses, cfg.Security.HeaderValidate)
	eventBus := events.New()

	dispatcher := dispatch.New(gov, brk, cache, tracker, busClient, analyzers, validator, eventBus, cfg.Performance)

	req := dispatch.SubmitRequest{
		File: dispatch.FileArtifact{
			Reader:    f,
			SizeBytes: info.Size(),
			MimeClass: mimeClass,
			Head:      head,
		},
		ClientID: clientID,
		Priority: priority,
	}

	verdict, err := dispatcher.Submit(context.Background(), req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "submit failed: %v\n", err)
		os.Exit(1)
	}

	out, _ := json.MarshalIndent(verdict, "", "  ")
	fmt.Println(string(out))
}
