// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/consult/internal/app"
	"github.com/petervdpas/consult/internal/config"
	"github.com/petervdpas/consult/internal/identity"
	"github.com/petervdpas/consult/internal/rendezvous"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configName = "consult.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Consult v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	switch command := args[0]; command {
	case "broker":
		if len(args) < 2 {
			usageError("broker command requires directory path", "consult broker <directory>")
		}
		run(args[1], "Broker", func(ctx context.Context, o app.Options) error {
			return app.RunBroker(ctx, o)
		})

	case "serve":
		if len(args) < 2 {
			usageError("serve command requires directory path", "consult serve <directory>")
		}
		run(args[1], "Participant", func(ctx context.Context, o app.Options) error {
			return app.RunParticipant(ctx, o, nil)
		})

	case "join":
		if len(args) < 4 {
			usageError("join command requires directory, role and appointment id",
				"consult join <directory> <doctor|patient> <appointment-id>")
		}
		role, err := identity.ParseRole(args[2])
		if err != nil {
			log.Fatalf("Invalid role: %v", err)
		}
		join := &app.Join{AppointmentID: args[3], Role: role}
		run(args[1], "Call", func(ctx context.Context, o app.Options) error {
			return app.RunParticipant(ctx, o, join)
		})

	case "hash-password":
		if len(args) < 2 {
			usageError("hash-password command requires a password", "consult hash-password <password>")
		}
		h, err := rendezvous.HashPassword(args[1])
		if err != nil {
			log.Fatalf("Hash failed: %v", err)
		}
		fmt.Println(h)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func usageError(msg, usage string) {
	fmt.Fprintln(os.Stderr, "Error: "+msg)
	fmt.Fprintln(os.Stderr, "Usage: "+usage)
	os.Exit(1)
}

func run(dirArg, what string, fn func(context.Context, app.Options) error) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	if err := config.LoadDotEnv(absDir); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}
	cfgPath := filepath.Join(absDir, configName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}
	if err := app.ConfigureLogging(cfg.Log.Level); err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := fn(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("%s failed: %v", what, err)
	}
}

func showUsage() {
	fmt.Println("Consult - peer-to-peer video consultations")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  consult broker <directory>                       Run the rendezvous broker")
	fmt.Println("  consult serve <directory>                        Run a participant node with its local API")
	fmt.Println("  consult join <directory> <role> <appointment>    Run one call and exit when it ends")
	fmt.Println("  consult hash-password <password>                 Print a bcrypt hash for broker.admin_password_hash")
	fmt.Println()
	fmt.Println("The directory holds " + configName + " (created with defaults if missing)")
	fmt.Println("and an optional .env whose CONSULT_* variables override it.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  consult broker ./broker")
	fmt.Println("  consult serve ./clinic")
	fmt.Println("  consult join ./clinic doctor A1")
}
