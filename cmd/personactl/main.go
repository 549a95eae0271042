package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/mako10k/mcp-llm-generator-sub001/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage(w io.Writer) {
	name := "personactl"
	fmt.Fprintf(w, `Usage of %[1]s:

  %[1]s [daemon]                   Run the governance daemon (integrity sweeper,
                                   policy hot reload) until SIGINT/SIGTERM
  %[1]s init                       Write default config.yaml and policy.yaml
  %[1]s verify [-persona ID] [-json]
                                   Verify merge audit chains
  %[1]s doctor [-json]             Run diagnostic checks
  %[1]s status [-json]             Show store statistics
  %[1]s bootstrap                  Grant admin to the earliest persona
  %[1]s backup <dest>              Write an online copy of the database

ENVIRONMENT VARIABLES:
  MCPGEN_HOME                  Data directory (default: ~/.mcpgen)
  MCPGEN_DB_PATH               Database path (default: $MCPGEN_HOME/governance.db)
  MCPGEN_LOG_LEVEL             debug, info, warn or error
  MCPGEN_INTEGRITY_SCHEDULE    Cron spec for the sweeper, or "off"
  MCPGEN_NO_COLOR              Set to disable styled output

A .env file in the working directory is loaded before anything else.
`, name)
}

func main() {
	loadDotEnv(config.EnvFileName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run dispatches a subcommand and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cmd := "daemon"
	if len(args) > 0 {
		cmd = strings.ToLower(strings.TrimSpace(args[0]))
		args = args[1:]
	}
	switch cmd {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	case "daemon":
		return runDaemonCommand(ctx, args, stderr)
	case "init":
		return runInitCommand(args, stdout, stderr)
	case "verify":
		return runVerifyCommand(ctx, args, stdout, stderr)
	case "doctor":
		return runDoctorCommand(ctx, args, stdout, stderr)
	case "status":
		return runStatusCommand(ctx, args, stdout, stderr)
	case "bootstrap":
		return runBootstrapCommand(ctx, args, stdout, stderr)
	case "backup":
		return runBackupCommand(ctx, args, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n", cmd)
		printUsage(stderr)
		return 2
	}
}

// loadDotEnv loads path into the environment without overriding variables
// that are already set. A missing file is ignored.
func loadDotEnv(path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	if err := godotenv.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "warning: %s: %v\n", path, err)
	}
}

// newFlagSet returns a flag set that reports errors instead of exiting.
func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("personactl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func fatalStartup(stderr io.Writer, reasonCode string, err error) int {
	fmt.Fprintf(stderr,
		`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
		time.Now().UTC().Format(time.RFC3339Nano), reasonCode, err.Error())
	return 1
}
