// Package main is the TwinRaven schema migration tool.
//
// The binary embeds its SQL migrations, validates the embedded catalog on
// startup, and applies migrations through golang-migrate, so a deployment
// needs nothing beyond the binary and DATABASE_URL.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
)

// Build-time version information, set with -ldflags.
var (
	version   = "1.0.0-dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

const binaryName = "twinraven-migrate"

// ErrUnknownCommand is returned for commands outside the supported set.
var ErrUnknownCommand = errors.New("unknown command")

// commandRunner is the surface the command dispatch drives; tests substitute
// a fake to exercise dispatch without a database.
type commandRunner interface {
	Up() error
	Down() error
	Status() error
	Version() error
	Drop() error
}

var _ commandRunner = (*Runner)(nil)

func main() {
	showVersion := flag.Bool("version", false, "print version information")
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", binaryName, version, gitCommit, buildTime)

		return
	}

	args := flag.Args()
	if len(args) != 1 {
		usage()
		os.Exit(2)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("configuration: %v", err)
	}

	runner, err := NewRunner(cfg)
	if err != nil {
		log.Fatalf("startup: %v", err)
	}

	defer func() {
		_ = runner.Close()
	}()

	if err := run(args[0], runner, os.Stdin); err != nil {
		log.Fatalf("%s: %v", args[0], err)
	}
}

// run dispatches one migration command. Drop asks for confirmation on the
// given reader before doing anything irreversible.
func run(command string, runner commandRunner, confirm io.Reader) error {
	switch command {
	case "up":
		return runner.Up()
	case "down":
		return runner.Down()
	case "status":
		return runner.Status()
	case "version":
		return runner.Version()
	case "drop":
		if !confirmDrop(confirm) {
			log.Println("drop cancelled")

			return nil
		}

		return runner.Drop()
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, command)
	}
}

// confirmDrop reads one confirmation line; anything but y or yes aborts.
func confirmDrop(in io.Reader) bool {
	fmt.Print("This drops every table in the target database. Continue? [y/N] ")

	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))

	return answer == "y" || answer == "yes"
}

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), `%s - TwinRaven schema migrations

Usage:
  %s [flags] <command>

Commands:
  up       apply every pending migration
  down     roll back the most recent migration
  status   show applied and pending migrations
  version  print the current schema version
  drop     drop all tables (asks for confirmation)

Flags:
  -version  print version information

Environment:
  DATABASE_URL     PostgreSQL connection string (required)
  MIGRATION_TABLE  tracking table name (default %s)
`, binaryName, binaryName, defaultMigrationTable)
}
