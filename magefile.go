//go:build mage

// TinyWeb build tasks.
// Install mage: go install github.com/magefile/mage@latest
// Run: mage [target]
package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binDir = "bin"
)

var (
	// Colors for output
	green  = "\033[0;32m"
	yellow = "\033[1;33m"
	nc     = "\033[0m" // No Color
)

var binaries = []struct{ name, path string }{
	{"server", "./cmd/server"},
	{"loadgen", "./cmd/loadgen"},
}

// Default target when running mage without arguments
var Default = Build

// ----------------------------------------------------------------------------
// Build targets
// ----------------------------------------------------------------------------

// Build builds all binaries (server, loadgen)
func Build() error {
	mg.Deps(BuildServer, BuildLoadgen)
	return nil
}

// BuildServer builds the web server
func BuildServer() error {
	return build("server", "./cmd/server", nil)
}

// BuildLoadgen builds the load generator
func BuildLoadgen() error {
	return build("loadgen", "./cmd/loadgen", nil)
}

// BuildLinux cross-compiles all binaries for Linux amd64
func BuildLinux() error {
	return buildFor("linux", "amd64")
}

// BuildLinuxArm cross-compiles all binaries for Linux arm64
func BuildLinuxArm() error {
	return buildFor("linux", "arm64")
}

// BuildAll cross-compiles for all supported platforms
func BuildAll() error {
	mg.Deps(BuildLinux, BuildLinuxArm)
	return nil
}

func buildFor(goos, goarch string) error {
	printGreen("Building for %s %s...", goos, goarch)
	env := map[string]string{"GOOS": goos, "GOARCH": goarch}
	for _, b := range binaries {
		if err := build(fmt.Sprintf("%s-%s-%s", b.name, goos, goarch), b.path, env); err != nil {
			return err
		}
	}
	printGreen("%s %s build complete", goos, goarch)
	return nil
}

func build(name, pkg string, env map[string]string) error {
	printGreen("Building %s...", name)
	if err := os.MkdirAll(binDir, 0755); err != nil {
		return err
	}
	return sh.RunWith(env, "go", "build", "-o", filepath.Join(binDir, name), pkg)
}

// ----------------------------------------------------------------------------
// Code quality targets
// ----------------------------------------------------------------------------

// Lint runs golangci-lint
func Lint() error {
	printGreen("Running golangci-lint...")
	if err := ensureGolangciLint(); err != nil {
		return err
	}
	if err := sh.Run("golangci-lint", "run", "--timeout=5m", "./..."); err != nil {
		return err
	}
	printGreen("Linting complete")
	return nil
}

// Fmt formats Go code
func Fmt() error {
	printGreen("Formatting Go code...")
	if err := sh.Run("gofmt", "-s", "-w", "."); err != nil {
		return err
	}
	printGreen("Formatting complete")
	return nil
}

// Vet runs go vet
func Vet() error {
	printGreen("Running go vet...")
	if err := sh.Run("go", "vet", "./..."); err != nil {
		return err
	}
	printGreen("Vet complete")
	return nil
}

// Test runs unit tests
func Test() error {
	printGreen("Running tests...")
	if err := sh.Run("go", "test", "-v", "./..."); err != nil {
		return err
	}
	printGreen("Tests complete")
	return nil
}

// TestRace runs unit tests with the race detector
func TestRace() error {
	printGreen("Running tests with -race...")
	if err := sh.Run("go", "test", "-race", "./..."); err != nil {
		return err
	}
	printGreen("Race tests complete")
	return nil
}

// ----------------------------------------------------------------------------
// Run targets
// ----------------------------------------------------------------------------

// Run starts the server in proactor mode with ET connections and linger on
func Run() error {
	mg.Deps(BuildServer)
	printGreen("Starting server on :9006...")
	return sh.RunV(filepath.Join(binDir, "server"), "-p", "9006", "-m", "1", "-a", "1", "-o", "1", "-admin", "127.0.0.1:9007")
}

// Load runs the load generator against a local server for 10s per scenario
func Load() error {
	mg.Deps(BuildLoadgen)
	printGreen("Running load generator...")
	return sh.RunV(filepath.Join(binDir, "loadgen"), "-url", "http://127.0.0.1:9006", "-duration", "10s", "-output", "results")
}

// ----------------------------------------------------------------------------
// Dependency management
// ----------------------------------------------------------------------------

// Deps downloads Go dependencies
func Deps() error {
	printGreen("Downloading dependencies...")
	if err := sh.Run("go", "mod", "download"); err != nil {
		return err
	}
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	printGreen("Dependencies ready")
	return nil
}

// ----------------------------------------------------------------------------
// Meta targets
// ----------------------------------------------------------------------------

// Check runs all checks (deps, lint, vet, test, build)
func Check() error {
	mg.SerialDeps(Deps, Lint, Vet, Test, Build)
	printGreen("All checks passed")
	return nil
}

// Clean removes build artifacts, logs and load results
func Clean() error {
	printGreen("Cleaning...")
	for _, dir := range []string{binDir, "logs"} {
		if err := os.RemoveAll(dir); err != nil {
			return err
		}
	}
	matches, _ := filepath.Glob("results/*.json")
	for _, match := range matches {
		_ = os.Remove(match)
	}
	printGreen("Clean complete")
	return nil
}

// ----------------------------------------------------------------------------
// Helper functions
// ----------------------------------------------------------------------------

func printGreen(format string, args ...interface{}) {
	fmt.Printf("%s%s%s\n", green, fmt.Sprintf(format, args...), nc)
}

func printYellow(format string, args ...interface{}) {
	fmt.Printf("%s%s%s\n", yellow, fmt.Sprintf(format, args...), nc)
}

func ensureGolangciLint() error {
	_, err := exec.LookPath("golangci-lint")
	if err != nil {
		printYellow("golangci-lint not installed. Installing...")
		return sh.Run("go", "install", "github.com/golangci/golangci-lint/cmd/golangci-lint@latest")
	}
	return nil
}
