// Command buckos is a minimal wiring shim over the buckos Engine.
// Argument parsing, output formatting, and interactive prompts are
// explicitly out of scope (spec §1) and are not built out beyond the two
// subcommands below, which exist only so the Engine has somewhere to be
// called from.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/buckos/buckos"
	"github.com/buckos/buckos/internal/atom"
	"github.com/buckos/buckos/internal/resolver"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: buckos <resolve|apply> [atom...]")
		return int(buckos.ExitResolutionFailed)
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	root := fs.String("root", "/", "target filesystem root")
	configPath := fs.String("config", "/etc/buckos/make.conf.toml", "configuration file")
	repoRoot := fs.String("repo", "/var/db/repos/buckos", "repository snapshot root")
	deep := fs.Bool("deep", false, "accepted but has no effect: every reachable dependency is always examined")
	if err := fs.Parse(args[1:]); err != nil {
		return int(buckos.ExitResolutionFailed)
	}

	eng, err := buckos.Open(buckos.Options{Root: *root, ConfigPath: *configPath, RepoRoot: *repoRoot})
	if err != nil {
		fmt.Fprintln(os.Stderr, "buckos:", err)
		return int(buckos.ExitRuntimeFailed)
	}
	defer eng.Close()

	var targets []*atom.Atom
	for _, s := range fs.Args() {
		a, err := atom.ParseAtom(s)
		if err != nil {
			fmt.Fprintf(os.Stderr, "buckos: invalid atom %q: %v\n", s, err)
			return int(buckos.ExitResolutionFailed)
		}
		targets = append(targets, a)
	}

	plan, err := eng.Resolve(resolver.Request{Targets: targets, Deep: *deep})
	if err != nil {
		fmt.Fprintln(os.Stderr, "buckos: resolve:", err)
		return int(buckos.ExitResolutionFailed)
	}

	switch args[0] {
	case "resolve":
		for _, step := range plan.Order {
			fmt.Printf("%-8s %s\n", step.Action, step.ID)
		}
		return int(buckos.ExitSuccess)
	case "apply":
		code, err := eng.Apply(context.Background(), plan, nil)
		if err != nil {
			fmt.Fprintln(os.Stderr, "buckos: apply:", err)
		}
		return int(code)
	default:
		fmt.Fprintln(os.Stderr, "usage: buckos <resolve|apply> [atom...]")
		return int(buckos.ExitResolutionFailed)
	}
}
