package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands against one session until exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a.interactive = true
			defer func() { a.interactive = false }()

			sc := bufio.NewScanner(a.stdin)
			fmt.Fprint(a.errOut, "careprep> ")
			for sc.Scan() {
				line := strings.TrimSpace(sc.Text())
				switch line {
				case "":
				case "exit", "quit":
					return nil
				default:
					a.runLine(cmd, line)
				}
				if ctx.Err() != nil {
					return nil
				}
				fmt.Fprint(a.errOut, "careprep> ")
			}
			fmt.Fprintln(a.errOut)
			return sc.Err()
		},
	}
}

// runLine executes one shell line on a fresh command tree bound to a. The
// session set up for the shell is reused.
func (a *app) runLine(shell *cobra.Command, line string) {
	args := strings.Fields(line)
	if args[0] == "shell" {
		fmt.Fprintln(a.errOut, "Error: already in the shell")
		return
	}
	root := newRootCmd(a)
	root.SetArgs(args)
	if err := root.ExecuteContext(shell.Context()); err != nil {
		printError(a, err)
	}
}

func printError(a *app, err error) {
	if errors.Is(err, errSignInRequired) && a.nav != nil && a.nav.prompt {
		return
	}
	fmt.Fprintf(a.errOut, "Error: %v\n", err)
}
