package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/careprep/careprep-go/api"
	"github.com/careprep/careprep-go/guard"
	"github.com/careprep/careprep-go/screens"
	"github.com/spf13/cobra"
)

func newChatCmd(a *app) *cobra.Command {
	var (
		mode    string
		suggest bool
	)
	cmd := &cobra.Command{
		Use:   "chat [MESSAGE]",
		Short: "Ask the assistant about your symptoms or your visit",
		Long: "Ask the assistant a question. With no MESSAGE, every line read from\n" +
			"standard input is sent in turn until end of input.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if suggest {
				for _, q := range screens.SuggestedQuestions(mode) {
					fmt.Fprintln(a.out, q)
				}
				return nil
			}
			c := screens.NewChat(a.client, a.dispatch, mode, screens.WithLogger(a.log))
			if err := c.LoadContext(ctx); err != nil && api.IsUnauthorized(err) {
				return errSignInRequired
			}

			send := func(msg string) error {
				n := len(c.Messages)
				err := c.Send(ctx, msg)
				if err != nil && api.IsUnauthorized(err) {
					return errSignInRequired
				}
				for _, m := range c.Messages[n:] {
					if m.Role == "assistant" {
						fmt.Fprintln(a.out, m.Content)
					}
				}
				return nil
			}

			if len(args) > 0 {
				return send(strings.Join(args, " "))
			}
			if a.interactive {
				return errors.New("chat needs a MESSAGE inside the shell")
			}
			sc := bufio.NewScanner(a.stdin)
			for sc.Scan() {
				if err := send(sc.Text()); err != nil {
					return err
				}
			}
			return sc.Err()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", api.ModePreVisit, "pre_visit or post_visit")
	cmd.Flags().BoolVar(&suggest, "suggest", false, "print suggested questions for the mode")
	a.guarded(guard.PathChat, cmd)
	return cmd
}
