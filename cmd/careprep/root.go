package main

import (
	"github.com/spf13/cobra"
)

// skipSetup marks commands that run without a session.
const skipSetup = "careprep/skip-setup"

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "careprep",
		Short:         "Prepare for medical visits and understand their outcome",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if a.ready {
				return nil
			}
			if cmd.Annotations[skipSetup] != "" {
				return a.loadConfig()
			}
			return a.setup(cmd.Context())
		},
	}
	root.SetIn(a.stdin)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.apiURL, "api-url", "", "backend base URL (overrides CAREPREP_API_URL)")
	pf.StringVar(&a.flags.provider, "provider", "", "identity provider: oidc or memory")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&a.flags.redisAddr, "redis-addr", "", "use Redis at this address for profiles and notifications")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&a.flags.dev, "dev", false, "use the in-memory identity provider and backend")

	root.AddCommand(
		newLoginCmd(a),
		newRegisterCmd(a),
		newLogoutCmd(a),
		newWhoamiCmd(a),
		newVerifyCmd(a),
		newSymptomsCmd(a),
		newDocumentsCmd(a),
		newSummariesCmd(a),
		newChatCmd(a),
		newWatchCmd(a),
		newShellCmd(a),
		newServeDevCmd(a),
	)
	return root
}
