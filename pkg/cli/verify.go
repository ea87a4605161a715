package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/campus/pkg/config"
	"github.com/platinummonkey/campus/pkg/rbac"
)

func newVerifyCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "verify",
		Description: "Report role layering violations in the stored catalog",
		Flags:       flag.NewFlagSet("verify", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)
	strict := cmd.Flags.Bool("strict", false, "Exit non-zero when any violation is found")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		m := rbac.NewManager(db, config.AuthzConfig{}, opts.serviceLogger(env))
		findings, err := m.CheckLayering(context.Background())
		if err != nil {
			return err
		}

		if len(findings) == 0 {
			fmt.Fprintln(env.Out, "layering ok")
			return nil
		}
		printFindings(env, findings)
		if *strict {
			return fmt.Errorf("%d layering violations", len(findings))
		}
		return nil
	}

	return cmd
}
