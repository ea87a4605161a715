package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/campus/pkg/rbac"
)

func newMigrateCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "migrate",
		Description: "Apply pending database migrations",
		Flags:       flag.NewFlagSet("migrate", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := rbac.RunMigrations(context.Background(), db, opts.serviceLogger(env)); err != nil {
			return err
		}
		env.Log.Info("Migrations applied")
		fmt.Fprintf(env.Out, "%d migrations known, schema is current\n", len(rbac.GetMigrations()))
		return nil
	}

	return cmd
}
