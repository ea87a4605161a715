package cli

import (
	"context"
	"flag"
	"fmt"

	"github.com/platinummonkey/campus/pkg/config"
	"github.com/platinummonkey/campus/pkg/rbac"
)

func newSeedCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "seed",
		Description: "Apply the role and permission catalog",
		Flags:       flag.NewFlagSet("seed", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)
	file := cmd.Flags.String("file", "", "Seed catalog YAML (default: the built-in catalog)")
	dryRun := cmd.Flags.Bool("dry-run", false, "Validate the catalog without touching the database")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}

		seed, err := rbac.LoadSeed(*file)
		if err != nil {
			return err
		}
		if *dryRun {
			fmt.Fprintf(env.Out, "catalog ok: %d modules, %d permissions, %d roles\n",
				len(seed.Modules), len(seed.PermissionSlugs()), len(seed.Roles))
			return nil
		}

		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		m := rbac.NewManager(db, config.AuthzConfig{}, opts.serviceLogger(env))
		result, findings, err := m.Reseed(context.Background(), seed)
		if err != nil {
			return err
		}

		env.Log.WithField("findings", len(findings)).Info("Seed applied")
		fmt.Fprintf(env.Out, "applied: %d modules, %d permissions, %d roles\n",
			result.Modules, result.Permissions, result.Roles)
		printFindings(env, findings)
		return nil
	}

	return cmd
}

func printFindings(env *Env, findings []rbac.LayeringFinding) {
	for _, f := range findings {
		fmt.Fprintf(env.Out, "layering: %s\n", f)
	}
}
