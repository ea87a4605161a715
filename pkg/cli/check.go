package cli

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/platinummonkey/campus/pkg/config"
	"github.com/platinummonkey/campus/pkg/rbac"
)

func newCheckCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "check",
		Description: "Evaluate an authorization request and print the decision",
		Flags:       flag.NewFlagSet("check", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)
	userID := cmd.Flags.Int64("user", 0, "User ID")
	permission := cmd.Flags.String("permission", "", "Permission slug, e.g. students.view")
	roles := cmd.Flags.String("roles", "", "Comma separated role slugs; checks role membership instead of a permission")
	branchID := cmd.Flags.Int64("branch", 0, "Target branch ID (0 for none)")
	asJSON := cmd.Flags.Bool("json", false, "Print the decision as JSON")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *userID <= 0 {
			return errors.New("--user is required")
		}
		if *permission != "" && *roles != "" {
			return errors.New("--permission and --roles are mutually exclusive")
		}

		var branch *int64
		if *branchID > 0 {
			branch = branchID
		}

		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		engine := rbac.NewManager(db, config.AuthzConfig{}, opts.serviceLogger(env)).Engine

		var d rbac.Decision
		switch {
		case *permission != "":
			d, err = engine.Authorize(ctx, rbac.AccessRequest{UserID: *userID, Permission: *permission, BranchID: branch})
		case *roles != "":
			d, err = engine.AuthorizeRoles(ctx, *userID, parseRoles(*roles), branch)
		default:
			d, err = engine.CheckActiveBranch(ctx, *userID)
		}
		if err != nil {
			return err
		}

		if *asJSON {
			enc := json.NewEncoder(env.Out)
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		}
		fmt.Fprintln(env.Out, formatDecision(d))
		return nil
	}

	return cmd
}

func parseRoles(s string) []rbac.RoleSlug {
	var out []rbac.RoleSlug
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, rbac.ParseRoleSlug(part))
		}
	}
	return out
}

func formatDecision(d rbac.Decision) string {
	verdict := "DENY"
	if d.Allowed {
		verdict = "ALLOW"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s user=%d", verdict, d.UserID)
	if d.Permission != "" {
		fmt.Fprintf(&b, " permission=%s", d.Permission)
	}
	if d.BranchID != nil {
		fmt.Fprintf(&b, " branch=%d", *d.BranchID)
	}
	if len(d.Roles) > 0 {
		fmt.Fprintf(&b, " roles=%s", strings.Join(d.Roles, ","))
	}
	fmt.Fprintf(&b, ": %s", d.Reason())
	return b.String()
}
