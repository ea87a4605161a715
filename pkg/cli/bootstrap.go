package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/platinummonkey/campus/pkg/auth"
	"github.com/platinummonkey/campus/pkg/rbac"
)

// newBootstrapCommand creates the first super-admin and an API token for it.
// Every other user is created through the API by that account.
func newBootstrapCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "bootstrap",
		Description: "Create a super-admin user and print an API token for it",
		Flags:       flag.NewFlagSet("bootstrap", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)
	username := cmd.Flags.String("username", "", "Username of the new super-admin")
	email := cmd.Flags.String("email", "", "Email address")
	tokenName := cmd.Flags.String("token-name", "bootstrap", "Name of the API token")
	ttl := cmd.Flags.Duration("ttl", 0, "Token lifetime (0 for no expiry)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *username == "" {
			return errors.New("--username is required")
		}

		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		store := rbac.NewStore(db)
		role, err := store.GetRoleBySlug(ctx, string(rbac.RoleSuperAdmin))
		if err != nil {
			return fmt.Errorf("super-admin role not found, run seed first: %w", err)
		}

		user := &auth.User{Username: *username, Email: *email, IsActive: true}
		if err := auth.NewUserStore(db).Create(ctx, user); err != nil {
			return err
		}
		if err := store.AssignRole(ctx, &rbac.UserRole{UserID: user.ID, RoleID: role.ID, IsPrimary: true}); err != nil {
			return err
		}

		token, err := issueToken(ctx, auth.NewTokenManager(db), user.ID, *tokenName, *ttl)
		if err != nil {
			return err
		}

		env.Log.WithField("user_id", user.ID).Info("Super-admin created")
		fmt.Fprintf(env.Out, "user_id: %d\ntoken: %s\n", user.ID, token)
		return nil
	}

	return cmd
}

func newTokenCommand(env *Env) *Command {
	cmd := &Command{
		Name:        "token",
		Description: "Issue an API token for an existing user",
		Flags:       flag.NewFlagSet("token", flag.ContinueOnError),
	}
	opts := addDBFlags(cmd.Flags)
	userID := cmd.Flags.Int64("user", 0, "User ID")
	name := cmd.Flags.String("name", "cli", "Name of the API token")
	ttl := cmd.Flags.Duration("ttl", 90*24*time.Hour, "Token lifetime (0 for no expiry)")

	cmd.Run = func(args []string) error {
		if err := cmd.Flags.Parse(args); err != nil {
			return err
		}
		if *userID <= 0 {
			return errors.New("--user is required")
		}

		db, err := opts.open(env)
		if err != nil {
			return err
		}
		defer db.Close()

		ctx := context.Background()
		user, err := auth.NewUserStore(db).Get(ctx, *userID)
		if err != nil {
			return err
		}
		if !user.IsActive {
			return fmt.Errorf("user %d is inactive", user.ID)
		}

		token, err := issueToken(ctx, auth.NewTokenManager(db), user.ID, *name, *ttl)
		if err != nil {
			return err
		}
		fmt.Fprintf(env.Out, "token: %s\n", token)
		return nil
	}

	return cmd
}

func issueToken(ctx context.Context, tm *auth.TokenManager, userID int64, name string, ttl time.Duration) (string, error) {
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().UTC().Add(ttl)
		expiresAt = &t
	}
	_, token, err := tm.CreateToken(ctx, userID, name, expiresAt)
	if err != nil {
		return "", err
	}
	return token, nil
}
