// Package auth provides user lookup and API token management.
//
// # Overview
//
// Users carry a home branch (BranchID) and an active flag; both feed the
// authorization engine in package rbac. Requests authenticate with bearer API
// tokens of the form
//
//	campus_<base64url(32 random bytes)>
//
// Only the SHA-256 hash of a token is stored. The plaintext is returned once,
// at creation.
//
// # Usage
//
//	users := auth.NewUserStore(db)
//	tokens := auth.NewTokenManager(db)
//
//	u := &auth.User{Username: "alice", BranchID: &mainCampus, IsActive: true}
//	if err := users.Create(ctx, u); err != nil {
//		return err
//	}
//
//	tok, plaintext, err := tokens.CreateToken(ctx, u.ID, "ci", nil)
//	...
//	authCtx, err := tokens.Authenticate(ctx, plaintext)
package auth
