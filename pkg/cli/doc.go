// Package cli implements campus-authz, the operator tool for the authorization
// database.
//
//	campus-authz migrate   --db $CAMPUS_POSTGRES_URL
//	campus-authz seed      --db ... [--file catalog.yaml] [--dry-run]
//	campus-authz verify    --db ... [--strict]
//	campus-authz bootstrap --db ... --username root
//	campus-authz token     --db ... --user 7 --ttl 720h
//	campus-authz check     --db ... --user 7 --permission fees.view --branch 3
//
// check prints the decision the server would make for the same request; with
// --roles it checks role membership and with neither flag it checks that the
// user's home branch is active.
package cli
