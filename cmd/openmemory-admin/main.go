// Command openmemory-admin performs one-shot operator tasks against an
// OpenMemory database: issuing and revoking API keys, rotating the at-rest
// encryption key, and creating tenant users -- the operational surface
// spec.md's CLI section describes, mirroring cmd/memento-setup's
// flag-dispatched structure and exit-code conventions (0/1/2).
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/openmemory/openmemory/internal/access"
	"github.com/openmemory/openmemory/internal/config"
	"github.com/openmemory/openmemory/internal/crypto"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/internal/storage/sqlite"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("openmemory-admin: failed to load configuration: %v", err)
	}

	store, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		log.Fatalf("openmemory-admin: failed to open database: %v", err)
	}
	defer store.Close()
	store.SetStrictTenant(cfg.Storage.StrictTenant)

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		log.Fatalf("openmemory-admin: failed to migrate database: %v", err)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var cmdErr error
	switch cmd {
	case "issue-key":
		cmdErr = runIssueKey(ctx, store, args)
	case "revoke-key":
		cmdErr = runRevokeKey(ctx, store, args)
	case "rotate-keys":
		cmdErr = runRotateKeys(ctx, store)
	case "create-user":
		cmdErr = runCreateUser(ctx, store, args)
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "openmemory-admin: unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if cmdErr != nil {
		log.Printf("openmemory-admin: %v", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `openmemory-admin -- operator CLI for OpenMemory

Usage:
  openmemory-admin issue-key -user <id> -scopes <scope,scope,...>
  openmemory-admin revoke-key -key <plaintext key>
  openmemory-admin rotate-keys
  openmemory-admin create-user -user <id>

Database path is read from DB_PATH; the subcommands take no -db flag.
`)
}

func runIssueKey(ctx context.Context, store storage.Backend, args []string) error {
	fs := flag.NewFlagSet("issue-key", flag.ExitOnError)
	userID := fs.String("user", "", "tenant user ID to issue the key for")
	scopes := fs.String("scopes", access.ScopeMemoryRead, "comma-separated scopes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("issue-key: -user is required")
	}

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}
	if len(scopeList) == 0 {
		return fmt.Errorf("issue-key: -scopes must name at least one scope")
	}

	mgr := access.New(store, access.Config{})
	result, err := mgr.Issue(ctx, access.IssueRequest{
		UserID: *userID,
		Scopes: scopeList,
	})
	if err != nil {
		return fmt.Errorf("issue-key: %w", err)
	}

	fmt.Printf("API key issued for user %s\n", *userID)
	fmt.Printf("Scopes: %s\n", strings.Join(result.Key.Scopes, ", "))
	fmt.Printf("Key (shown once, store it securely):\n  %s\n", result.PlaintextKey)
	return nil
}

func runRevokeKey(ctx context.Context, store storage.Backend, args []string) error {
	fs := flag.NewFlagSet("revoke-key", flag.ExitOnError)
	key := fs.String("key", "", "plaintext API key to revoke")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("revoke-key: -key is required")
	}

	mgr := access.New(store, access.Config{})
	if err := mgr.Revoke(ctx, *key); err != nil {
		return fmt.Errorf("revoke-key: %w", err)
	}
	fmt.Println("API key revoked")
	return nil
}

func runRotateKeys(ctx context.Context, store storage.Backend) error {
	mgr := crypto.New(store)
	if err := mgr.EnsureKey(ctx); err != nil {
		return fmt.Errorf("rotate-keys: %w", err)
	}
	version, err := mgr.Rotate(ctx)
	if err != nil {
		return fmt.Errorf("rotate-keys: %w", err)
	}
	fmt.Printf("Encryption key rotated to version %d\n", version)
	fmt.Println("Existing ciphertext remains readable; run the key-rotation maintenance job to re-encrypt it under the new version.")
	return nil
}

func runCreateUser(ctx context.Context, store storage.Backend, args []string) error {
	fs := flag.NewFlagSet("create-user", flag.ExitOnError)
	userID := fs.String("user", "", "tenant user ID to create")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return fmt.Errorf("create-user: -user is required")
	}

	user, err := store.GetOrCreate(ctx, *userID)
	if err != nil {
		return fmt.Errorf("create-user: %w", err)
	}
	fmt.Printf("User ready: id=%s created_at=%s\n", user.ID, user.CreatedAt.Format("2006-01-02T15:04:05Z07:00"))
	return nil
}
