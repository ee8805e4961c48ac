// Command tokentool mints and revokes gateway credentials and manages rooms
// against the configured stores. It is meant for local development.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"tavern.org/internal/auth"
	"tavern.org/internal/broker"
	"tavern.org/internal/config"
	"tavern.org/internal/store/sqlstore"
)

const usage = "usage: tokentool [mint|revoke|room] [flags]"

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		log.Fatal(usage)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	args := os.Args[2:]
	switch os.Args[1] {
	case "mint":
		err = mint(cfg, args)
	case "revoke":
		err = revoke(ctx, cfg, args)
	case "room":
		err = room(ctx, cfg, args)
	default:
		log.Fatalf("unknown command %q\n%s", os.Args[1], usage)
	}
	if err != nil {
		log.Fatalf("%s: %v", os.Args[1], err)
	}
}

func mint(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("mint", flag.ExitOnError)
	userID := fs.String("user-id", "", "user id claim")
	username := fs.String("username", "", "username (subject)")
	kind := fs.String("kind", string(auth.KindAccess), "token kind (access|refresh)")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}

	signer, err := auth.NewSigner(cfg.AuthSecret, auth.WithIssuer(cfg.Issuer))
	if err != nil {
		return err
	}
	token, claims, err := signer.Issue(*userID, *username, auth.TokenKind(*kind), *ttl)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(map[string]any{
		"token":      token,
		"jti":        claims.ID,
		"expires_at": claims.ExpiresAt.Time.UTC().Format(time.RFC3339),
	})
}

func revoke(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	token := fs.String("token", "", "credential to revoke")
	reason := fs.String("reason", "manual", "revocation reason")
	if err := fs.Parse(args); err != nil {
		return err
	}

	verifier, err := auth.NewVerifier(cfg.AuthSecret, auth.WithIssuer(cfg.Issuer))
	if err != nil {
		return err
	}
	st, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	var opts []auth.GuardOption
	if cfg.RedisURL != "" {
		rb, err := broker.DialRedis(cfg.RedisURL, cfg.BrokerTimeout)
		if err != nil {
			return err
		}
		defer rb.Close()
		opts = append(opts, auth.WithSharedCache(rb))
	}
	entry, err := auth.NewGuard(verifier, st, opts...).RevokeToken(ctx, *token, *reason)
	if err != nil {
		return err
	}
	fmt.Printf("revoked %s until %s\n", entry.JTI, entry.ExpiresAt.UTC().Format(time.RFC3339))
	return nil
}

func room(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("room", flag.ExitOnError)
	id := fs.String("id", "", "room id")
	name := fs.String("name", "", "room name")
	deactivate := fs.Bool("deactivate", false, "mark an existing room inactive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := sqlstore.Open(cfg.DBDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	if *deactivate {
		return st.SetRoomActive(ctx, *id, false)
	}
	if err := st.CreateRoom(ctx, *id, *name); err != nil {
		return err
	}
	fmt.Printf("room %s created\n", *id)
	return nil
}
