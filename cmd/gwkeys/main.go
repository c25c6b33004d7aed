// Command gwkeys provisions client API keys for the gateway.
//
// It generates an `agw_<key_id>.<secret>` token, stores the bcrypt hash of
// the secret in the api_keys table, and prints the plaintext token exactly
// once — it is never stored or recoverable afterwards.
//
// Usage:
//
//	gwkeys create-key -name "team-a" [-rpm-limit 60] [-daily-budget-rub 500] [-monthly-budget-rub 10000]
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"

	"github.com/art-dzd/ai-gateway/internal/audit/sqlstore"
	"github.com/art-dzd/ai-gateway/internal/config"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "create-key" {
		fmt.Fprintln(os.Stderr, "usage: gwkeys create-key -name <name> [-rpm-limit N] [-daily-budget-rub X] [-monthly-budget-rub X]")
		os.Exit(2)
	}

	fs := flag.NewFlagSet("create-key", flag.ExitOnError)
	name := fs.String("name", "", "display name for the key")
	rpmLimit := fs.Int("rpm-limit", 0, "per-key RPM cap (0 = process default)")
	dailyBudget := fs.String("daily-budget-rub", "", "daily spend cap in currency units")
	monthlyBudget := fs.String("monthly-budget-rub", "", "monthly spend cap in currency units")
	_ = fs.Parse(os.Args[2:])

	if *name == "" {
		log.Fatal("create-key: -name is required")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	db, err := sqlstore.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer db.Close()
	if err := sqlstore.Migrate(db); err != nil {
		log.Fatalf("db: %v", err)
	}

	keyID := uuid.New()
	keyIDHex := hex.EncodeToString(keyID[:])
	secret, err := randomSecret()
	if err != nil {
		log.Fatalf("generate secret: %v", err)
	}
	plaintext := fmt.Sprintf("agw_%s.%s", keyIDHex, secret)

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		log.Fatalf("hash secret: %v", err)
	}

	p := sqlstore.Provision{
		Name:    *name,
		KeyID:   &keyIDHex,
		KeyHash: string(hash),
	}
	if *rpmLimit > 0 {
		p.RPMLimit = rpmLimit
	}
	if *dailyBudget != "" {
		d, err := decimal.NewFromString(*dailyBudget)
		if err != nil {
			log.Fatalf("daily-budget-rub: %v", err)
		}
		p.DailyBudgetRub = &d
	}
	if *monthlyBudget != "" {
		d, err := decimal.NewFromString(*monthlyBudget)
		if err != nil {
			log.Fatalf("monthly-budget-rub: %v", err)
		}
		p.MonthlyBudgetRub = &d
	}

	repo := sqlstore.NewApiKeyRepo(db)
	id, err := repo.Provision(context.Background(), p)
	if err != nil {
		log.Fatalf("provision: %v", err)
	}

	fmt.Println("API key created.")
	fmt.Printf("ID: %s\n", id)
	fmt.Println("Key (shown once, store it now):")
	fmt.Println(plaintext)
}

// randomSecret returns a 32-byte URL-safe random token.
func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
