// Package main provides the account management CLI. Adapted from the
// teacher's cmd/accounts/main.go (banner, command dispatch, interactive
// prompt helpers) but backed by the Store instead of Redis, and taking a
// refresh token directly rather than driving the browser-based OAuth-code
// exchange flow — that flow is explicitly out of scope (§1 Non-goals: "the
// OAuth-code exchange flow"), so this CLI assumes the operator obtained
// the refresh token by some external means and hands it straight to
// initializeAccount (§4.1: refresh -> discover -> mark active).
package main

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/forgebridge/assist-gateway/internal/clock"
	"github.com/forgebridge/assist-gateway/internal/config"
	"github.com/forgebridge/assist-gateway/internal/store"
	"github.com/forgebridge/assist-gateway/internal/token"
)

func main() {
	args := os.Args[1:]
	command := "help"
	if len(args) > 0 {
		command = args[0]
	}

	printBanner()

	cfg, err := config.Load("")
	if err != nil {
		fmt.Println("Error loading config:", err)
		os.Exit(1)
	}
	st, err := store.Open(cfg.SQLitePath)
	if err != nil {
		fmt.Println("Error opening store:", err)
		os.Exit(1)
	}
	mgr := token.NewManager(cfg, st, clock.Real{})

	scanner := bufio.NewScanner(os.Stdin)
	ctx := context.Background()

	switch command {
	case "add":
		interactiveAdd(ctx, scanner, st, mgr)
	case "list":
		listAccounts(ctx, st)
	case "remove":
		interactiveRemove(ctx, scanner, st)
	case "verify":
		verifyAccounts(ctx, st, mgr)
	case "keys":
		interactiveAddKey(ctx, scanner, st)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║   Assist Gateway Account Manager        ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  accounts add     Add an account from a refresh token")
	fmt.Println("  accounts list    List all accounts")
	fmt.Println("  accounts verify  Re-validate every account's token")
	fmt.Println("  accounts remove  Remove an account")
	fmt.Println("  accounts keys    Issue a new API key")
	fmt.Println("  accounts help    Show this help")
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

func interactiveAdd(ctx context.Context, scanner *bufio.Scanner, st store.Store, mgr *token.Manager) {
	fmt.Println("\n=== Add Account ===")
	email := prompt(scanner, "Account email: ")
	if email == "" {
		fmt.Println("✗ Email is required.")
		return
	}
	refreshToken := prompt(scanner, "Refresh token: ")
	if refreshToken == "" {
		fmt.Println("✗ Refresh token is required.")
		return
	}

	id, err := st.CreateAccount(ctx, &store.Account{
		Email:        email,
		RefreshToken: refreshToken,
		Status:       store.StatusActive,
	})
	if err != nil {
		fmt.Println("✗ Error saving account:", err)
		return
	}

	fmt.Println("Validating credentials and discovering project...")
	if err := mgr.InitializeAccount(ctx, id); err != nil {
		fmt.Printf("✗ Initialization failed: %v\n", err)
		return
	}
	fmt.Printf("✓ Added and validated account: %s\n", email)
}

func listAccounts(ctx context.Context, st store.Store) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}
	fmt.Printf("\n%d account(s):\n", len(accounts))
	for i, a := range accounts {
		lastUsed := "never"
		if a.LastUsedAt > 0 {
			lastUsed = time.UnixMilli(a.LastUsedAt).Format(time.RFC3339)
		}
		fmt.Printf("  %d. %s  status=%s  tier=%s  errors=%d  last_used=%s\n",
			i+1, a.Email, a.Status, a.Tier, a.ErrorCount, lastUsed)
	}
}

func interactiveRemove(ctx context.Context, scanner *bufio.Scanner, st store.Store) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	listAccounts(ctx, st)
	if len(accounts) == 0 {
		return
	}

	choice := prompt(scanner, "\nNumber of account to remove (blank to cancel): ")
	if choice == "" {
		return
	}
	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(accounts) {
		fmt.Println("✗ Invalid selection.")
		return
	}

	target := accounts[idx-1]
	confirm := prompt(scanner, fmt.Sprintf("Remove %s? [y/N]: ", target.Email))
	if strings.ToLower(confirm) != "y" {
		fmt.Println("Cancelled.")
		return
	}

	if err := st.DeleteAccount(ctx, target.ID); err != nil {
		fmt.Println("✗ Error removing account:", err)
		return
	}
	fmt.Printf("✓ Removed %s\n", target.Email)
}

func verifyAccounts(ctx context.Context, st store.Store, mgr *token.Manager) {
	accounts, err := st.ListAccounts(ctx)
	if err != nil {
		fmt.Println("Error loading accounts:", err)
		return
	}
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	for _, a := range accounts {
		_, err := mgr.EnsureValidToken(ctx, a.ID)
		if err != nil {
			fmt.Printf("  ✗ %s: %v\n", a.Email, err)
			continue
		}
		fmt.Printf("  ✓ %s: token valid\n", a.Email)
	}
}

func interactiveAddKey(ctx context.Context, scanner *bufio.Scanner, st store.Store) {
	fmt.Println("\n=== Issue API Key ===")
	label := prompt(scanner, "Label for this key: ")
	raw, err := randomAPIKey()
	if err != nil {
		fmt.Println("✗ Error generating key:", err)
		return
	}
	if _, err := st.CreateAPIKey(ctx, &store.APIKey{KeyHash: hashKey(raw), Label: label}); err != nil {
		fmt.Println("✗ Error saving key:", err)
		return
	}
	fmt.Printf("✓ New API key (shown once, store it safely): %s\n", raw)
}

func randomAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sk-gw-" + hex.EncodeToString(buf), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
