// Package main provides the account management CLI tool.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/opencode-ai/antigravity-broker/internal/account"
	"github.com/opencode-ai/antigravity-broker/internal/auth"
	"github.com/opencode-ai/antigravity-broker/internal/config"
)

var serverPort = config.DefaultPort

func main() {
	args := os.Args[1:]
	command := "add"
	noBrowser := false

	for _, arg := range args {
		if arg == "--no-browser" {
			noBrowser = true
		} else if !strings.HasPrefix(arg, "-") && command == "add" {
			command = arg
		}
	}

	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			serverPort = p
		}
	}

	printBanner()

	scanner := bufio.NewScanner(os.Stdin)
	store := account.NewCredentialStore()
	manager := account.NewManager(store, func(string) {})

	switch command {
	case "add":
		ensureServerStopped()
		interactiveAdd(manager, scanner, noBrowser)
	case "list":
		listAccounts(manager)
	case "clear":
		ensureServerStopped()
		clearAccounts(manager, scanner)
	case "remove":
		ensureServerStopped()
		interactiveRemove(manager, scanner)
	case "help":
		printHelp()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		fmt.Println("Run with \"help\" for usage information.")
	}
}

func printBanner() {
	fmt.Println("╔════════════════════════════════════════╗")
	fmt.Println("║    Antigravity Broker Account Manager  ║")
	fmt.Println("║    Use --no-browser for headless mode  ║")
	fmt.Println("╚════════════════════════════════════════╝")
}

func printHelp() {
	fmt.Println("\nUsage:")
	fmt.Println("  antigravity-accounts add     Add new account(s)")
	fmt.Println("  antigravity-accounts list    List all accounts")
	fmt.Println("  antigravity-accounts remove  Remove an account")
	fmt.Println("  antigravity-accounts clear   Remove all accounts")
	fmt.Println("  antigravity-accounts help    Show this help")
	fmt.Println("\nOptions:")
	fmt.Println("  --no-browser    Manual authorization code input (for headless servers)")
}

// isServerRunning checks whether the broker is already bound to serverPort,
// since both it and this CLI persist through the same credentials file.
func isServerRunning() bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("localhost:%d", serverPort), time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func ensureServerStopped() {
	if isServerRunning() {
		fmt.Printf("\n\033[31mError: the broker is currently running on port %d.\033[0m\n\n", serverPort)
		fmt.Println("Please stop the server (Ctrl+C) before adding or managing accounts.")
		fmt.Println("This ensures that your account changes are loaded correctly when you restart the server.")
		os.Exit(1)
	}
}

func openBrowser(url string) {
	var cmd *exec.Cmd

	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("cmd", "/c", "start", "", strings.ReplaceAll(url, "&", "^&"))
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		fmt.Println("\n⚠ Could not open browser automatically.")
		fmt.Println("Please open this URL manually:", url)
	}
}

func displayAccounts(accounts []*account.Account) {
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	fmt.Printf("\n%d account(s) saved:\n", len(accounts))
	for i, acc := range accounts {
		email := acc.Email
		if email == "" {
			email = "(unknown email)"
		}
		fmt.Printf("  %d. %s\n", i+1, email)
	}
}

func prompt(scanner *bufio.Scanner, message string) string {
	fmt.Print(message)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// runOAuthFlow drives the browser (or manual-paste) consent flow and
// exchanges the resulting code for tokens.
func runOAuthFlow(scanner *bufio.Scanner, noBrowser bool) (*auth.AccountData, error) {
	result := auth.GetAuthorizationURL()

	if noBrowser {
		fmt.Println("\n=== Add Google Account (No-Browser Mode) ===")
		fmt.Println("Copy the following URL and open it in a browser on any device:")
		fmt.Printf("   %s\n\n", result.URL)
		fmt.Println("After signing in, you will be redirected to a localhost URL.")
		fmt.Println("Copy the ENTIRE redirect URL or just the authorization code.")

		input := prompt(scanner, "Paste the callback URL or authorization code: ")
		codeResult, err := auth.ExtractCodeFromInput(input)
		if err != nil {
			return nil, err
		}
		if codeResult.State != "" && codeResult.State != result.State {
			fmt.Println("\n⚠ State mismatch detected. Proceeding anyway since this is manual mode.")
		}

		fmt.Println("\nExchanging authorization code for tokens...")
		return auth.CompleteOAuthFlow(context.Background(), codeResult.Code, result.Verifier)
	}

	fmt.Println("\n=== Add Google Account ===")
	fmt.Println("Opening browser for Google sign-in...")
	fmt.Println("(If the browser does not open, copy this URL manually)")
	fmt.Printf("   %s\n\n", result.URL)
	openBrowser(result.URL)

	fmt.Println("Waiting for authentication (timeout: 2 minutes)...")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	callbackServer := auth.NewCallbackServer(result.State)
	code, err := callbackServer.Start(ctx)
	if err != nil {
		return nil, err
	}

	fmt.Println("Received authorization code. Exchanging for tokens...")
	return auth.CompleteOAuthFlow(ctx, code, result.Verifier)
}

func interactiveAdd(manager *account.Manager, scanner *bufio.Scanner, noBrowser bool) {
	if noBrowser {
		fmt.Println("\nNo-browser mode: you will manually paste the authorization code.")
	}

	existing := manager.Accounts()
	if len(existing) > 0 {
		displayAccounts(existing)

		choice := prompt(scanner, "\n(a)dd new, (r)emove existing, (f)resh start, or (e)xit? [a/r/f/e]: ")
		switch strings.ToLower(choice) {
		case "r":
			interactiveRemove(manager, scanner)
			return
		case "f":
			fmt.Println("\nStarting fresh - existing accounts will be replaced.")
			for _, acc := range manager.Accounts() {
				manager.Remove(acc)
			}
		case "e":
			fmt.Println("\nExiting...")
			return
		}
	}

	accountData, err := runOAuthFlow(scanner, noBrowser)
	if err != nil {
		fmt.Printf("\n✗ Authentication failed: %v\n", err)
		return
	}

	acc, added := manager.Add(accountData.RefreshToken, accountData.Email, "")
	if !added {
		fmt.Printf("\n⚠ Account %s already exists. Refreshing its token.\n", accountData.Email)
		manager.UpdateTokens(acc, accountData.AccessToken, accountData.ExpiresAt)
		return
	}

	manager.UpdateTokens(acc, accountData.AccessToken, accountData.ExpiresAt)
	fmt.Printf("\n✓ Successfully authenticated: %s\n", accountData.Email)
	fmt.Println("  Project will be discovered on first API request.")
}

func listAccounts(manager *account.Manager) {
	displayAccounts(manager.Accounts())
}

func clearAccounts(manager *account.Manager, scanner *bufio.Scanner) {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts to clear.")
		return
	}

	choice := prompt(scanner, fmt.Sprintf("\nRemove all %d account(s)? [y/N]: ", len(accounts)))
	if strings.ToLower(choice) != "y" {
		fmt.Println("Cancelled.")
		return
	}

	for _, acc := range accounts {
		manager.Remove(acc)
	}
	fmt.Println("✓ All accounts removed.")
}

func interactiveRemove(manager *account.Manager, scanner *bufio.Scanner) {
	accounts := manager.Accounts()
	if len(accounts) == 0 {
		fmt.Println("\nNo accounts configured.")
		return
	}

	displayAccounts(accounts)
	choice := prompt(scanner, "\nEnter the number of the account to remove (or blank to cancel): ")
	if choice == "" {
		fmt.Println("Cancelled.")
		return
	}

	idx, err := strconv.Atoi(choice)
	if err != nil || idx < 1 || idx > len(accounts) {
		fmt.Println("Invalid selection.")
		return
	}

	acc := accounts[idx-1]
	manager.Remove(acc)
	fmt.Printf("✓ Removed %s\n", acc.Email)
}
