package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/rosterim/roster/internal/app"
	"github.com/rosterim/roster/internal/config"
)

func main() {
	jidFlag := flag.String("jid", "", "account JID (overrides accounts.toml)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	account, err := pickAccount(*jidFlag)
	if err != nil {
		log.Fatalf("%v", err)
	}

	application, err := app.New(cfg, account)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}
	defer application.Close()

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running program: %v\n", err)
		os.Exit(1)
	}
}

// pickAccount selects the account to log in as: the -jid flag wins,
// else the first auto-connect account, else the first account.
func pickAccount(jidFlag string) (config.Account, error) {
	accounts, err := config.LoadAccounts()
	if err != nil {
		return config.Account{}, fmt.Errorf("failed to load accounts: %w", err)
	}

	if jidFlag != "" {
		for _, a := range accounts.Accounts {
			if a.JID == jidFlag {
				return a, nil
			}
		}
		return config.Account{JID: jidFlag, Resource: "roster", Session: true}, nil
	}

	if len(accounts.Accounts) == 0 {
		return config.Account{}, fmt.Errorf("no accounts configured; add one to accounts.toml or pass -jid")
	}
	for _, a := range accounts.Accounts {
		if a.AutoConnect {
			return a, nil
		}
	}
	return accounts.Accounts[0], nil
}
