// Command keygen writes an encrypted exchange key file. The API key pair is
// read from PERPBOT_EXCHANGE_API_KEY and PERPBOT_EXCHANGE_API_SECRET so the
// secrets never appear in shell history.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/quantara/perpbot/internal/crypto"
)

func main() {
	out := flag.String("out", "exchange.key", "output path for the encrypted key file")
	password := flag.String("password", "", "encryption password (or set PERPBOT_EXCHANGE_KEY_PASSWORD)")
	flag.Parse()

	_ = godotenv.Load()

	pw := *password
	if pw == "" {
		pw = os.Getenv("PERPBOT_EXCHANGE_KEY_PASSWORD")
	}
	if pw == "" {
		fmt.Fprintln(os.Stderr, "keygen: no password given")
		os.Exit(1)
	}

	creds := crypto.Credentials{
		ApiKey:    os.Getenv("PERPBOT_EXCHANGE_API_KEY"),
		ApiSecret: os.Getenv("PERPBOT_EXCHANGE_API_SECRET"),
	}
	if creds.ApiKey == "" || creds.ApiSecret == "" {
		fmt.Fprintln(os.Stderr, "keygen: PERPBOT_EXCHANGE_API_KEY and PERPBOT_EXCHANGE_API_SECRET must be set")
		os.Exit(1)
	}

	if err := crypto.SaveCredentials(*out, pw, creds); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("encrypted key file written to %s\n", *out)
}
