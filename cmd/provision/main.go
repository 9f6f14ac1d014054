// Command provision holds the one-off ledger utilities: custodian
// keypair generation, mint creation and test-network airdrops. It
// talks to the ledger directly and never touches live session state.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"pelletbridge/internal/chain"
	"pelletbridge/internal/config"
	"pelletbridge/internal/observability"
)

func main() {
	log := observability.NewLogger("provision")

	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "keygen":
		err = runKeygen()
	case "airdrop":
		err = runAirdrop(ctx, os.Args[2:])
	case "create-mint":
		err = runCreateMint(ctx, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		log.Error().Err(err).Str("command", os.Args[1]).Msg("provisioning failed")
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: provision <command> [flags]

commands:
  keygen                          generate a custodian keypair
  airdrop <address> [-amount N]   request test funds with retry
  create-mint [-decimals N] [-initial X]
                                  create the token mint as the custodian`)
}

func runKeygen() error {
	kp, err := chain.GenerateKeypair()
	if err != nil {
		return err
	}
	// .env format, matching what the server reads.
	fmt.Printf("CUSTODIAN_SECRET_KEY=%s\n", kp.SecretJSON())
	fmt.Printf("CUSTODIAN_PUBLIC_ADDRESS=%s\n", kp.Address())
	return nil
}

func runAirdrop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("airdrop", flag.ExitOnError)
	amount := fs.Uint64("amount", 1_000_000_000, "native units to request")
	fs.Parse(args)

	if fs.NArg() < 1 {
		return fmt.Errorf("airdrop: address required")
	}
	addr := fs.Arg(0)
	if !chain.ValidAddress(addr) {
		return fmt.Errorf("airdrop: %q is not a valid address", addr)
	}

	log := observability.NewLogger("airdrop")
	client := chain.NewRPCClient(rpcURL(), log, nil)
	return chain.AirdropWithRetry(ctx, client, chain.Address(addr), *amount, chain.AirdropConfig{}, log)
}

func runCreateMint(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("create-mint", flag.ExitOnError)
	decimals := fs.Int("decimals", 6, "token decimal precision")
	initial := fs.Int64("initial", 0, "initial supply minted to the custodian (UI units)")
	fs.Parse(args)

	secret := os.Getenv("CUSTODIAN_SECRET_KEY")
	custodian, err := chain.ParseSecretKey(secret)
	if err != nil {
		return fmt.Errorf("create-mint: CUSTODIAN_SECRET_KEY: %w", err)
	}

	log := observability.NewLogger("create-mint")
	client := chain.NewRPCClient(rpcURL(), log, nil)

	mint, err := client.CreateMint(ctx, custodian, *decimals)
	if err != nil {
		return err
	}
	fmt.Printf("TOKEN_MINT=%s\n", mint)
	fmt.Printf("TOKEN_DECIMALS=%d\n", *decimals)

	if *initial > 0 {
		account, err := client.EnsureTokenAccount(ctx, custodian, mint, custodian.Address())
		if err != nil {
			return err
		}
		raw, err := chain.RawAmount(*initial, *decimals)
		if err != nil {
			return fmt.Errorf("create-mint: %w", err)
		}
		if err := client.MintTo(ctx, custodian, mint, account, raw); err != nil {
			return err
		}
		log.Info().Int64("amount", *initial).Str("account", string(account)).Msg("initial supply minted")
	}
	return nil
}

func rpcURL() string {
	if v := os.Getenv("LEDGER_RPC_URL"); v != "" {
		return v
	}
	return config.DefaultRPCURL
}
