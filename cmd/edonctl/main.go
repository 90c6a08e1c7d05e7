package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"edon/pkg/models"
	"edon/pkg/policypacks"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "hash-token":
		return hashToken(args[1:], out)
	case "list-packs":
		return listPacks(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "edonctl commands:")
	fmt.Fprintln(out, "  hash-token --token <bearer-token>")
	fmt.Fprintln(out, "  list-packs")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

// hashToken prints the digest resolveTenant looks up token_hash by, so
// an operator can seed a tenant_api_keys row without ever putting the
// plaintext token through an HTTP call.
func hashToken(args []string, out io.Writer) error {
	fs := newFlagSet("hash-token")
	token := fs.String("token", "", "bearer token to hash")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*token) == "" {
		return errors.New("token required")
	}
	fmt.Fprintln(out, models.TokenDigest(*token))
	return nil
}

func listPacks(args []string, out io.Writer) error {
	fs := newFlagSet("list-packs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, p := range policypacks.List() {
		fmt.Fprintf(out, "%-16s risk=%-6s scope_tools=%d allowed=%d blocked=%d confirm_required=%v  %s\n",
			p.Name, p.RiskLevel, p.ScopeToolCount, p.AllowedToolCount, p.BlockedToolCount, p.ConfirmRequired, p.Description)
	}
	return nil
}
