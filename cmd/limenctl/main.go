// Command limenctl provisions devices, users, cards and grants. Device
// secrets are printed exactly once, when they are generated.
package main

import (
	"context"
	"fmt"
	"os"

	flag "github.com/spf13/pflag"

	"github.com/BrandonDHaskell/Limen/server/internal/bootstrap"
	"github.com/BrandonDHaskell/Limen/server/internal/config"
)

const usage = `usage: limenctl [--config file] <command> [flags]

commands:
  device add --name N [--location L]
  device rename --name N --to M
  device reset-secret --name N
  device enable|disable --name N
  user add --student-id S --name N --email E
  user enable|disable --student-id S
  card add --uid U [--student-id S]
  card enable|disable --uid U
  grant --student-id S --device N
  logs [--limit N]
`

func main() {
	global := flag.NewFlagSet("limenctl", flag.ContinueOnError)
	global.SetInterspersed(false)
	configPath := global.StringP("config", "c", "", "path to a YAML config file")
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(os.Args[1:]); err != nil {
		os.Exit(2)
	}

	cfg, err := config.LoadFile(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx := context.Background()
	st, closeStore, err := bootstrap.OpenStore(ctx, cfg.Store)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer closeStore()

	if err := run(ctx, st, global.Args(), os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "limenctl:", err)
		closeStore()
		os.Exit(1)
	}
}
