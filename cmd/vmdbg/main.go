// Command vmdbg is the debug front end spec.md §6 "Debug interface" names:
// it loads a simconfig document (and, optionally, a TLB snapshot written by
// vm.System.Save and raw PMP register words), builds the corresponding
// vm.System, and dumps one of its component stores to stdout.
//
// It never drives a translation itself — there is no live CSR source to
// feed Miss — so it only exercises the read side of the subsystem: Restore
// and the Dump* family.
package main

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
)

func main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&dumpCommand{
		name:     "dump-tlb",
		synopsis: "dump the HS-regime TLB",
		dump:     dumpTLB,
	}, "")
	subcommands.Register(&dumpCommand{
		name:     "dump-vs1-tlb",
		synopsis: "dump the VS1-regime TLB",
		dump:     dumpVS1TLB,
	}, "")
	subcommands.Register(&dumpCommand{
		name:     "dump-vs2-tlb",
		synopsis: "dump the VS2-regime TLB",
		dump:     dumpVS2TLB,
	}, "")
	subcommands.Register(&dumpCommand{
		name:     "dump-pmp",
		synopsis: "dump the configured PMP regions",
		dump:     dumpPMP,
	}, "")

	flag.Parse()
	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}
