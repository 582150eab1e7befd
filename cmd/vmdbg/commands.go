package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/subcommands"
	"github.com/pkg/errors"

	"riscvvm/internal/simconfig"
	"riscvvm/memdomain"
	"riscvvm/pmp"
	"riscvvm/riscv"
	"riscvvm/vm"
)

// dumpCommand is a subcommands.Command that builds a vm.System from a
// simconfig document plus optional TLB/PMP seed state, then runs one of
// the System.Dump* methods against it. The four registered subcommands
// (dump-tlb, dump-vs1-tlb, dump-vs2-tlb, dump-pmp) share everything but
// which Dump method they call.
type dumpCommand struct {
	name     string
	synopsis string
	dump     func(sys *vm.System, w io.Writer)

	configPath   string
	snapshotPath string
	pmpCfgWords  string
	pmpAddrWords string
}

func (c *dumpCommand) Name() string     { return c.name }
func (c *dumpCommand) Synopsis() string { return c.synopsis }

func (c *dumpCommand) Usage() string {
	return fmt.Sprintf("%s -config=<path> [-snapshot=<path>] [-pmpcfg=<hex,hex,...>] [-pmpaddr=<hex,hex,...>]\n", c.name)
}

func (c *dumpCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a simconfig TOML document (required)")
	f.StringVar(&c.snapshotPath, "snapshot", "", "path to a TLB snapshot written by vm.System.Save")
	f.StringVar(&c.pmpCfgWords, "pmpcfg", "", "comma-separated hex pmpcfgN register words, lowest index first")
	f.StringVar(&c.pmpAddrWords, "pmpaddr", "", "comma-separated hex pmpaddrN register words, lowest index first")
}

func (c *dumpCommand) Execute(_ context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sys, err := buildSystem(c.configPath, c.snapshotPath, c.pmpCfgWords, c.pmpAddrWords)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmdbg: %v\n", err)
		return subcommands.ExitFailure
	}
	c.dump(sys, os.Stdout)
	return subcommands.ExitSuccess
}

func dumpTLB(sys *vm.System, w io.Writer)    { sys.DumpTLB(w) }
func dumpVS1TLB(sys *vm.System, w io.Writer) { sys.DumpVS1TLB(w) }
func dumpVS2TLB(sys *vm.System, w io.Writer) { sys.DumpVS2TLB(w) }
func dumpPMP(sys *vm.System, w io.Writer)    { sys.DumpPMP(w) }

// addrBitsFor picks a plausible implemented physical address width for the
// given XLEN; spec.md leaves the exact width to the surrounding processor
// (Glossary, "implemented physical address bits"), so this is only a debug
// default, not an architectural constant.
func addrBitsFor(xlen int) uint {
	if xlen == 32 {
		return 34
	}
	return 56
}

// buildSystem loads configPath, constructs a vm.System over a small scratch
// physical domain, seeds PMP registers from pmpCfgWords/pmpAddrWords (raw
// hex pmpcfgN/pmpaddrN CSR values, lowest index first) if given, and
// restores snapshotPath (a stream written by vm.System.Save) if given.
func buildSystem(configPath, snapshotPath, pmpCfgWords, pmpAddrWords string) (*vm.System, error) {
	if configPath == "" {
		return nil, errors.New("-config is required")
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	cfg, err := simconfig.Load(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse config")
	}

	proc := &debugProcessor{privVersion: cfg.PrivArchVersion(), asidBits: cfg.ASIDBits, vmidBits: cfg.VMIDBits}

	backing := make([]byte, 16*int(memdomain.PageSize))
	physical := memdomain.NewPhysicalDomain(memdomain.NewFrameAllocator(backing), riscv.LittleEndian)

	dataPMP := pmp.New(cfg.PMPRegions, cfg.PMPGrain, addrBitsFor(cfg.XLEN))
	entriesPerWord := cfg.XLEN / 8
	if err := seedPMP(dataPMP, pmpCfgWords, pmpAddrWords, entriesPerWord); err != nil {
		return nil, err
	}

	sys := vm.Init(proc, physical, dataPMP, dataPMP, cfg.ASIDBits, cfg.VMIDBits, cfg.HardwareAD, cfg.HardwareAD)

	if snapshotPath != "" {
		f, err := os.Open(snapshotPath)
		if err != nil {
			return nil, errors.Wrap(err, "open snapshot")
		}
		defer f.Close()
		if err := sys.Restore(f); err != nil {
			return nil, errors.Wrap(err, "restore snapshot")
		}
	}

	return sys, nil
}

func seedPMP(e *pmp.Engine, cfgWords, addrWords string, entriesPerWord int) error {
	cfgVals, err := parseHexList(cfgWords)
	if err != nil {
		return errors.Wrap(err, "-pmpcfg")
	}
	for i, v := range cfgVals {
		e.WriteConfigWord(i, v, entriesPerWord)
	}

	addrVals, err := parseHexList(addrWords)
	if err != nil {
		return errors.Wrap(err, "-pmpaddr")
	}
	for i, v := range addrVals {
		e.WriteAddr(i, v)
	}
	return nil
}

func parseHexList(s string) ([]uint64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]uint64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseUint(strings.TrimPrefix(strings.TrimSpace(p), "0x"), 16, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "word %d (%q)", i, p)
		}
		out[i] = v
	}
	return out, nil
}

// debugProcessor is a minimal, static riscv.Processor used only to satisfy
// vm.Init's dependency on a live CSR source. vmdbg never calls System.Miss,
// so the CSR-dependent fields (Satp/Vsatp/Hgatp/Status) are never read; only
// PrivArchVersion/ASIDBits/VMIDBits carry real values, taken from the loaded
// simconfig. Restore reads none of them: its invalidation calls use the
// ASID width passed to vm.Init.
type debugProcessor struct {
	privVersion riscv.PrivVersion
	asidBits    uint
	vmidBits    uint
}

func (p *debugProcessor) CurrentMode() riscv.Mode            { return riscv.ModeSupervisor }
func (p *debugProcessor) Virtualized() bool                  { return false }
func (p *debugProcessor) MinImplementedMode() riscv.Mode     { return riscv.ModeUser }
func (p *debugProcessor) PrivArchVersion() riscv.PrivVersion { return p.privVersion }
func (p *debugProcessor) Satp() riscv.SatpState              { return riscv.SatpState{} }
func (p *debugProcessor) Vsatp() riscv.SatpState             { return riscv.SatpState{} }
func (p *debugProcessor) Hgatp() riscv.SatpState             { return riscv.SatpState{} }
func (p *debugProcessor) Status() riscv.Status               { return riscv.Status{} }
func (p *debugProcessor) DebugCSR() riscv.DebugControl       { return riscv.DebugControl{} }
func (p *debugProcessor) Endianness(riscv.Regime) riscv.Endianness {
	return riscv.LittleEndian
}
func (p *debugProcessor) ASIDBits() uint { return p.asidBits }
func (p *debugProcessor) VMIDBits() uint { return p.vmidBits }
func (p *debugProcessor) TakeMemoryException(riscv.ExceptionKind, uint64, bool) {}
