// X1-Provis: Deterministic bytecode execution for proof generation
//
// This is the main entry point for X1-Provis. It runs a bytecode
// program against a set of accounts under a dual-domain compute
// meter, prints the public output words and optionally persists the
// run record and the resulting account state.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/fortiblox/X1-Provis/pkg/accounts"
	"github.com/fortiblox/X1-Provis/pkg/proofs"
	"github.com/fortiblox/X1-Provis/pkg/svm/executor"
	"github.com/fortiblox/X1-Provis/pkg/svm/meter"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

// Configuration flags
var (
	inputPath   = flag.String("input", "", "Execution request blob (program, accounts, instruction data)")
	dataDir     = flag.String("data-dir", "", "State directory; commits account changes after a successful run")
	runStore    = flag.String("run-store", "", "Run store database path; records the run when set")
	maxUnits    = flag.Uint64("max-units", 0, "Compute unit budget (0 = default)")
	maxCycles   = flag.Uint64("max-cycles", 0, "Cycle budget (0 = default)")
	maxSteps    = flag.Uint64("max-steps", 0, "Instruction step ceiling (0 = default)")
	complexity  = flag.String("complexity", "simple", "Cost complexity tier: simple, medium, complex, verycomplex")
	cuPrice     = flag.Uint64("cu-price", 0, "Compute unit price in micro-lamports (0 = default)")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("X1-Provis %s (%s)\n", Version, GitCommit)
		os.Exit(0)
	}

	// Setup logging
	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *inputPath == "" {
		log.Fatal("missing -input: nothing to execute")
	}

	tier, err := parseComplexity(*complexity)
	if err != nil {
		log.Fatalf("Invalid complexity: %v", err)
	}

	blob, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("Failed to read input: %v", err)
	}

	in, err := executor.ParseInput(blob)
	if err != nil {
		log.Fatalf("Failed to parse input: %v", err)
	}
	log.Printf("Loaded request: %d program bytes, %d accounts, %d instruction bytes",
		len(in.Program), len(in.Accounts), len(in.InstructionData))

	exec := executor.New(executor.Opts{
		MaxUnits:   *maxUnits,
		MaxCycles:  *maxCycles,
		MaxSteps:   *maxSteps,
		Complexity: tier,
	})

	res, err := exec.Execute(in)
	if err != nil {
		log.Fatalf("Execution rejected: %v", err)
	}

	for _, line := range res.Logs {
		log.Printf("program: %s", line)
	}

	if res.Success {
		log.Printf("Run succeeded: exit=%d units=%d cycles=%d steps=%d changes=%d",
			res.ExitCode, res.UnitsConsumed, res.CyclesConsumed, res.Steps, len(res.Changes))
	} else {
		log.Printf("Run failed: %v (units=%d cycles=%d steps=%d)",
			res.Err, res.UnitsConsumed, res.CyclesConsumed, res.Steps)
	}

	out := proofs.FromResult(res, *cuPrice)
	words := out.Words()
	for i, w := range words {
		fmt.Printf("w%02d = 0x%08x\n", i, w)
	}

	if *runStore != "" {
		if err := recordRun(in.Program, out, res); err != nil {
			log.Fatalf("Failed to record run: %v", err)
		}
	}

	if *dataDir != "" && res.Success {
		if err := commitState(res); err != nil {
			log.Fatalf("Failed to commit state: %v", err)
		}
	}

	if !res.Success {
		os.Exit(1)
	}
}

// parseComplexity maps the flag value to a cost tier.
func parseComplexity(s string) (meter.Complexity, error) {
	switch strings.ToLower(s) {
	case "simple":
		return meter.Simple, nil
	case "medium":
		return meter.Medium, nil
	case "complex":
		return meter.Complex, nil
	case "verycomplex":
		return meter.VeryComplex, nil
	default:
		return meter.Simple, fmt.Errorf("unknown tier %q", s)
	}
}

// recordRun appends the run to the run store.
func recordRun(program []byte, out proofs.Output, res *executor.Result) error {
	store, err := proofs.OpenRunStore(proofs.RunStoreConfig{Path: *runStore})
	if err != nil {
		return err
	}
	defer store.Close()

	delta, err := proofs.DeltaHash(res)
	if err != nil {
		return err
	}
	rec := &proofs.RunRecord{
		ProgramHash: proofs.ProgramHash(program),
		Output:      out,
		DeltaHash:   delta,
		Logs:        res.Logs,
	}
	if err := store.PutRun(rec); err != nil {
		return err
	}
	log.Printf("Recorded run %d of program %x, commitment %x",
		rec.Seq, rec.ProgramHash[:8], rec.Commitment[:8])
	return nil
}

// commitState writes changed accounts to the state store and bumps
// the revision.
func commitState(res *executor.Result) error {
	db, err := accounts.NewBadgerDB(accounts.DefaultBadgerDBConfig(filepath.Join(*dataDir, "accounts")))
	if err != nil {
		return err
	}
	defer db.Close()

	for _, change := range res.Changes {
		acc, ok := res.Accounts[change.Pubkey]
		if !ok {
			continue
		}
		if err := db.SetAccount(change.Pubkey, acc); err != nil {
			return fmt.Errorf("set account %s: %w", change.Pubkey, err)
		}
	}

	if err := db.SetRevision(db.Revision() + 1); err != nil {
		return err
	}
	if err := db.Commit(); err != nil {
		return err
	}
	log.Printf("Committed %d account changes at revision %d", len(res.Changes), db.Revision())
	return nil
}
