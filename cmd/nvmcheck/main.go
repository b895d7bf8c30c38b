// Command nvmcheck is a demonstration driver: against the in-memory
// enginetest fakes it runs one persistent-memory scenario - a write caught
// unpersisted by check_persisted, then the same line flushed, fenced and
// checked again - and prints the resulting bug report. It is not the real CLI wrapper (the
// instruction dispatcher, constraint solver, and file-format loader are
// named external collaborators, out of scope) - this is ambient
// demonstration tooling only, in the style of the teacher's own
// cmd/vybium-vm-prover and examples/*/main.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/vybium/nvm-checker/internal/nvmchecker/engine"
	"github.com/vybium/nvm-checker/internal/nvmchecker/engine/enginetest"
	"github.com/vybium/nvm-checker/pkg/nvmchecker"
)

func main() {
	ctx := context.Background()
	cfg := nvmchecker.DefaultConfig()

	pt := enginetest.NewFakePointsTo()
	checker, err := nvmchecker.New(cfg, pt, nil)
	if err != nil {
		fatal("building checker: %v", err)
	}

	solver := enginetest.NewFakeSolver()
	eng := enginetest.NewFakeEngine()
	state := eng.NewState()

	obj := engine.MemoryObject{ID: 1, Size: 64}
	checker.MarkPersistent(obj, "log_record")

	writeLoc := engine.Location{Function: "append_record", File: "record.c", Line: 12, InstID: 1}
	checker.Write(obj, writeLoc, 0)

	checkLoc := engine.Location{Function: "append_record", File: "record.c", Line: 14, InstID: 2}
	if _, err := checker.CheckPersisted(ctx, solver, state, obj, checkLoc); err != nil {
		fatal("check_persisted: %v", err)
	}

	flushLoc := engine.Location{Function: "commit_record", File: "record.c", Line: 20, InstID: 3}
	checker.Flush(obj, flushLoc, 0)
	checker.Fence()

	checkLoc2 := engine.Location{Function: "commit_record", File: "record.c", Line: 21, InstID: 4}
	if _, err := checker.CheckPersisted(ctx, solver, state, obj, checkLoc2); err != nil {
		fatal("check_persisted: %v", err)
	}

	fmt.Println("=== nvmcheck report ===")
	if err := checker.DumpText(os.Stdout); err != nil {
		fatal("dump_text: %v", err)
	}
	fmt.Println("=== CSV ===")
	if err := checker.DumpCSV(os.Stdout); err != nil {
		fatal("dump_csv: %v", err)
	}

	os.Exit(checker.Report().ExitCode())
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(2)
}
