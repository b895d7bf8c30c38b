package nvmchecker

import "github.com/vybium/nvm-checker/internal/nvmchecker/rootcause"

// Bug is one reported bug instance, ready for output.
type Bug struct {
	ID          uint64
	Reason      string
	Occurrences int
	Masks       []uint64
}

// Report is the tool's final output summary: bug and site totals and the
// per-category counts. Bugs is not filled in by Checker.Report; per-bug
// detail is available only through DumpText/DumpCSV.
type Report struct {
	TotalBugs  int
	TotalSites int
	Counts     map[string]int
	Bugs       []Bug
}

// ExitCode is 0 if the report found no bugs, non-zero otherwise.
func (r Report) ExitCode() int {
	if r.TotalBugs == 0 {
		return 0
	}
	return 1
}

func newReport(summary rootcause.Summary) Report {
	counts := make(map[string]int, len(summary.Counts))
	for reason, count := range summary.Counts {
		counts[reason.String()] = count
	}
	return Report{
		TotalBugs:  summary.TotalBugs,
		TotalSites: summary.TotalSites,
		Counts:     counts,
	}
}
