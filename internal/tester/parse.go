package tester

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// [PASS] test_Increment() (gas: 28334)
	// [FAIL. Reason: assertion failed] test_Broken() (gas: 31012)
	// [PASS] testFuzz_SetNumber(uint256) (runs: 256, μ: 27553, ~: 28409)
	caseRe   = regexp.MustCompile(`\[(PASS|FAIL|SKIP)[^\]]*\]\s+(\w+)(?:\([^)]*\))?\s*(?:\(([^)]+)\))?`)
	runsRe   = regexp.MustCompile(`runs:\s*(\d+)`)
	avgGasRe = regexp.MustCompile(`μ:\s*(\d+)`)
	pctRe    = regexp.MustCompile(`(\d+(?:\.\d+)?)%`)
)

// parseTestOutput builds a Result from forge test's combined output. The
// counters come from the per-case lines rather than the trailing summary,
// which forge formats differently across versions.
func parseTestOutput(output string, success bool) *Result {
	res := &Result{Success: success}
	for _, line := range strings.Split(output, "\n") {
		m := caseRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		c := Case{Name: m[2], Status: strings.ToLower(m[1]), Detail: m[3]}
		if rm := runsRe.FindStringSubmatch(c.Detail); rm != nil {
			c.Runs, _ = strconv.ParseUint(rm[1], 10, 64)
		}
		if gm := avgGasRe.FindStringSubmatch(c.Detail); gm != nil {
			c.AvgGas, _ = strconv.ParseUint(gm[1], 10, 64)
		}
		res.Cases = append(res.Cases, c)
		switch c.Status {
		case "pass":
			res.Passed++
		case "fail":
			res.Failed++
		case "skip":
			res.Skipped++
		}
	}
	res.Total = res.Passed + res.Failed + res.Skipped
	res.GasReport = parseGasReport(output)
	if !success {
		res.Error = extractError(output)
	}
	return res
}

// parseGasReport reads the table forge prints under --gas-report. A contract
// header row opens a section; subsequent numeric rows are its functions.
// Returns nil when no table is present.
func parseGasReport(output string) map[string]ContractGas {
	report := map[string]ContractGas{}
	current := ""
	for _, line := range strings.Split(output, "\n") {
		if !strings.ContainsAny(line, "│|") {
			continue
		}
		cells := splitTableRow(line)
		if len(cells) == 0 {
			continue
		}
		if name, ok := strings.CutSuffix(cells[0], " Contract"); ok && len(cells) == 1 {
			// "src/Counter.sol:Counter Contract"
			if i := strings.LastIndex(name, ":"); i >= 0 {
				name = name[i+1:]
			}
			current = name
			report[current] = ContractGas{Functions: map[string]FunctionGas{}}
			continue
		}
		if current == "" || len(cells) < 6 || cells[0] == "Function Name" {
			continue
		}
		row, ok := parseGasRow(cells)
		if !ok {
			continue
		}
		report[current].Functions[cells[0]] = row
	}
	if len(report) == 0 {
		return nil
	}
	return report
}

func splitTableRow(line string) []string {
	fields := strings.FieldsFunc(line, func(r rune) bool { return r == '│' || r == '|' })
	cells := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f != "" && !isRule(f) {
			cells = append(cells, f)
		}
	}
	return cells
}

// isRule reports whether a cell is a horizontal rule left over from the
// table borders.
func isRule(s string) bool {
	for _, r := range s {
		switch r {
		case '─', '-', '═', '=', '┼', '+':
		default:
			return false
		}
	}
	return true
}

func parseGasRow(cells []string) (FunctionGas, bool) {
	nums := make([]uint64, 0, 5)
	for _, cell := range cells[1:6] {
		n, err := strconv.ParseUint(cell, 10, 64)
		if err != nil {
			return FunctionGas{}, false
		}
		nums = append(nums, n)
	}
	return FunctionGas{Min: nums[0], Avg: nums[1], Median: nums[2], Max: nums[3], Calls: nums[4]}, true
}

// parseCoverageOutput reads the forge coverage summary table. The Total row
// feeds the overall percentage; .sol rows feed the per-file list.
func parseCoverageOutput(output string, success bool) *CoverageResult {
	res := &CoverageResult{Success: success}
	for _, line := range strings.Split(output, "\n") {
		if !strings.Contains(line, "|") {
			continue
		}
		cells := splitTableRow(line)
		if len(cells) < 2 {
			continue
		}
		pm := pctRe.FindStringSubmatch(cells[1])
		if pm == nil {
			continue
		}
		pct, err := strconv.ParseFloat(pm[1], 64)
		if err != nil {
			continue
		}
		switch {
		case cells[0] == "Total":
			res.Percent = pct
		case strings.Contains(cells[0], ".sol"):
			res.Files = append(res.Files, FileCoverage{File: cells[0], Percent: pct})
		}
	}
	if !success {
		res.Error = extractError(output)
	}
	return res
}

// extractError pulls the most telling line out of a failed invocation's
// output.
func extractError(output string) string {
	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.Contains(line, "Error:"):
			return strings.TrimSpace(line)
		case strings.Contains(line, "[FAIL"):
			return strings.TrimSpace(line)
		case strings.Contains(strings.ToLower(line), "revert"):
			return strings.TrimSpace(line)
		}
	}
	return "test execution failed"
}
