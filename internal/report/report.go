// Package report summarizes an experiment's result log and provider usage.
// It counts what was recorded; it does not compute consensus labels.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/signalnine/spice/internal/labeller"
	"github.com/signalnine/spice/internal/pricing"
	"github.com/signalnine/spice/internal/result"
)

// ProviderLogName is the per-capability usage log written by run.
const ProviderLogName = "provider.log"

type Options struct {
	ExperimentID string
	ResultDir    string
	LogDir       string
	// Repetitions is the expected record count per instance. Zero disables
	// the incomplete and duplicate checks.
	Repetitions int
	// Pricing re-prices usage lines when set.
	Pricing *pricing.Table
}

type CapabilitySummary struct {
	Capability   string      `json:"capability"`
	Scored       int         `json:"scored"`
	Null         int         `json:"null"`
	Failures     int         `json:"failures"`
	Distribution map[int]int `json:"distribution"`
	Requests     int         `json:"requests"`
	TokensIn     int         `json:"tokens_in"`
	TokensOut    int         `json:"tokens_out"`
	CostUSD      float64     `json:"cost_usd"`
}

type Summary struct {
	ExperimentID string              `json:"experiment_id"`
	Records      int                 `json:"records"`
	Instances    int                 `json:"instances"`
	Repetitions  int                 `json:"repetitions"`
	Incomplete   []string            `json:"incomplete"`
	Duplicated   []string            `json:"duplicated"`
	Capabilities []CapabilitySummary `json:"capabilities"`
}

var capabilities = []string{labeller.Issue, labeller.Test, labeller.Difficulty}

// Build reads the result log and the provider logs of an experiment.
func Build(opts Options) (*Summary, error) {
	recs, err := result.ReadAll(result.ResultPath(opts.ResultDir, opts.ExperimentID))
	if err != nil {
		return nil, err
	}
	s := &Summary{
		ExperimentID: opts.ExperimentID,
		Records:      len(recs),
		Repetitions:  opts.Repetitions,
	}

	counts := make(map[string]int)
	byCap := make(map[string]*CapabilitySummary, len(capabilities))
	for _, c := range capabilities {
		byCap[c] = &CapabilitySummary{Capability: c, Distribution: map[int]int{}}
	}
	for _, rec := range recs {
		counts[rec.InstanceID]++
		tally(byCap[labeller.Issue], rec.IssueScore)
		tally(byCap[labeller.Test], rec.TestScore)
		tally(byCap[labeller.Difficulty], rec.DifficultyScore)
	}
	s.Instances = len(counts)
	if opts.Repetitions > 0 {
		for id, n := range counts {
			switch {
			case n < opts.Repetitions:
				s.Incomplete = append(s.Incomplete, id)
			case n > opts.Repetitions:
				s.Duplicated = append(s.Duplicated, id)
			}
		}
		sort.Strings(s.Incomplete)
		sort.Strings(s.Duplicated)
	}

	for _, c := range capabilities {
		cs := byCap[c]
		logPath := filepath.Join(result.CapabilityLogDir(opts.LogDir, opts.ExperimentID, c), ProviderLogName)
		usage, err := ParseUsageLogs(logPath)
		if err != nil {
			return nil, err
		}
		cs.Requests = len(usage)
		cs.TokensIn, cs.TokensOut = TotalUsage(usage)
		for _, u := range usage {
			cost := u.CostUSD
			if opts.Pricing != nil {
				if priced := opts.Pricing.Cost(u.Provider, u.Model, u.InputTokens, u.OutputTokens); priced > 0 {
					cost = priced
				}
			}
			cs.CostUSD += cost
		}
		s.Capabilities = append(s.Capabilities, *cs)
	}
	return s, nil
}

func tally(cs *CapabilitySummary, score *int) {
	switch {
	case score == nil:
		cs.Null++
	case *score == result.Sentinel:
		cs.Failures++
	default:
		cs.Scored++
		cs.Distribution[*score]++
	}
}

// Generate builds the summary and writes it as table, markdown or json.
func Generate(opts Options, format string, w io.Writer) error {
	s, err := Build(opts)
	if err != nil {
		return err
	}
	switch format {
	case "markdown":
		return writeMarkdown(s, w)
	case "json":
		return writeJSON(s, w)
	case "table", "":
		return writeTable(s, w)
	default:
		return fmt.Errorf("unknown report format %q (known: table, markdown, json)", format)
	}
}

func distribution(d map[int]int) string {
	keys := make([]int, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%d:%d", k, d[k]))
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func writeHeader(s *Summary, w io.Writer) {
	fmt.Fprintf(w, "Experiment %s: %d records, %d instances", s.ExperimentID, s.Records, s.Instances)
	if s.Repetitions > 0 {
		fmt.Fprintf(w, " (expected %d repetitions each)", s.Repetitions)
	}
	fmt.Fprintln(w)
	if len(s.Incomplete) > 0 {
		fmt.Fprintf(w, "Incomplete: %s\n", strings.Join(s.Incomplete, ", "))
	}
	if len(s.Duplicated) > 0 {
		fmt.Fprintf(w, "Duplicated: %s\n", strings.Join(s.Duplicated, ", "))
	}
	fmt.Fprintln(w)
}

func writeTable(s *Summary, w io.Writer) error {
	writeHeader(s, w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CAPABILITY\tSCORED\tNULL\tFAILURES\tDISTRIBUTION\tREQUESTS\tTOKENS IN\tTOKENS OUT\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 96))
	for _, c := range s.Capabilities {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\t%d\t%d\t%d\t$%.2f\n",
			c.Capability, c.Scored, c.Null, c.Failures, distribution(c.Distribution),
			c.Requests, c.TokensIn, c.TokensOut, c.CostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(s *Summary, w io.Writer) error {
	writeHeader(s, w)
	fmt.Fprintln(w, "| Capability | Scored | Null | Failures | Distribution | Requests | Tokens In | Tokens Out | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|---|")
	for _, c := range s.Capabilities {
		fmt.Fprintf(w, "| %s | %d | %d | %d | %s | %d | %d | %d | $%.2f |\n",
			c.Capability, c.Scored, c.Null, c.Failures, distribution(c.Distribution),
			c.Requests, c.TokensIn, c.TokensOut, c.CostUSD)
	}
	return nil
}

func writeJSON(s *Summary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}
