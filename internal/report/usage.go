package report

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// UsageRecord is one successful model round-trip as logged by a provider.
type UsageRecord struct {
	Message      string  `json:"message"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	InputTokens  int     `json:"tokens_in"`
	OutputTokens int     `json:"tokens_out"`
	CostUSD      float64 `json:"cost_usd"`
}

const usageMessage = "model request"

// ParseUsageLogs reads the "model request" lines of a provider.log. Other
// lines are ignored; a missing file has no records.
func ParseUsageLogs(logPath string) ([]UsageRecord, error) {
	f, err := os.Open(logPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading provider log: %w", err)
	}
	defer f.Close()

	var records []UsageRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec UsageRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		if rec.Message == usageMessage && rec.Model != "" {
			records = append(records, rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading provider log: %w", err)
	}
	return records, nil
}

func TotalUsage(records []UsageRecord) (inputTokens, outputTokens int) {
	for _, r := range records {
		inputTokens += r.InputTokens
		outputTokens += r.OutputTokens
	}
	return
}
