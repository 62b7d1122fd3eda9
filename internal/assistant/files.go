// Package assistant drives an external coding assistant inside a repository
// checkout: it chooses which files fit in the model's context, hands them to
// the assistant read-only and asks it questions.
package assistant

import (
	"fmt"
	"sort"
	"strings"

	"github.com/bluekeyes/go-gitdiff/gitdiff"
	"go.uber.org/zap"
)

// CandidateFiles lists the files a patch and a test patch modify, code patch
// first. Added and deleted files are left out since they do not exist (or
// stop existing) at the base revision.
func CandidateFiles(patch, testPatch string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, p := range []string{patch, testPatch} {
		if strings.TrimSpace(p) == "" {
			continue
		}
		files, _, err := gitdiff.Parse(strings.NewReader(p))
		if err != nil {
			return nil, fmt.Errorf("parsing patch: %w", err)
		}
		for _, f := range files {
			if f.IsNew || f.IsDelete {
				continue
			}
			name := f.OldName
			if name == "" || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, name)
		}
	}
	return out, nil
}

// Candidate is a file and its estimated context cost.
type Candidate struct {
	Path   string
	Tokens int
}

// SelectFiles takes candidates cheapest first while baseline plus the
// selected costs stays within window*threshold. It stops at the first file
// that does not fit and logs a warning naming it.
func SelectFiles(candidates []Candidate, baseline, window int, threshold float64, logger *zap.Logger) []string {
	if logger == nil {
		logger = zap.NewNop()
	}
	sorted := append([]Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Tokens < sorted[j].Tokens })

	limit := float64(window) * threshold
	total := baseline
	var selected []string
	for _, c := range sorted {
		total += c.Tokens
		if float64(total) > limit {
			logger.Warn("failed to add all gold/test patch files",
				zap.String("file", c.Path),
				zap.Int("tokens", c.Tokens),
				zap.Int("limit", int(limit)))
			break
		}
		selected = append(selected, c.Path)
	}
	return selected
}
