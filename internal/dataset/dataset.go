// Package dataset loads SWE-bench style instance tables.
package dataset

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// Instance is one dataset row. It is never modified after loading.
type Instance struct {
	ID               string `json:"instance_id" parquet:"instance_id,optional"`
	Repo             string `json:"repo" parquet:"repo,optional"`
	BaseCommit       string `json:"base_commit" parquet:"base_commit,optional"`
	ProblemStatement string `json:"problem_statement" parquet:"problem_statement,optional"`
	Patch            string `json:"patch" parquet:"patch,optional"`
	TestPatch        string `json:"test_patch" parquet:"test_patch,optional"`
}

// Title and Body split the problem statement on its first line break.
func (in Instance) Title() string {
	title, _ := SplitIssue(in.ProblemStatement)
	return title
}

func (in Instance) Body() string {
	_, body := SplitIssue(in.ProblemStatement)
	return body
}

var requiredColumns = []string{"instance_id", "repo", "base_commit", "problem_statement", "patch", "test_patch"}

// Load reads instances from a .parquet, .jsonl/.json or .csv file, keeping
// file order.
func Load(path string) ([]Instance, error) {
	var (
		instances []Instance
		err       error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		instances, err = loadParquet(path)
	case ".jsonl", ".json", ".ndjson":
		instances, err = loadJSONL(path)
	case ".csv":
		instances, err = loadCSV(path)
	default:
		return nil, fmt.Errorf("unsupported dataset format %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("loading dataset %s: %w", path, err)
	}
	if err := check(instances); err != nil {
		return nil, fmt.Errorf("invalid dataset %s: %w", path, err)
	}
	return instances, nil
}

func loadParquet(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	pf, err := parquet.OpenFile(f, info.Size())
	if err != nil {
		return nil, err
	}
	for _, col := range requiredColumns {
		if _, ok := pf.Schema().Lookup(col); !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	return parquet.ReadFile[Instance](path)
}

func loadJSONL(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var instances []Instance
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 1024*1024), 64*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		for _, col := range requiredColumns {
			if _, ok := fields[col]; !ok {
				return nil, fmt.Errorf("line %d: missing required column %q", line, col)
			}
		}
		var in Instance
		if err := json.Unmarshal([]byte(raw), &in); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		instances = append(instances, in)
	}
	return instances, sc.Err()
}

func loadCSV(path string) ([]Instance, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("missing required column %q", col)
		}
	}
	get := func(rec []string, col string) string {
		if i := idx[col]; i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var instances []Instance
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		instances = append(instances, Instance{
			ID:               get(rec, "instance_id"),
			Repo:             get(rec, "repo"),
			BaseCommit:       get(rec, "base_commit"),
			ProblemStatement: get(rec, "problem_statement"),
			Patch:            get(rec, "patch"),
			TestPatch:        get(rec, "test_patch"),
		})
	}
	return instances, nil
}

func check(instances []Instance) error {
	first := make(map[string]int, len(instances))
	for i, in := range instances {
		if in.ID == "" {
			return fmt.Errorf("row %d: instance_id is required", i)
		}
		if j, dup := first[in.ID]; dup {
			return fmt.Errorf("row %d: duplicate instance_id %q (first at row %d)", i, in.ID, j)
		}
		first[in.ID] = i
		if in.Repo == "" {
			return fmt.Errorf("row %d (%s): repo is required", i, in.ID)
		}
	}
	return nil
}

// SplitIssue separates the issue title (first line) from the body.
func SplitIssue(problem string) (title, body string) {
	i := strings.IndexByte(problem, '\n')
	if i < 0 {
		return problem, ""
	}
	title = strings.TrimSuffix(problem[:i], "\r")
	return title, problem[i+1:]
}

// Group is the ordered set of instances sharing one repository.
type Group struct {
	Repo      string
	Instances []Instance
}

// GroupByRepo groups instances by repository in order of first appearance.
func GroupByRepo(instances []Instance) []Group {
	pos := make(map[string]int)
	var groups []Group
	for _, in := range instances {
		i, ok := pos[in.Repo]
		if !ok {
			i = len(groups)
			pos[in.Repo] = i
			groups = append(groups, Group{Repo: in.Repo})
		}
		groups[i].Instances = append(groups[i].Instances, in)
	}
	return groups
}
