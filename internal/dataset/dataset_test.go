package dataset_test

import (
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"

	"github.com/parquet-go/parquet-go"

	"github.com/signalnine/spice/internal/dataset"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSONLKeepsOrder(t *testing.T) {
	path := writeFile(t, "data.jsonl", `{"instance_id":"b__b-2","repo":"org/b","base_commit":"c2","problem_statement":"Title B\nBody","patch":"p","test_patch":"tp"}
{"instance_id":"a__a-1","repo":"org/a","base_commit":"c1","problem_statement":"Title A","patch":"p","test_patch":"tp"}

`)
	instances, err := dataset.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := ids(instances); !slices.Equal(got, []string{"b__b-2", "a__a-1"}) {
		t.Fatalf("order = %v", got)
	}
	if instances[0].Title() != "Title B" || instances[0].Body() != "Body" {
		t.Errorf("title/body = %q / %q", instances[0].Title(), instances[0].Body())
	}
}

func TestLoadJSONLMissingColumn(t *testing.T) {
	path := writeFile(t, "data.jsonl", `{"instance_id":"x","repo":"org/x","base_commit":"c","problem_statement":"t","patch":"p"}`)
	_, err := dataset.Load(path)
	if err == nil || !strings.Contains(err.Error(), "test_patch") {
		t.Errorf("expected error naming test_patch, got %v", err)
	}
}

func TestLoadCSV(t *testing.T) {
	path := writeFile(t, "data.csv", "instance_id,repo,base_commit,problem_statement,patch,test_patch\n"+
		"proj__proj-1,org/proj,abc123,\"Crash on empty input\nSteps to reproduce...\",diff,tdiff\n")
	instances, err := dataset.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("expected 1 instance, got %d", len(instances))
	}
	in := instances[0]
	if in.Repo != "org/proj" || in.Title() != "Crash on empty input" || in.Body() != "Steps to reproduce..." {
		t.Errorf("instance = %+v", in)
	}
}

func TestLoadParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.parquet")
	rows := []dataset.Instance{
		{ID: "proj__proj-1", Repo: "org/proj", BaseCommit: "abc123", ProblemStatement: "Crash\nbody", Patch: "d", TestPatch: "t"},
		{ID: "proj__proj-2", Repo: "org/proj", BaseCommit: "def456", ProblemStatement: "Hang", Patch: "d", TestPatch: "t"},
	}
	if err := parquet.WriteFile(path, rows); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	instances, err := dataset.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(instances, rows) {
		t.Errorf("instances = %+v", instances)
	}
}

func TestLoadRejectsEmptyID(t *testing.T) {
	path := writeFile(t, "data.jsonl", `{"instance_id":"","repo":"org/x","base_commit":"c","problem_statement":"t","patch":"p","test_patch":"tp"}`)
	if _, err := dataset.Load(path); err == nil {
		t.Error("expected error for an empty instance_id")
	}
}

func TestLoadRejectsDuplicateID(t *testing.T) {
	row := `{"instance_id":"org__x-1","repo":"org/x","base_commit":"c","problem_statement":"t","patch":"p","test_patch":"tp"}`
	path := writeFile(t, "data.jsonl", row+"\n"+row+"\n")
	_, err := dataset.Load(path)
	if err == nil || !strings.Contains(err.Error(), `duplicate instance_id "org__x-1"`) {
		t.Errorf("expected duplicate error, got %v", err)
	}
}

func TestLoadUnsupportedFormat(t *testing.T) {
	if _, err := dataset.Load("data.xlsx"); err == nil {
		t.Error("expected error for .xlsx")
	}
}

func TestSplitIssue(t *testing.T) {
	tests := []struct {
		in, title, body string
	}{
		{"Title\nBody line\nmore", "Title", "Body line\nmore"},
		{"Title\r\nBody", "Title", "Body"},
		{"Only a title", "Only a title", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		title, body := dataset.SplitIssue(tt.in)
		if title != tt.title || body != tt.body {
			t.Errorf("SplitIssue(%q) = %q, %q; want %q, %q", tt.in, title, body, tt.title, tt.body)
		}
	}
}

func TestGroupByRepo(t *testing.T) {
	instances := []dataset.Instance{
		{ID: "1", Repo: "org/b"},
		{ID: "2", Repo: "org/a"},
		{ID: "3", Repo: "org/b"},
		{ID: "4", Repo: "org/c"},
		{ID: "5", Repo: "org/a"},
	}
	groups := dataset.GroupByRepo(instances)
	if len(groups) != 3 {
		t.Fatalf("expected 3 groups, got %d", len(groups))
	}
	want := []struct {
		repo string
		ids  []string
	}{
		{"org/b", []string{"1", "3"}},
		{"org/a", []string{"2", "5"}},
		{"org/c", []string{"4"}},
	}
	for i, w := range want {
		if groups[i].Repo != w.repo || !slices.Equal(ids(groups[i].Instances), w.ids) {
			t.Errorf("group %d = %s %v, want %s %v", i, groups[i].Repo, ids(groups[i].Instances), w.repo, w.ids)
		}
	}
}

func ids(instances []dataset.Instance) []string {
	out := make([]string, len(instances))
	for i, in := range instances {
		out[i] = in.ID
	}
	return out
}
