package result

// Sentinel is the score recorded when a labelling attempt failed.
const Sentinel = -1

// LabelResult is one line of the result log: the outcome of one repetition
// of the three-capability scoring pass for one instance. Scores are nil when
// the model answered but no ordinal could be recognised.
type LabelResult struct {
	InstanceID          string `json:"instance_id"`
	Repetition          int    `json:"repetition"`
	IssueScore          *int   `json:"issue_score"`
	IssueRationale      string `json:"issue_rationale"`
	IssueHasSolution    any    `json:"issue_has_solution"`
	TestScore           *int   `json:"test_score"`
	TestRationale       string `json:"test_rationale"`
	DifficultyScore     *int   `json:"difficulty_score"`
	DifficultyRationale string `json:"difficulty_rationale"`
}

// Settings is the experiment snapshot written once at run start.
type Settings struct {
	ExperimentID             string            `json:"experiment_id"`
	ExperimentDescription    string            `json:"experiment_description"`
	Dataset                  string            `json:"dataset"`
	IssueLabeller            string            `json:"issue_labeller"`
	IssueLabellerParams      map[string]string `json:"issue_labeller_params"`
	TestLabeller             string            `json:"test_labeller"`
	TestLabellerParams       map[string]string `json:"test_labeller_params"`
	DifficultyLabeller       string            `json:"difficulty_labeller"`
	DifficultyLabellerParams map[string]string `json:"difficulty_labeller_params"`
	SkippedInstances         []string          `json:"skipped_instances"`
	Repetitions              int               `json:"repetitions"`
	Parallel                 bool              `json:"parallel"`
	MaxWorkers               int               `json:"max_workers"`
}
