package forum

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/oasisrun/agentplatform/pkg/models"
)

// defaultManualAuthor is used when a manual step's YAML omits an
// author.
const defaultManualAuthor = "moderator"

// scheduleDoc is the YAML document shape: a top-level `repeat` flag and
// an ordered `plan` of steps, each a one-key object naming its kind.
type scheduleDoc struct {
	Version int            `yaml:"version"`
	Repeat  bool           `yaml:"repeat"`
	Plan    []scheduleStep `yaml:"plan"`
}

type scheduleStep struct {
	Expert     string              `yaml:"expert"`
	Parallel   []parallelStepEntry `yaml:"parallel"`
	AllExperts *bool               `yaml:"all_experts"`
	Manual     *manualStepBody     `yaml:"manual"`
}

type parallelStepEntry struct {
	Expert string `yaml:"expert"`
}

// UnmarshalYAML lets a parallel entry be either a bare string expert name
// or a {expert: name} mapping, matching the Python parser's leniency.
func (e *parallelStepEntry) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		return value.Decode(&e.Expert)
	}
	type alias parallelStepEntry
	var a alias
	if err := value.Decode(&a); err != nil {
		return err
	}
	*e = parallelStepEntry(a)
	return nil
}

type manualStepBody struct {
	Author   string `yaml:"author"`
	Content  string `yaml:"content"`
	ReplyTo  *int   `yaml:"reply_to"`
}

// ParseSchedule parses a Schedule YAML document: a `plan` list of
// one-key step objects (`expert`, `parallel`, `all_experts`, `manual`),
// plus a top-level `repeat` flag.
func ParseSchedule(yamlContent string) (models.Schedule, error) {
	var doc scheduleDoc
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil {
		return models.Schedule{}, fmt.Errorf("forum: invalid schedule YAML: %w", err)
	}
	if doc.Plan == nil {
		return models.Schedule{}, fmt.Errorf("forum: schedule YAML must contain a 'plan' key")
	}

	steps := make([]models.ScheduleStep, 0, len(doc.Plan))
	for i, item := range doc.Plan {
		step, err := item.toModel(i)
		if err != nil {
			return models.Schedule{}, err
		}
		steps = append(steps, step)
	}

	return models.Schedule{Repeat: doc.Repeat, Steps: steps}, nil
}

func (s scheduleStep) toModel(index int) (models.ScheduleStep, error) {
	switch {
	case s.Expert != "":
		return models.ScheduleStep{Type: models.StepExpert, ExpertNames: []string{s.Expert}}, nil

	case len(s.Parallel) > 0:
		names := make([]string, 0, len(s.Parallel))
		for _, p := range s.Parallel {
			if p.Expert == "" {
				return models.ScheduleStep{}, fmt.Errorf("forum: step %d: parallel entries must have 'expert' key", index)
			}
			names = append(names, p.Expert)
		}
		return models.ScheduleStep{Type: models.StepParallel, ExpertNames: names}, nil

	case s.AllExperts != nil && *s.AllExperts:
		return models.ScheduleStep{Type: models.StepAllExperts}, nil

	case s.Manual != nil:
		if s.Manual.Content == "" {
			return models.ScheduleStep{}, fmt.Errorf("forum: step %d: manual must have 'content'", index)
		}
		author := s.Manual.Author
		if author == "" {
			author = defaultManualAuthor
		}
		return models.ScheduleStep{
			Type:          models.StepManual,
			ManualAuthor:  author,
			ManualContent: s.Manual.Content,
			ManualReplyTo: s.Manual.ReplyTo,
		}, nil

	default:
		return models.ScheduleStep{}, fmt.Errorf("forum: step %d: unknown step type", index)
	}
}

// LoadScheduleFile reads and parses a Schedule from a YAML file path
//.
func LoadScheduleFile(path string) (models.Schedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("forum: read schedule file: %w", err)
	}
	return ParseSchedule(string(data))
}
