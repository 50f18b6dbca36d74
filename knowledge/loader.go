package knowledge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// ErrEmpty is returned when no valid step could be loaded.
var ErrEmpty = errors.New("knowledge base has no valid steps")

type fileDoc struct {
	Tasks []taskDoc `yaml:"tasks"`
}

type taskDoc struct {
	ID          string    `yaml:"id"`
	Title       string    `yaml:"title"`
	Description string    `yaml:"description"`
	Steps       []stepDoc `yaml:"steps"`
}

type stepDoc struct {
	Title                string   `yaml:"title"`
	Description          string   `yaml:"description"`
	Tools                []string `yaml:"tools"`
	VisualCues           []string `yaml:"visual_cues"`
	CompletionIndicators []string `yaml:"completion_indicators"`
	Duration             string   `yaml:"duration"`
	SafetyNotes          []string `yaml:"safety_notes"`
}

// LoadPath loads a single YAML file, or every *.yaml / *.yml file in a
// directory in name order.
func LoadPath(path string, logger *zap.Logger) (*Base, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat knowledge base: %w", err)
	}
	files := []string{path}
	if info.IsDir() {
		files, err = yamlFiles(path)
		if err != nil {
			return nil, err
		}
	}

	var docs []namedDoc
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", f, err)
		}
		docs = append(docs, namedDoc{source: f, data: data})
	}
	return build(docs, logger)
}

// Load parses one YAML document stream.
func Load(r io.Reader, source string, logger *zap.Logger) (*Base, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", source, err)
	}
	return build([]namedDoc{{source: source, data: data}}, logger)
}

type namedDoc struct {
	source string
	data   []byte
}

func yamlFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read knowledge dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if ext := strings.ToLower(filepath.Ext(e.Name())); ext == ".yaml" || ext == ".yml" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func build(docs []namedDoc, logger *zap.Logger) (*Base, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "knowledge"))

	var (
		tasks  []models.Task
		issues []Issue
		seen   = make(map[string]string)
	)
	skip := func(is Issue) {
		issues = append(issues, is)
		logger.Warn("Skipping knowledge base entry",
			zap.String("source", is.Source),
			zap.String("task_id", is.TaskID),
			zap.Int("step", is.Step),
			zap.String("reason", is.Reason))
	}

	for _, d := range docs {
		dec := yaml.NewDecoder(bytes.NewReader(d.data))
		for {
			var doc fileDoc
			err := dec.Decode(&doc)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", d.source, err)
			}
			for _, td := range doc.Tasks {
				id := strings.TrimSpace(td.ID)
				switch {
				case id == "":
					skip(Issue{Source: d.source, Reason: "missing task id"})
					continue
				case seen[id] != "":
					skip(Issue{Source: d.source, TaskID: id, Reason: "duplicate task id, first defined in " + seen[id]})
					continue
				}

				task := models.Task{ID: id, Title: td.Title, Description: td.Description}
				for i, sd := range td.Steps {
					step, reason := convertStep(id, sd)
					if reason != "" {
						skip(Issue{Source: d.source, TaskID: id, Step: i + 1, Reason: reason})
						continue
					}
					task.Steps = append(task.Steps, step)
				}
				if len(task.Steps) == 0 {
					skip(Issue{Source: d.source, TaskID: id, Reason: "no valid steps"})
					continue
				}
				seen[id] = d.source
				tasks = append(tasks, task)
			}
		}
	}

	b := New(tasks)
	b.issues = issues
	if b.Len() == 0 {
		return b, ErrEmpty
	}
	logger.Info("Knowledge base loaded",
		zap.Int("tasks", len(b.tasks)),
		zap.Int("steps", b.Len()),
		zap.Int("skipped", len(issues)))
	return b, nil
}

func convertStep(taskID string, sd stepDoc) (models.TaskStep, string) {
	title := strings.TrimSpace(sd.Title)
	cues := compact(sd.VisualCues)
	if title == "" && len(cues) == 0 {
		return models.TaskStep{}, "step needs a title or visual cues"
	}
	var dur time.Duration
	if sd.Duration != "" {
		d, err := time.ParseDuration(sd.Duration)
		if err != nil || d < 0 {
			return models.TaskStep{}, fmt.Sprintf("invalid duration %q", sd.Duration)
		}
		dur = d
	}
	return models.TaskStep{
		TaskID:               taskID,
		Title:                title,
		Description:          strings.TrimSpace(sd.Description),
		Tools:                compact(sd.Tools),
		VisualCues:           cues,
		CompletionIndicators: compact(sd.CompletionIndicators),
		DurationEstimate:     dur,
		SafetyNotes:          compact(sd.SafetyNotes),
	}, ""
}

func compact(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
