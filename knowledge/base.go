// Package knowledge loads task procedures and serves them read-only to the
// matcher and the query templates.
package knowledge

import (
	"sort"

	"github.com/Perceptus-Labs/perceptus-guide/models"
)

// Issue describes an entry that was skipped while loading.
type Issue struct {
	Source string
	TaskID string
	Step   int // 0 when the whole task was skipped
	Reason string
}

// Base is an immutable set of tasks. Reloading produces a new Base.
type Base struct {
	tasks  []models.Task
	byTask map[string]int
	steps  map[string]models.TaskStep
	issues []Issue
}

// New builds a Base from tasks. Step indices and task ids on the steps are
// normalised to the position and owner of each step.
func New(tasks []models.Task) *Base {
	b := &Base{
		byTask: make(map[string]int, len(tasks)),
		steps:  make(map[string]models.TaskStep),
	}
	for _, t := range tasks {
		if _, dup := b.byTask[t.ID]; dup {
			continue
		}
		steps := make([]models.TaskStep, len(t.Steps))
		for i, s := range t.Steps {
			s.TaskID = t.ID
			s.StepIndex = i + 1
			steps[i] = s
			b.steps[s.StepID()] = s
		}
		t.Steps = steps
		b.byTask[t.ID] = len(b.tasks)
		b.tasks = append(b.tasks, t)
	}
	return b
}

// Tasks returns the tasks in load order.
func (b *Base) Tasks() []models.Task {
	out := make([]models.Task, len(b.tasks))
	copy(out, b.tasks)
	return out
}

// Steps returns every step of every task, ordered by task then index.
func (b *Base) Steps() []models.TaskStep {
	var out []models.TaskStep
	for _, t := range b.tasks {
		out = append(out, t.Steps...)
	}
	return out
}

// Task looks a task up by id.
func (b *Base) Task(id string) (models.Task, bool) {
	i, ok := b.byTask[id]
	if !ok {
		return models.Task{}, false
	}
	return b.tasks[i], true
}

// Step looks a step up by task id and 1-based index.
func (b *Base) Step(taskID string, index int) (models.TaskStep, bool) {
	s, ok := b.steps[models.StepID(taskID, index)]
	return s, ok
}

// Next returns the step following (taskID, index) within the same task.
func (b *Base) Next(taskID string, index int) (models.TaskStep, bool) {
	return b.Step(taskID, index+1)
}

// Len is the number of steps.
func (b *Base) Len() int {
	return len(b.steps)
}

// Issues lists entries skipped during loading.
func (b *Base) Issues() []Issue {
	out := make([]Issue, len(b.issues))
	copy(out, b.issues)
	return out
}

// TaskIDs returns the task ids sorted.
func (b *Base) TaskIDs() []string {
	ids := make([]string, 0, len(b.byTask))
	for id := range b.byTask {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
