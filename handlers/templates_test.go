package handlers

import (
	"testing"
	"time"

	"github.com/Perceptus-Labs/perceptus-guide/models"
	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	kb := testKnowledge()
	at := func(step int) models.CurrentState {
		return models.CurrentState{TaskID: "coffee_brewing", StepIndex: step, Confidence: 0.8, LastUpdated: time.Now()}
	}

	tests := []struct {
		name   string
		intent models.Intent
		state  models.CurrentState
		want   string
	}{
		{"current", models.IntentCurrentStep, at(1), "You're on step 1 of 3: Weigh and grind the beans. Weigh 20 g of beans and grind them medium-fine."},
		{"next", models.IntentNextStep, at(1), "Next is step 2: Heat the water."},
		{"next-at-end", models.IntentNextStep, at(3), "Step 3, Rinse the filter and add coffee, is the last step of Pour-over coffee."},
		{"tools", models.IntentRequiredTools, at(3), "For step 3, Rinse the filter and add coffee, you need pour over dripper, paper filter and kettle."},
		{"completion", models.IntentCompletionStatus, at(1), "You're still on step 1, Weigh and grind the beans. It's done when you see ground coffee in the grinder cup. After that comes step 2: Heat the water."},
		{"progress", models.IntentProgressOverview, at(2), "You're on step 2 of 3 in Pour-over coffee, about 33% of the way through. Roughly 6 minutes of work left."},
		{"help-safety", models.IntentHelp, at(2), "Step 2 is Heat the water. You'll use kettle. Careful: Keep the kettle handle turned away from the edge."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := renderTemplate(tt.intent, tt.state, kb)
			assert.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderTemplate_Unavailable(t *testing.T) {
	kb := testKnowledge()
	cases := map[string]struct {
		intent models.Intent
		state  models.CurrentState
	}{
		"no-state":     {models.IntentCurrentStep, models.CurrentState{}},
		"unknown-task": {models.IntentCurrentStep, models.CurrentState{TaskID: "baking", StepIndex: 1}},
		"unknown-step": {models.IntentCurrentStep, models.CurrentState{TaskID: "coffee_brewing", StepIndex: 9}},
		"unknown":      {models.IntentUnknown, models.CurrentState{TaskID: "coffee_brewing", StepIndex: 1}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, ok := renderTemplate(c.intent, c.state, kb)
			assert.False(t, ok)
		})
	}
	_, ok := renderTemplate(models.IntentCurrentStep, models.CurrentState{TaskID: "coffee_brewing", StepIndex: 1}, nil)
	assert.False(t, ok)
}

func TestJoinListAndDurations(t *testing.T) {
	assert.Equal(t, "", joinList(nil))
	assert.Equal(t, "kettle", joinList([]string{"kettle"}))
	assert.Equal(t, "kettle and mug", joinList([]string{"kettle", "mug"}))
	assert.Equal(t, "less than a minute", humanDuration(40*time.Second))
	assert.Equal(t, "1 minute", humanDuration(70*time.Second))
	assert.Equal(t, "6 minutes", humanDuration(5*time.Minute+30*time.Second))
}
