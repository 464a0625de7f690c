package handlers

import (
	"slices"
	"sync"

	"github.com/MegaGrindStone/agentchat/internal/models"
)

// View holds the rendered timeline. It is only changed through Apply, which runs the update against the
// current list, so a poll merge and a user submission never work on a stale copy.
type View struct {
	mu       sync.Mutex
	messages []models.Message
	onChange func([]models.Message)
}

// NewView creates an empty View. onChange may be nil.
func NewView(onChange func([]models.Message)) *View {
	return &View{onChange: onChange}
}

// Messages returns a copy of the timeline.
func (v *View) Messages() []models.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Clone(v.messages)
}

// Apply replaces the timeline with update(current). Updates must return a new slice instead of modifying
// their argument.
func (v *View) Apply(update func([]models.Message) []models.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.messages = update(slices.Clone(v.messages))
	if v.onChange != nil {
		v.onChange(slices.Clone(v.messages))
	}
}

// Reset empties the timeline.
func (v *View) Reset() {
	v.Apply(func([]models.Message) []models.Message { return nil })
}

func appendMessage(m models.Message) func([]models.Message) []models.Message {
	return func(cur []models.Message) []models.Message {
		return append(slices.Clone(cur), m)
	}
}
