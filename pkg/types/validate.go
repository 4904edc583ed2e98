// Validation rules for snapshot entities, built on ozzo-validation.
package types

import (
	"errors"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Validate checks that the snapshot carries its identity and that every
// nested entity is well-formed. Returns an error wrapping ErrInvalidSnapshot.
func (s NotebookSnapshot) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.UserID, validation.Required),
		validation.Field(&s.DocumentID, validation.Required),
		validation.Field(&s.Version, validation.Min(int64(0))),
		validation.Field(&s.UpdatedAt, validation.Min(int64(0))),
		validation.Field(&s.Cells),
		validation.Field(&s.Transcripts),
		validation.Field(&s.MCQAnswers, validation.By(answersKeyedByQuestion)),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// Validate checks a cell snapshot.
func (c CellSnapshot) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ID, validation.Required),
		validation.Field(&c.Kind, validation.Required, validation.In(CellKindMarkup, CellKindCode)),
	)
}

// Validate checks a transcript message.
func (m TranscriptMessage) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.ID, validation.Required),
		validation.Field(&m.Role, validation.Required, validation.In(RoleUser, RoleAssistant, RoleSystem)),
	)
}

// Validate checks an answer snapshot.
func (a MCQAnswerSnapshot) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.QuestionID, validation.Required),
		validation.Field(&a.Confidence, validation.When(a.Confidence != nil, validation.Min(0.0), validation.Max(1.0))),
	)
}

// Validate checks a session record.
func (s SessionState) Validate() error {
	err := validation.ValidateStruct(&s,
		validation.Field(&s.UserID, validation.Required),
		validation.Field(&s.DocumentID, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSession, err)
	}
	return nil
}

// Validate checks a lesson progress record.
func (p LessonProgress) Validate() error {
	err := validation.ValidateStruct(&p,
		validation.Field(&p.UserID, validation.Required),
		validation.Field(&p.LessonID, validation.Required),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	return nil
}

// answersKeyedByQuestion requires every map key to equal its answer's question id.
func answersKeyedByQuestion(value any) error {
	answers, _ := value.(map[string]MCQAnswerSnapshot)
	for key, a := range answers {
		if key != a.QuestionID {
			return errors.New("answer keyed under " + key + " belongs to question " + a.QuestionID)
		}
	}
	return nil
}
