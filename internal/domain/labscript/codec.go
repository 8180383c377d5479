package labscript

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rpggio/chairside/internal/domain/record"
)

const localComments = "comments"

func fromRecord(r record.Record) LabScript {
	ls := LabScript{
		ID:        r.ID,
		PatientID: r.String("patient_id"),
		Lab:       r.String("lab"),
		Procedure: r.String("procedure"),
		Status:    Status(r.String("status")),
		Notes:     r.String("notes"),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
	if due := r.String("due_date"); due != "" {
		if t, err := time.Parse(time.RFC3339, due); err == nil {
			ls.DueDate = &t
		}
	}
	if comments, ok := r.Local[localComments].([]record.Record); ok {
		for _, c := range comments {
			ls.Comments = append(ls.Comments, commentFromRecord(c))
		}
	}
	return ls
}

func commentFromRecord(r record.Record) Comment {
	return Comment{
		ID:          r.ID,
		LabScriptID: r.String("lab_script_id"),
		Author:      r.String("author"),
		Body:        r.String("body"),
		CreatedAt:   r.CreatedAt,
	}
}

func (n NewLabScript) fields() record.Fields {
	f := record.Fields{
		"patient_id": n.PatientID,
		"lab":        n.Lab,
		"procedure":  n.Procedure,
		"status":     string(StatusDraft),
		"notes":      n.Notes,
	}
	if n.DueDate != nil {
		f["due_date"] = n.DueDate.UTC().Format(time.RFC3339)
	}
	return f
}

// attachComments groups comment records by lab_script_id onto scripts.
func attachComments(scripts []record.Record, comments []record.Record) {
	byScript := make(map[string][]record.Record)
	for _, c := range comments {
		id := c.String("lab_script_id")
		byScript[id] = append(byScript[id], c)
	}
	for i := range scripts {
		list := byScript[scripts[i].ID]
		sort.SliceStable(list, func(a, b int) bool { return list[a].CreatedAt.Before(list[b].CreatedAt) })
		if scripts[i].Local == nil {
			scripts[i].Local = record.Fields{}
		}
		scripts[i].Local[localComments] = list
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+":"+fe.Tag())
	}
	return fmt.Errorf("%w: %s", ErrInvalidInput, strings.Join(parts, ", "))
}
