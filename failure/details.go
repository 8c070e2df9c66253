package failure

import (
	"encoding/json"

	"github.com/mohans/schedrun/internal/errors"
)

// Stage names where a failure was observed.
const (
	StageLiveness   = "liveness"
	StageRecord     = "record"
	StageSnapshot   = "snapshot"
	StageCredits    = "credits"
	StageLaunch     = "launch"
	StageCompletion = "completion"
	StageEnqueue    = "enqueue"
)

// Diagnostic is the payload serialized into a record's error_details.
type Diagnostic struct {
	Message string   `json:"message"`
	Type    string   `json:"type,omitempty"`
	Stage   string   `json:"stage"`
	Action  Action   `json:"action"`
	Hints   []string `json:"hints,omitempty"`
	Details []string `json:"details,omitempty"`
}

// Details builds the diagnostic payload for err observed at stage and returns
// it as JSON. It never fails; an unencodable payload degrades to the message.
func Details(err error, stage string) string {
	d := Diagnostic{Stage: stage, Action: ActionFor(Classify(err))}
	if err != nil {
		d.Message = err.Error()
		d.Type = typeName(errors.UnwrapAll(err))
		d.Hints = errors.GetAllHints(err)
		d.Details = errors.GetAllDetails(err)
	}
	return encode(d)
}

// MessageDetails builds the payload for a failure reported as text.
func MessageDetails(name, msg, stage string) string {
	return encode(Diagnostic{
		Message: msg,
		Type:    name,
		Stage:   stage,
		Action:  ActionFor(ClassifyMessage(name + " " + msg)),
	})
}

func encode(d Diagnostic) string {
	b, err := json.Marshal(d)
	if err != nil {
		return d.Message
	}
	return string(b)
}
