package protocol

import "encoding/json"

// Status is the body of a status broadcast and of the getstatus reply.
type Status struct {
	Transition      string         `json:"transition"`
	State           string         `json:"state"`
	ConfigAlias     string         `json:"config_alias"`
	Recording       bool           `json:"recording"`
	Platform        map[string]any `json:"platform"`
	BypassActiveDet bool           `json:"bypass_activedet"`
	ExperimentName  string         `json:"experiment_name"`
	RunNumber       int            `json:"run_number"`
	LastRunNumber   int            `json:"last_run_number"`
}

// Progress is the body of a progress broadcast.
type Progress struct {
	Transition string `json:"transition"`
	Elapsed    int    `json:"elapsed"`
	Total      int    `json:"total"`
}

// StatusMsg wraps s into a status message.
func StatusMsg(s Status) Message {
	return NewMsg(KeyStatus, "", "", s.Body())
}

// Body flattens s into a generic message body.
func (s Status) Body() map[string]any {
	return map[string]any{
		"transition":       s.Transition,
		"state":            s.State,
		"config_alias":     s.ConfigAlias,
		"recording":        s.Recording,
		"platform":         s.Platform,
		"bypass_activedet": s.BypassActiveDet,
		"experiment_name":  s.ExperimentName,
		"run_number":       s.RunNumber,
		"last_run_number":  s.LastRunNumber,
	}
}

// DecodeBody re-types a generic body into out via its JSON form.
func DecodeBody(body map[string]any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
