package crawler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Job is one URL-visit request loaded from the backlog.
type Job struct {
	ID       string   `json:"-"`
	URL      string   `json:"url"`
	Setup    *Setup   `json:"setup,omitempty"`
	Features Features `json:"features"`
	Actions  Actions  `json:"actions,omitempty"`
}

// Setup holds pre-visit browser configuration.
type Setup struct {
	Preferences []Preference      `json:"preferences,omitempty"`
	FFPrefs     []Preference      `json:"ff_prefs,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Proxy       *Proxy            `json:"proxy,omitempty"`
}

// Prefs returns the preferences from both the current and legacy keys.
func (s *Setup) Prefs() []Preference {
	if s == nil {
		return nil
	}
	out := make([]Preference, 0, len(s.Preferences)+len(s.FFPrefs))
	out = append(out, s.FFPrefs...)
	return append(out, s.Preferences...)
}

// Preference is a browser preference encoded as [name, value, type].
type Preference struct {
	Name  string
	Value string
	Type  string
}

// UnmarshalJSON decodes the three-element array form.
func (p *Preference) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("preference must be an array: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("preference must have 3 elements, got %d", len(raw))
	}
	fields := make([]string, 3)
	for i, r := range raw {
		s, err := scalarString(r)
		if err != nil {
			return fmt.Errorf("preference element %d: %w", i, err)
		}
		fields[i] = s
	}
	p.Name, p.Value, p.Type = fields[0], fields[1], fields[2]
	return nil
}

// MarshalJSON encodes the preference back to its array form.
func (p Preference) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{p.Name, p.Value, p.Type})
}

// Proxy is an upstream proxy encoded as [host, port, scheme].
type Proxy struct {
	Host   string
	Port   string
	Scheme string
}

// UnmarshalJSON decodes the three-element array form. The port may be a number.
func (p *Proxy) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("proxy must be an array: %w", err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("proxy must have 3 elements, got %d", len(raw))
	}
	fields := make([]string, 3)
	for i, r := range raw {
		s, err := scalarString(r)
		if err != nil {
			return fmt.Errorf("proxy element %d: %w", i, err)
		}
		fields[i] = s
	}
	p.Host, p.Port, p.Scheme = fields[0], fields[1], fields[2]
	return nil
}

// MarshalJSON encodes the proxy back to its array form.
func (p Proxy) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string{p.Host, p.Port, p.Scheme})
}

// String renders the proxy as scheme://host:port.
func (p Proxy) String() string {
	return fmt.Sprintf("%s://%s:%s", p.Scheme, p.Host, p.Port)
}

// Features selects which artifacts a job captures. A nil pointer means the
// feature was not requested; an empty string means "use the base directory".
type Features struct {
	All        bool
	DOM        *string
	Screenshot *string
	VisitChain *string
}

type featureSet struct {
	DOM        *string `json:"dom,omitempty"`
	Screenshot *string `json:"screenshot,omitempty"`
	VisitChain *string `json:"visitchain,omitempty"`
}

// UnmarshalJSON accepts either the string "all" or an object of feature paths.
func (f *Features) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode features: %w", err)
		}
		if s != "all" {
			return fmt.Errorf("unknown features value %q", s)
		}
		*f = Features{All: true}
		return nil
	}
	var set featureSet
	if err := json.Unmarshal(trimmed, &set); err != nil {
		return fmt.Errorf("decode features: %w", err)
	}
	*f = Features{DOM: set.DOM, Screenshot: set.Screenshot, VisitChain: set.VisitChain}
	return nil
}

// MarshalJSON mirrors UnmarshalJSON.
func (f Features) MarshalJSON() ([]byte, error) {
	if f.All {
		return json.Marshal("all")
	}
	return json.Marshal(featureSet{DOM: f.DOM, Screenshot: f.Screenshot, VisitChain: f.VisitChain})
}

// WantsDOM reports whether the DOM artifact was requested.
func (f Features) WantsDOM() bool { return f.All || f.DOM != nil }

// WantsScreenshot reports whether the screenshot artifact was requested.
func (f Features) WantsScreenshot() bool { return f.All || f.Screenshot != nil }

// WantsVisitChain reports whether the visit chain artifact was requested.
func (f Features) WantsVisitChain() bool { return f.All || f.VisitChain != nil }

// Actions lists in-page actions run after load.
type Actions struct {
	Eval []string `json:"eval,omitempty"`
}

// Task is a request-queue element: either a Job or the termination sentinel.
type Task struct {
	job      Job
	sentinel bool
}

// JobTask wraps a job for the request queue.
func JobTask(job Job) Task {
	return Task{job: job}
}

// SentinelTask returns the distinguished termination value.
func SentinelTask() Task {
	return Task{sentinel: true}
}

// IsSentinel reports whether the task is the termination sentinel.
func (t Task) IsSentinel() bool {
	return t.sentinel
}

// Job returns the wrapped job; ok is false for the sentinel.
func (t Task) Job() (Job, bool) {
	if t.sentinel {
		return Job{}, false
	}
	return t.job, true
}

// ResultBatch is the output of one completed job, written to one destination.
// The last record is the primary navigation result.
type ResultBatch struct {
	JobID       string           `json:"job_id"`
	Destination string           `json:"destination"`
	Records     []ArtifactRecord `json:"records"`
}

// Empty reports whether the batch carries nothing to persist.
func (b ResultBatch) Empty() bool {
	return b.Destination == "" || len(b.Records) == 0
}

// Primary returns the final record of the batch.
func (b ResultBatch) Primary() (ArtifactRecord, bool) {
	if len(b.Records) == 0 {
		return ArtifactRecord{}, false
	}
	return b.Records[len(b.Records)-1], true
}

// BatchSummary is the message announced to downstream consumers once a batch
// has been persisted.
type BatchSummary struct {
	JobID       string      `json:"job_id"`
	Destination string      `json:"destination"`
	URL         string      `json:"url"`
	StatusCode  *StatusCode `json:"status_code,omitempty"`
	Records     int         `json:"records"`
}

// Summary describes the batch by its primary record.
func (b ResultBatch) Summary() BatchSummary {
	s := BatchSummary{JobID: b.JobID, Destination: b.Destination, Records: len(b.Records)}
	if primary, ok := b.Primary(); ok {
		s.URL = primary.URL
		s.StatusCode = primary.StatusCode
	}
	return s
}

// ArtifactRecord describes one captured page or redirect hop.
type ArtifactRecord struct {
	URL         string              `json:"url"`
	StatusCode  *StatusCode         `json:"status_code,omitempty"`
	Headers     map[string]string   `json:"headers,omitempty"`
	ServerAddr  string              `json:"server_addr,omitempty"`
	DOM         *Artifact           `json:"dom,omitempty"`
	Screenshot  *Artifact           `json:"screenshot,omitempty"`
	EvalResults []any               `json:"eval_results,omitempty"`
	Tags        map[string]TagMatch `json:"tags,omitempty"`
}

// Artifact references a captured file by explicit name or content hash.
type Artifact struct {
	File   string `json:"file,omitempty"`
	Hash   string `json:"hash,omitempty"`
	Exists bool   `json:"exists"`
}

// TagMatch holds per-regex capture groups; a nil entry marks a regex that did not match.
type TagMatch [][]string

// EncodeRecords renders records the way result files are written on disk.
func EncodeRecords(records []ArtifactRecord) ([]byte, error) {
	data, err := json.MarshalIndent(records, "", "    ")
	if err != nil {
		return nil, fmt.Errorf("marshal records: %w", err)
	}
	return data, nil
}

func scalarString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", fmt.Errorf("expected string or number: %w", err)
	}
	return n.String(), nil
}

// ParsePort converts a textual port into an integer.
func ParsePort(s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return port, nil
}
