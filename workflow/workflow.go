package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// StatusPending is the status of a freshly started instance.
const StatusPending = "pending"

// Reserved data and metadata members written by the router.
const (
	DataPayload            = "payload"
	DataWorkflowInstanceID = "workflow_instance_id"
	DataRequestID          = "request_id"
	DataWorkerID           = "worker_id"
	DataWorkerInstanceID   = "worker_instance_id"

	MetaStartTime   = "start_time"
	MetaEndTime     = "end_time"
	MetaStatus      = "status"
	MetaCurrentStep = "current_step"
)

// ──────────────────────────────────────────────────
// Template
// ──────────────────────────────────────────────────

// Template is the stored document under workflow:<name>.
type Template struct {
	Definition Definition     `json:"definition"`
	Data       map[string]any `json:"data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	// Workers is set on templates that serve as step targets.
	Workers WorkerPool `json:"workers,omitempty"`
	Extra   Extra      `json:"-"`
}

type templateAlias Template

// ParseTemplate decodes a stored template.
func ParseTemplate(raw string) (*Template, error) {
	var t Template
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("workflow: parse template: %w", err)
	}
	return &t, nil
}

func (t *Template) UnmarshalJSON(data []byte) error {
	var raw struct {
		Definition Definition      `json:"definition"`
		Data       json.RawMessage `json:"data"`
		Metadata   json.RawMessage `json:"metadata"`
		Workers    WorkerPool      `json:"workers"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra, err := splitExtra(data, "definition", "data", "metadata", "workers")
	if err != nil {
		return err
	}
	d, err := decodeObject(raw.Data)
	if err != nil {
		return fmt.Errorf("data: %w", err)
	}
	m, err := decodeObject(raw.Metadata)
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	*t = Template{Definition: raw.Definition, Data: d, Metadata: m, Workers: raw.Workers, Extra: extra}
	return nil
}

func (t Template) MarshalJSON() ([]byte, error) {
	return mergeExtra(templateAlias(t), t.Extra)
}

// ──────────────────────────────────────────────────
// Definition
// ──────────────────────────────────────────────────

// Definition is the executable part of a template.
type Definition struct {
	// Hooks is carried verbatim. The router does not run hooks.
	Hooks json.RawMessage `json:"hooks,omitempty"`
	Steps []Step          `json:"steps"`
	Extra Extra           `json:"-"`
}

type definitionAlias Definition

func (d *Definition) UnmarshalJSON(data []byte) error {
	var a definitionAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtra(data, "hooks", "steps")
	if err != nil {
		return err
	}
	a.Extra = extra
	*d = Definition(a)
	return nil
}

func (d Definition) MarshalJSON() ([]byte, error) {
	if d.Steps == nil {
		d.Steps = []Step{}
	}
	return mergeExtra(definitionAlias(d), d.Extra)
}

// FirstStepID returns the step_instance_id carried by the first step, or ""
// when there are no steps or the first one has no id yet.
func (d *Definition) FirstStepID() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[0].StepInstanceID
}

// ──────────────────────────────────────────────────
// Step
// ──────────────────────────────────────────────────

// Step is one entry of Definition.Steps.
type Step struct {
	StepInstanceID string         `json:"step_instance_id,omitempty"`
	Definition     StepDefinition `json:"definition"`
	Data           map[string]any `json:"data,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Extra          Extra          `json:"-"`
}

type stepAlias Step

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw struct {
		StepInstanceID string          `json:"step_instance_id"`
		Definition     StepDefinition  `json:"definition"`
		Data           json.RawMessage `json:"data"`
		Metadata       json.RawMessage `json:"metadata"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	extra, err := splitExtra(data, "step_instance_id", "definition", "data", "metadata")
	if err != nil {
		return err
	}
	d, err := decodeObject(raw.Data)
	if err != nil {
		return fmt.Errorf("step data: %w", err)
	}
	m, err := decodeObject(raw.Metadata)
	if err != nil {
		return fmt.Errorf("step metadata: %w", err)
	}
	*s = Step{
		StepInstanceID: raw.StepInstanceID,
		Definition:     raw.Definition,
		Data:           d,
		Metadata:       m,
		Extra:          extra,
	}
	return nil
}

func (s Step) MarshalJSON() ([]byte, error) {
	return mergeExtra(stepAlias(s), s.Extra)
}

// Fields renders the step as the three JSON string fields of its hash.
func (s *Step) Fields() (map[string]string, error) {
	def, err := json.Marshal(s.Definition)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode step definition: %w", err)
	}
	return hashFields(def, s.Data, s.Metadata)
}

// StepDefinition describes what a step does. Only the target fields are
// modelled; everything else is carried in Extra.
type StepDefinition struct {
	WorkflowKey string `json:"workflow_key,omitempty"`
	Type        string `json:"type,omitempty"`
	Class       string `json:"class,omitempty"`
	Name        string `json:"name,omitempty"`
	Extra       Extra  `json:"-"`
}

type stepDefinitionAlias StepDefinition

func (d *StepDefinition) UnmarshalJSON(data []byte) error {
	var a stepDefinitionAlias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	extra, err := splitExtra(data, "workflow_key", "type", "class", "name")
	if err != nil {
		return err
	}
	a.Extra = extra
	*d = StepDefinition(a)
	return nil
}

func (d StepDefinition) MarshalJSON() ([]byte, error) {
	return mergeExtra(stepDefinitionAlias(d), d.Extra)
}

// Target returns the name of the template holding this step's worker pool:
// workflow_key, else type, else class.
func (d StepDefinition) Target() string {
	switch {
	case d.WorkflowKey != "":
		return d.WorkflowKey
	case d.Type != "":
		return d.Type
	default:
		return d.Class
	}
}

// ──────────────────────────────────────────────────
// Instance
// ──────────────────────────────────────────────────

// Instance is a started workflow.
type Instance struct {
	ID         string
	Definition Definition
	Data       map[string]any
	Metadata   map[string]any
}

// Fields renders the instance as the three JSON string fields of its hash.
func (i *Instance) Fields() (map[string]string, error) {
	def, err := json.Marshal(i.Definition)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode instance definition: %w", err)
	}
	return hashFields(def, i.Data, i.Metadata)
}

// DecodeInstance rebuilds an instance from its hash fields.
func DecodeInstance(id string, fields map[string]string) (*Instance, error) {
	if len(fields) == 0 {
		return nil, errors.New("workflow: empty instance hash")
	}
	inst := &Instance{ID: id}
	if err := json.Unmarshal([]byte(fields["definition"]), &inst.Definition); err != nil {
		return nil, fmt.Errorf("workflow: decode instance definition: %w", err)
	}
	var err error
	if inst.Data, err = decodeObject(json.RawMessage(fields["data"])); err != nil {
		return nil, fmt.Errorf("workflow: decode instance data: %w", err)
	}
	if inst.Metadata, err = decodeObject(json.RawMessage(fields["metadata"])); err != nil {
		return nil, fmt.Errorf("workflow: decode instance metadata: %w", err)
	}
	return inst, nil
}

// DecodeStep rebuilds a step instance from its hash fields.
func DecodeStep(id string, fields map[string]string) (*Step, error) {
	if len(fields) == 0 {
		return nil, errors.New("workflow: empty step hash")
	}
	s := &Step{StepInstanceID: id}
	if err := json.Unmarshal([]byte(fields["definition"]), &s.Definition); err != nil {
		return nil, fmt.Errorf("workflow: decode step definition: %w", err)
	}
	var err error
	if s.Data, err = decodeObject(json.RawMessage(fields["data"])); err != nil {
		return nil, fmt.Errorf("workflow: decode step data: %w", err)
	}
	if s.Metadata, err = decodeObject(json.RawMessage(fields["metadata"])); err != nil {
		return nil, fmt.Errorf("workflow: decode step metadata: %w", err)
	}
	return s, nil
}

// QueueItem is pushed onto worker_instance:<id>:queue.
type QueueItem struct {
	WorkflowInstanceID string `json:"workflow_instance_id"`
	StepInstanceID     string `json:"step_instance_id"`
}

// ──────────────────────────────────────────────────
// Event
// ──────────────────────────────────────────────────

// Event is one routing request as seen by the middleware chain.
type Event struct {
	Name    string
	Payload any
	// Source names the entry point: http, websocket, kafka.
	Source string
}

// ──────────────────────────────────────────────────
// helpers
// ──────────────────────────────────────────────────

// decodeObject decodes a JSON object preserving number precision. Absent
// or null input yields a nil map.
func decodeObject(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return m, nil
}

func hashFields(def []byte, data, meta map[string]any) (map[string]string, error) {
	d, err := marshalObject(data)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode data: %w", err)
	}
	m, err := marshalObject(meta)
	if err != nil {
		return nil, fmt.Errorf("workflow: encode metadata: %w", err)
	}
	return map[string]string{
		"definition": string(def),
		"data":       d,
		"metadata":   m,
	}, nil
}

func marshalObject(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
