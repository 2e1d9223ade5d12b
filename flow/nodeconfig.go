package flow

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Abraxas-365/craftable/errx"
	"github.com/Abraxas-365/craftable/ptrx"
	"github.com/Abraxas-365/relayflow/pkg/kernel"
	"github.com/robfig/cron/v3"
)

// ============================================================================
// Node Config Interface
// ============================================================================

// NodeConfig is implemented by exactly one struct per Kind. The unexported
// method keeps the set closed to this package.
type NodeConfig interface {
	Kind() Kind
	Validate() error
	sealed()
}

// Outputs is implemented by configs that write a variable.
type Outputs interface {
	OutputVariable() string
}

// awaitEdges exposes edges that are only taken on resume (timeout, invalid reply).
type awaitEdges interface {
	awaitEdges() []kernel.NodeID
}

var variablePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// ValidVariableName reports whether name is a legal VariableStore key.
func ValidVariableName(name string) bool {
	return variablePattern.MatchString(name)
}

func invalid(reason string) *errx.Error {
	return errx.New("invalid node config: "+reason, errx.TypeValidation)
}

func invalidf(format string, args ...any) *errx.Error {
	return invalid(fmt.Sprintf(format, args...))
}

func requireVariable(field, name string) error {
	if name == "" {
		return invalid(field + " is required")
	}
	if !ValidVariableName(name) {
		return invalidf("%s must match ^[a-z][a-z0-9_]*$: %q", field, name)
	}
	return nil
}

func msOr(v *int, def time.Duration) time.Duration {
	if ms := ptrx.IntValueOr(v, 0); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}

// newConfig returns an empty config for kind, ready to be decoded into.
func newConfig(kind Kind) (NodeConfig, error) {
	switch kind {
	case KindStart:
		return &StartConfig{}, nil
	case KindMessage:
		return &MessageConfig{}, nil
	case KindQuestion:
		return &QuestionConfig{}, nil
	case KindCondition:
		return &ConditionConfig{}, nil
	case KindScript:
		return &ScriptConfig{}, nil
	case KindAction:
		return &ActionConfig{}, nil
	case KindAPICall:
		return &APICallConfig{}, nil
	case KindDBQuery:
		return &DBQueryConfig{}, nil
	case KindAIPrompt:
		return &AIPromptConfig{}, nil
	case KindJump:
		return &JumpConfig{}, nil
	case KindDelay:
		return &DelayConfig{}, nil
	case KindHandoff:
		return &HandoffConfig{}, nil
	case KindEnd:
		return &EndConfig{}, nil
	case KindTemplate:
		return &TemplateConfig{}, nil
	case KindMedia:
		return &MediaConfig{}, nil
	case KindButtons:
		return &ButtonsConfig{}, nil
	case KindList:
		return &ListConfig{}, nil
	}
	return nil, ErrUnknownNodeKind().WithDetail("kind", string(kind))
}

// decodeConfig decodes raw into the config struct for kind. Unknown fields are
// rejected so that a definition never loses data on the way in.
func decodeConfig(kind Kind, raw json.RawMessage) (NodeConfig, error) {
	cfg, err := newConfig(kind)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return cfg, nil
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, invalidf("config does not match kind: %v", string(kind)).
			WithDetail("error", err.Error())
	}
	return cfg, nil
}

// ============================================================================
// Shared pieces
// ============================================================================

// TemplateRef points at a provider-approved template. Params are resolved
// against variables before sending.
type TemplateRef struct {
	Name     string   `json:"name"`
	Language string   `json:"language,omitempty"`
	Params   []string `json:"params,omitempty"`
}

func (t *TemplateRef) validate(field string) error {
	if t == nil {
		return nil
	}
	if t.Name == "" {
		return invalid(field + ".name is required")
	}
	return nil
}

// GetLanguage returns the template language with the default applied.
func (t TemplateRef) GetLanguage() string {
	if t.Language == "" {
		return "es"
	}
	return t.Language
}

// Validator describes how a reply is checked before it is stored.
type Validator struct {
	Type    string   `json:"type,omitempty"` // text | number | email | phone | regex | options
	Pattern string   `json:"pattern,omitempty"`
	Options []string `json:"options,omitempty"`
}

func (v Validator) validate() error {
	switch v.Type {
	case "", "text", "number", "email", "phone":
	case "regex":
		if v.Pattern == "" {
			return invalid("validator.pattern is required for regex")
		}
		if _, err := regexp.Compile(v.Pattern); err != nil {
			return invalidf("validator.pattern does not compile: %v", err.Error())
		}
	case "options":
		if len(v.Options) == 0 {
			return invalid("validator.options is required for options")
		}
	default:
		return invalidf("unknown validator type: %v", v.Type)
	}
	return nil
}

// Choice is one interactive button or list row.
type Choice struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Reply holds the shared suspend-for-reply settings.
type Reply struct {
	Variable       string        `json:"variable"`
	TimeoutMs      *int          `json:"timeout_ms,omitempty"`
	TimeoutNext    kernel.NodeID `json:"timeout_next,omitempty"`
	MaxAttempts    *int          `json:"max_attempts,omitempty"`
	InvalidMessage string        `json:"invalid_message,omitempty"`
	InvalidNext    kernel.NodeID `json:"invalid_next,omitempty"`
}

// GetTimeout returns zero when the question never times out.
func (r Reply) GetTimeout() time.Duration {
	return msOr(r.TimeoutMs, 0)
}

// GetMaxAttempts returns how many invalid replies are tolerated.
func (r Reply) GetMaxAttempts() int {
	if n := ptrx.IntValueOr(r.MaxAttempts, 0); n > 0 {
		return n
	}
	return 3
}

func (r Reply) OutputVariable() string { return r.Variable }

func (r Reply) awaitEdges() []kernel.NodeID {
	return []kernel.NodeID{r.TimeoutNext, r.InvalidNext}
}

func (r Reply) validate() error {
	if err := requireVariable("variable", r.Variable); err != nil {
		return err
	}
	if ptrx.IntValueOr(r.TimeoutMs, 0) < 0 {
		return invalid("timeout_ms must not be negative")
	}
	return nil
}

// ============================================================================
// Start / End / Condition
// ============================================================================

type StartConfig struct{}

func (c *StartConfig) Kind() Kind      { return KindStart }
func (c *StartConfig) Validate() error { return nil }
func (c *StartConfig) sealed()         {}

type EndConfig struct {
	Reason string `json:"reason,omitempty"`
}

func (c *EndConfig) Kind() Kind      { return KindEnd }
func (c *EndConfig) Validate() error { return nil }
func (c *EndConfig) sealed()         {}

// ConditionConfig has no settings of its own; predicates live on Node.Branches.
type ConditionConfig struct{}

func (c *ConditionConfig) Kind() Kind      { return KindCondition }
func (c *ConditionConfig) Validate() error { return nil }
func (c *ConditionConfig) sealed()         {}

// ============================================================================
// Message / Template / Media
// ============================================================================

type MessageConfig struct {
	Text       string       `json:"text"`
	PreviewURL bool         `json:"preview_url,omitempty"`
	Fallback   *TemplateRef `json:"fallback_template,omitempty"`
}

func (c *MessageConfig) Kind() Kind { return KindMessage }
func (c *MessageConfig) sealed()    {}

func (c *MessageConfig) Validate() error {
	if strings.TrimSpace(c.Text) == "" {
		return invalid("text is required")
	}
	return c.Fallback.validate("fallback_template")
}

type TemplateConfig struct {
	Template TemplateRef `json:"template"`
}

func (c *TemplateConfig) Kind() Kind { return KindTemplate }
func (c *TemplateConfig) sealed()    {}

func (c *TemplateConfig) Validate() error {
	return c.Template.validate("template")
}

type MediaConfig struct {
	MediaType string       `json:"media_type"` // image | document | audio | video
	URL       string       `json:"url"`
	Caption   string       `json:"caption,omitempty"`
	Filename  string       `json:"filename,omitempty"`
	Fallback  *TemplateRef `json:"fallback_template,omitempty"`
}

func (c *MediaConfig) Kind() Kind { return KindMedia }
func (c *MediaConfig) sealed()    {}

func (c *MediaConfig) Validate() error {
	switch c.MediaType {
	case "image", "document", "audio", "video":
	default:
		return invalidf("unsupported media_type: %v", c.MediaType)
	}
	if c.URL == "" {
		return invalid("url is required")
	}
	return c.Fallback.validate("fallback_template")
}

// ============================================================================
// Question / Buttons / List
// ============================================================================

type QuestionConfig struct {
	Prompt    string       `json:"prompt"`
	Validator Validator    `json:"validator,omitempty"`
	Fallback  *TemplateRef `json:"fallback_template,omitempty"`
	Reply
}

func (c *QuestionConfig) Kind() Kind { return KindQuestion }
func (c *QuestionConfig) sealed()    {}

func (c *QuestionConfig) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return invalid("prompt is required")
	}
	if err := c.Reply.validate(); err != nil {
		return err
	}
	if err := c.Validator.validate(); err != nil {
		return err
	}
	return c.Fallback.validate("fallback_template")
}

type ButtonsConfig struct {
	Header   string       `json:"header,omitempty"`
	Body     string       `json:"body"`
	Footer   string       `json:"footer,omitempty"`
	Buttons  []Choice     `json:"buttons"`
	Fallback *TemplateRef `json:"fallback_template,omitempty"`
	Reply
}

func (c *ButtonsConfig) Kind() Kind { return KindButtons }
func (c *ButtonsConfig) sealed()    {}

func (c *ButtonsConfig) Validate() error {
	if strings.TrimSpace(c.Body) == "" {
		return invalid("body is required")
	}
	if len(c.Buttons) == 0 || len(c.Buttons) > 3 {
		return invalid("buttons must have between 1 and 3 entries")
	}
	if err := validateChoices(c.Buttons, 20); err != nil {
		return err
	}
	if err := c.Reply.validate(); err != nil {
		return err
	}
	return c.Fallback.validate("fallback_template")
}

type ListSection struct {
	Title string   `json:"title,omitempty"`
	Rows  []Choice `json:"rows"`
}

type ListConfig struct {
	Header     string        `json:"header,omitempty"`
	Body       string        `json:"body"`
	Footer     string        `json:"footer,omitempty"`
	ButtonText string        `json:"button_text"`
	Sections   []ListSection `json:"sections"`
	Fallback   *TemplateRef  `json:"fallback_template,omitempty"`
	Reply
}

func (c *ListConfig) Kind() Kind { return KindList }
func (c *ListConfig) sealed()    {}

func (c *ListConfig) Validate() error {
	if strings.TrimSpace(c.Body) == "" {
		return invalid("body is required")
	}
	if c.ButtonText == "" {
		return invalid("button_text is required")
	}
	if len(c.Sections) == 0 {
		return invalid("sections is required")
	}
	rows := 0
	for _, s := range c.Sections {
		if err := validateChoices(s.Rows, 24); err != nil {
			return err
		}
		rows += len(s.Rows)
	}
	if rows == 0 || rows > 10 {
		return invalid("list must have between 1 and 10 rows")
	}
	if err := c.Reply.validate(); err != nil {
		return err
	}
	return c.Fallback.validate("fallback_template")
}

// Choices flattens every row of every section.
func (c *ListConfig) Choices() []Choice {
	var out []Choice
	for _, s := range c.Sections {
		out = append(out, s.Rows...)
	}
	return out
}

func validateChoices(choices []Choice, maxTitle int) error {
	seen := make(map[string]bool, len(choices))
	for _, ch := range choices {
		if ch.ID == "" || ch.Title == "" {
			return invalid("every choice needs an id and a title")
		}
		if len([]rune(ch.Title)) > maxTitle {
			return invalidf("choice title too long: %v", ch.ID)
		}
		if seen[ch.ID] {
			return invalidf("duplicate choice id: %v", ch.ID)
		}
		seen[ch.ID] = true
	}
	return nil
}

// ============================================================================
// Script
// ============================================================================

type ScriptConfig struct {
	Language  string `json:"language"` // javascript | starlark
	Source    string `json:"source"`
	Output    string `json:"output_variable"`
	TimeoutMs *int   `json:"timeout_ms,omitempty"`
}

func (c *ScriptConfig) Kind() Kind             { return KindScript }
func (c *ScriptConfig) sealed()                {}
func (c *ScriptConfig) OutputVariable() string { return c.Output }

// GetTimeout returns the configured timeout or def.
func (c *ScriptConfig) GetTimeout(def time.Duration) time.Duration {
	return msOr(c.TimeoutMs, def)
}

func (c *ScriptConfig) Validate() error {
	switch c.Language {
	case "javascript", "starlark":
	default:
		return invalidf("unsupported script language: %v", c.Language)
	}
	if strings.TrimSpace(c.Source) == "" {
		return invalid("source is required")
	}
	return requireVariable("output_variable", c.Output)
}

// ============================================================================
// Action
// ============================================================================

const (
	ActionSetVariables = "set_variables"
	ActionSaveContact  = "save_contact"
	ActionSendEmail    = "send_email"
	ActionFireWebhook  = "fire_webhook"
	ActionLog          = "log"
)

type ActionConfig struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params,omitempty"`
}

func (c *ActionConfig) Kind() Kind { return KindAction }
func (c *ActionConfig) sealed()    {}

func (c *ActionConfig) Validate() error {
	switch c.Action {
	case ActionSetVariables:
		if len(c.Params) == 0 {
			return invalid("set_variables needs at least one param")
		}
		for name := range c.Params {
			if err := requireVariable("params key", name); err != nil {
				return err
			}
		}
	case ActionSaveContact:
		if len(c.Params) == 0 {
			return invalid("save_contact needs at least one field")
		}
	case ActionSendEmail:
		for _, k := range []string{"to", "subject"} {
			if s, _ := c.Params[k].(string); s == "" {
				return invalid("send_email requires " + k)
			}
		}
	case ActionFireWebhook:
		if s, _ := c.Params["url"].(string); s == "" {
			return invalid("fire_webhook requires url")
		}
	case ActionLog:
		if s, _ := c.Params["message"].(string); s == "" {
			return invalid("log requires message")
		}
	default:
		return invalidf("unknown action: %v", c.Action)
	}
	return nil
}

// ============================================================================
// External calls: API / DB / AI
// ============================================================================

// RetrySpec overrides the adapter retry policy for one node.
type RetrySpec struct {
	MaxAttempts *int `json:"max_attempts,omitempty"`
	InitialMs   *int `json:"initial_ms,omitempty"`
	MaxMs       *int `json:"max_ms,omitempty"`
}

type APICallConfig struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Query     map[string]string `json:"query,omitempty"`
	Body      any               `json:"body,omitempty"`
	Output    string            `json:"output_variable"`
	TimeoutMs *int              `json:"timeout_ms,omitempty"`
	Retry     *RetrySpec        `json:"retry,omitempty"`
	Async     bool              `json:"async,omitempty"`
}

func (c *APICallConfig) Kind() Kind             { return KindAPICall }
func (c *APICallConfig) sealed()                {}
func (c *APICallConfig) OutputVariable() string { return c.Output }

func (c *APICallConfig) GetMethod() string {
	if c.Method == "" {
		return "GET"
	}
	return strings.ToUpper(c.Method)
}

func (c *APICallConfig) GetTimeout() time.Duration {
	return msOr(c.TimeoutMs, 10*time.Second)
}

func (c *APICallConfig) Validate() error {
	switch c.GetMethod() {
	case "GET", "POST", "PUT", "PATCH", "DELETE", "HEAD":
	default:
		return invalidf("unsupported method: %v", c.Method)
	}
	if c.URL == "" {
		return invalid("url is required")
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") && !strings.HasPrefix(c.URL, "{{") {
		return invalidf("url must be http(s): %s", c.URL)
	}
	return requireVariable("output_variable", c.Output)
}

type DBQueryConfig struct {
	Query      string `json:"query"`
	Args       []any  `json:"args,omitempty"`
	Output     string `json:"output_variable"`
	Single     bool   `json:"single,omitempty"`
	AllowWrite bool   `json:"allow_write,omitempty"`
	TimeoutMs  *int   `json:"timeout_ms,omitempty"`
}

func (c *DBQueryConfig) Kind() Kind             { return KindDBQuery }
func (c *DBQueryConfig) sealed()                {}
func (c *DBQueryConfig) OutputVariable() string { return c.Output }

func (c *DBQueryConfig) GetTimeout() time.Duration {
	return msOr(c.TimeoutMs, 5*time.Second)
}

// ReadOnly reports whether the statement starts with SELECT or WITH.
func (c *DBQueryConfig) ReadOnly() bool {
	q := strings.ToUpper(strings.TrimSpace(c.Query))
	return strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH")
}

func (c *DBQueryConfig) Validate() error {
	if strings.TrimSpace(c.Query) == "" {
		return invalid("query is required")
	}
	if strings.Contains(c.Query, "{{") {
		return invalid("query must use $n placeholders with args, not {{ }} templates")
	}
	if !c.AllowWrite && !c.ReadOnly() {
		return invalid("only SELECT/WITH statements are allowed without allow_write")
	}
	return requireVariable("output_variable", c.Output)
}

type AIPromptConfig struct {
	Model        string       `json:"model,omitempty"`
	SystemPrompt string       `json:"system_prompt,omitempty"`
	Prompt       string       `json:"prompt"`
	Temperature  *float32     `json:"temperature,omitempty"`
	MaxTokens    *int         `json:"max_tokens,omitempty"`
	TimeoutMs    *int         `json:"timeout_ms,omitempty"`
	Output       string       `json:"output_variable"`
	SendReply    bool         `json:"send_reply,omitempty"`
	Fallback     *TemplateRef `json:"fallback_template,omitempty"`
}

func (c *AIPromptConfig) Kind() Kind             { return KindAIPrompt }
func (c *AIPromptConfig) sealed()                {}
func (c *AIPromptConfig) OutputVariable() string { return c.Output }

func (c *AIPromptConfig) GetTimeout() time.Duration {
	return msOr(c.TimeoutMs, 30*time.Second)
}

func (c *AIPromptConfig) GetMaxTokens() int {
	return ptrx.IntValueOr(c.MaxTokens, 500)
}

func (c *AIPromptConfig) GetTemperature() float32 {
	return ptrx.Float32ValueOr(c.Temperature, 0.7)
}

func (c *AIPromptConfig) Validate() error {
	if strings.TrimSpace(c.Prompt) == "" {
		return invalid("prompt is required")
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return invalid("temperature must be between 0 and 2")
	}
	if c.MaxTokens != nil && *c.MaxTokens <= 0 {
		return invalid("max_tokens must be positive")
	}
	if err := requireVariable("output_variable", c.Output); err != nil {
		return err
	}
	return c.Fallback.validate("fallback_template")
}

// ============================================================================
// Jump / Delay / Handoff
// ============================================================================

// JumpConfig targets a node in this flow (FlowID empty) or another flow.
type JumpConfig struct {
	FlowID  kernel.FlowID `json:"flow_id,omitempty"`
	Version int           `json:"version,omitempty"`
	NodeID  kernel.NodeID `json:"node_id,omitempty"`
}

func (c *JumpConfig) Kind() Kind { return KindJump }
func (c *JumpConfig) sealed()    {}

// CrossFlow reports whether the jump leaves the current flow.
func (c *JumpConfig) CrossFlow() bool { return !c.FlowID.IsEmpty() }

func (c *JumpConfig) Validate() error {
	if c.FlowID.IsEmpty() && c.NodeID.IsEmpty() {
		return invalid("jump needs node_id or flow_id")
	}
	if c.Version < 0 {
		return invalid("version must not be negative")
	}
	return nil
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// DelayConfig waits a fixed duration or until the next time a cron spec fires.
type DelayConfig struct {
	DurationMs *int   `json:"duration_ms,omitempty"`
	Until      string `json:"until,omitempty"`
	Timezone   string `json:"timezone,omitempty"`
}

func (c *DelayConfig) Kind() Kind { return KindDelay }
func (c *DelayConfig) sealed()    {}

func (c *DelayConfig) Validate() error {
	hasDuration := ptrx.IntValueOr(c.DurationMs, 0) > 0
	if hasDuration == (c.Until != "") {
		return invalid("delay needs exactly one of duration_ms or until")
	}
	if c.Until != "" {
		if _, err := cronParser.Parse(c.Until); err != nil {
			return invalidf("invalid cron expression: %v", c.Until)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return invalidf("unknown timezone: %v", c.Timezone)
		}
	}
	return nil
}

// Deadline computes when the delay expires relative to now.
func (c *DelayConfig) Deadline(now time.Time) time.Time {
	if c.Until == "" {
		return now.Add(msOr(c.DurationMs, 0))
	}
	sched, err := cronParser.Parse(c.Until)
	if err != nil {
		return now
	}
	loc := time.UTC
	if c.Timezone != "" {
		if l, err := time.LoadLocation(c.Timezone); err == nil {
			loc = l
		}
	}
	return sched.Next(now.In(loc)).UTC()
}

type HandoffConfig struct {
	Queue    string       `json:"queue,omitempty"`
	Message  string       `json:"message,omitempty"`
	Note     string       `json:"note,omitempty"`
	Fallback *TemplateRef `json:"fallback_template,omitempty"`
}

func (c *HandoffConfig) Kind() Kind { return KindHandoff }
func (c *HandoffConfig) sealed()    {}

func (c *HandoffConfig) Validate() error {
	return c.Fallback.validate("fallback_template")
}
