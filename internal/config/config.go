package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models fieldrelay.yml.
type Config struct {
	Remote  Remote  `yaml:"remote"`
	Intake  Intake  `yaml:"intake"`
	Mapping Mapping `yaml:"mapping"`
}

// Remote configures the outbound task-service API.
type Remote struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	ProjectID      string `yaml:"project_id"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	CustomFields   struct {
		JobReference string `yaml:"job_reference"`
		ReceivedDate string `yaml:"received_date"`
	} `yaml:"custom_fields"`
}

// Intake configures the webhook server.
type Intake struct {
	Listen           string `yaml:"listen"`
	WebhookSecret    string `yaml:"webhook_secret"`
	JWTSecret        string `yaml:"jwt_secret"`
	InlineProcessing *bool  `yaml:"inline_processing"`
}

// Mapping is the declarative field-mapping table: vendor field key per
// normalized attribute. Form versions move keys around; only this table
// changes, never the pipeline.
type Mapping struct {
	Title           string   `yaml:"title"`
	JobReference    string   `yaml:"job_reference"`
	Assignee        string   `yaml:"assignee"`
	ReceivedAt      string   `yaml:"received_at"`
	SubtaskName     string   `yaml:"subtask_name"`
	SubtaskAssignee string   `yaml:"subtask_assignee"`
	Description     []string `yaml:"description"`
	Attachments     []string `yaml:"attachments"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fr config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure. Credentials are
// checked at client construction, not here, so config init works before
// a token exists.
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config.remote.base_url is required")
	}
	if c.Remote.TimeoutSeconds < 0 {
		return fmt.Errorf("config.remote.timeout_seconds must not be negative")
	}
	if c.Remote.CustomFields.JobReference == "" {
		return fmt.Errorf("config.remote.custom_fields.job_reference is required")
	}
	if c.Remote.CustomFields.ReceivedDate == "" {
		return fmt.Errorf("config.remote.custom_fields.received_date is required")
	}
	if c.Mapping.Title == "" {
		return fmt.Errorf("config.mapping.title is required")
	}
	if c.Mapping.ReceivedAt == "" {
		return fmt.Errorf("config.mapping.received_at is required")
	}
	for i, key := range c.Mapping.Description {
		if key == "" {
			return fmt.Errorf("config.mapping.description[%d] is empty", i)
		}
	}
	for i, key := range c.Mapping.Attachments {
		if key == "" {
			return fmt.Errorf("config.mapping.attachments[%d] is empty", i)
		}
	}
	return nil
}

// InlineProcessing reports whether the intake server should deliver a
// submission as soon as it arrives. Defaults to true.
func (c *Config) InlineProcessing() bool {
	if c.Intake.InlineProcessing == nil {
		return true
	}
	return *c.Intake.InlineProcessing
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "fieldrelay.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default config invalid: %v", err))
	}
	return cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `remote:
  base_url: https://app.asana.com/api/1.0
  token: ""
  project_id: ""
  timeout_seconds: 30
  custom_fields:
    job_reference: "Jb No"
    received_date: "Received Date"

intake:
  listen: ":8000"
  webhook_secret: ""
  jwt_secret: ""
  inline_processing: true

mapping:
  title: alpha_2
  job_reference: lookuplistpicker_1
  assignee: textlabel_2
  received_at: datepicker_1
  subtask_name: listpicker_4
  subtask_assignee: lookuplistpicker_2
  description: [multiline_3, multiline_34]
  attachments: [photos, images]
`
