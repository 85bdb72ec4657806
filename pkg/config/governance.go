package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// SupportedGovernanceVersions is the schema_version range this build reads.
const SupportedGovernanceVersions = "^1"

//go:embed governance.schema.json
var governanceSchema string

const governanceSchemaURL = "https://settlement.schemas.local/governance.schema.json"

// Condition module types accepted in a governance file.
const (
	ModuleMutualSignature = "mutual_signature"
	ModuleValidatorQuorum = "validator_quorum"
	ModuleAttestation     = "attestation"
)

// Governance is the bootstrap state of the admin surface: who the authority
// is, where fees go and which modules and targets start out approved.
type Governance struct {
	SchemaVersion    string           `yaml:"schema_version" json:"schema_version"`
	Authority        string           `yaml:"authority" json:"authority"`
	Treasury         string           `yaml:"treasury" json:"treasury"`
	FeeBps           uint16           `yaml:"fee_bps" json:"fee_bps"`
	PayeeLimitMode   string           `yaml:"payee_limit_mode,omitempty" json:"payee_limit_mode,omitempty"`
	ConditionModules []ModuleConfig   `yaml:"condition_modules,omitempty" json:"condition_modules,omitempty"`
	AllowedTargets   []string         `yaml:"allowed_targets,omitempty" json:"allowed_targets,omitempty"`
	Identities       []IdentityConfig `yaml:"identities,omitempty" json:"identities,omitempty"`
	// Balances credits accounts in the in-process vault at startup.
	Balances []BalanceConfig `yaml:"balances,omitempty" json:"balances,omitempty"`
}

type BalanceConfig struct {
	Account string `yaml:"account" json:"account"`
	Asset   string `yaml:"asset" json:"asset"`
	Amount  int64  `yaml:"amount" json:"amount"`
}

// IdentityConfig seeds the in-process identity registry. Label is hashed
// into the identity handle unless ID carries an explicit hex handle.
type IdentityConfig struct {
	Label     string   `yaml:"label,omitempty" json:"label,omitempty"`
	ID        string   `yaml:"id,omitempty" json:"id,omitempty"`
	Account   string   `yaml:"account" json:"account"`
	Inactive  bool     `yaml:"inactive,omitempty" json:"inactive,omitempty"`
	Operators []string `yaml:"operators,omitempty" json:"operators,omitempty"`
}

// ModuleConfig installs one condition module.
type ModuleConfig struct {
	Name       string   `yaml:"name" json:"name"`
	Type       string   `yaml:"type" json:"type"`
	Approved   bool     `yaml:"approved" json:"approved"`
	Threshold  uint32   `yaml:"threshold,omitempty" json:"threshold,omitempty"`
	Validators []string `yaml:"validators,omitempty" json:"validators,omitempty"`
	Attestors  []string `yaml:"attestors,omitempty" json:"attestors,omitempty"`
}

// LoadGovernance reads and validates a governance file.
func LoadGovernance(path string) (*Governance, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load governance %q: %w", path, err)
	}
	return ParseGovernance(data)
}

// ParseGovernance decodes YAML, validates it against the embedded schema and
// checks the schema version.
func ParseGovernance(data []byte) (*Governance, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse governance: %w", err)
	}
	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("parse governance: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var inst any
	if err := dec.Decode(&inst); err != nil {
		return nil, fmt.Errorf("parse governance: %w", err)
	}
	schema, err := compileGovernanceSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("governance schema violation: %w", err)
	}

	var g Governance
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parse governance: %w", err)
	}
	if err := g.checkVersion(); err != nil {
		return nil, err
	}
	if err := g.checkModules(); err != nil {
		return nil, err
	}
	if err := g.checkIdentities(); err != nil {
		return nil, err
	}
	return &g, nil
}

func compileGovernanceSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(governanceSchemaURL, strings.NewReader(governanceSchema)); err != nil {
		return nil, fmt.Errorf("governance schema load failed: %w", err)
	}
	schema, err := c.Compile(governanceSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("governance schema compile failed: %w", err)
	}
	return schema, nil
}

func (g *Governance) checkVersion() error {
	v, err := semver.NewVersion(g.SchemaVersion)
	if err != nil {
		return fmt.Errorf("invalid schema_version %s: %w", g.SchemaVersion, err)
	}
	constraint, err := semver.NewConstraint(SupportedGovernanceVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("schema_version %s not supported (want %s)", v, SupportedGovernanceVersions)
	}
	return nil
}

func (g *Governance) checkModules() error {
	seen := make(map[string]bool, len(g.ConditionModules))
	for _, m := range g.ConditionModules {
		if seen[m.Name] {
			return fmt.Errorf("condition module %q declared twice", m.Name)
		}
		seen[m.Name] = true
		if m.Type == ModuleValidatorQuorum && int(m.Threshold) > len(m.Validators) {
			return fmt.Errorf("condition module %q: threshold %d exceeds %d validators", m.Name, m.Threshold, len(m.Validators))
		}
	}
	return nil
}

func (g *Governance) checkIdentities() error {
	seen := make(map[string]bool, len(g.Identities))
	for i, id := range g.Identities {
		if (id.Label == "") == (id.ID == "") {
			return fmt.Errorf("identity %d: exactly one of label or id is required", i)
		}
		key := id.Label + "|" + id.ID
		if seen[key] {
			return fmt.Errorf("identity %q declared twice", id.Label+id.ID)
		}
		seen[key] = true
	}
	return nil
}
