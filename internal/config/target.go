package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

// LogCondition is one entry of a DaemonSpec's readiness/failure DSL
// (spec 3, DaemonSpec).
type LogCondition struct {
	Stdio     string `json:"stdio" mapstructure:"stdio"`
	Matcher   string `json:"matcher" mapstructure:"matcher"`
	Value     string `json:"value" mapstructure:"value"`
	Type      string `json:"type" mapstructure:"type"`
	TimeoutMs uint64 `json:"timeout_ms,omitempty" mapstructure:"timeout_ms"`
}

// DefaultDaemonTimeoutMs is applied when a LogCondition omits timeout_ms.
const DefaultDaemonTimeoutMs = 120_000

// EffectiveTimeoutMs returns the condition's configured timeout, or the
// spec-mandated default of 120000ms.
func (c LogCondition) EffectiveTimeoutMs() uint64 {
	if c.TimeoutMs == 0 {
		return DefaultDaemonTimeoutMs
	}
	return c.TimeoutMs
}

// UnknownMatcherError is a configuration error: the matcher grammar (spec 3)
// currently defines only "contains", so anything else is rejected at load
// time rather than silently falling back to some guessed comparison (spec 9).
type UnknownMatcherError struct {
	Matcher string
}

func (e *UnknownMatcherError) Error() string {
	return fmt.Sprintf("unknown log condition matcher %q: only \"contains\" is defined", e.Matcher)
}

// Validate rejects any matcher other than "contains".
func (c LogCondition) Validate() error {
	if c.Matcher != "contains" {
		return &UnknownMatcherError{Matcher: c.Matcher}
	}
	return nil
}

// DaemonSpec is one or more LogConditions a daemon command races to
// determine readiness/failure (spec 3, 4.5).
type DaemonSpec struct {
	Conditions []LogCondition
}

// UnmarshalJSON accepts a single condition object, an array of conditions,
// or an array of single/array DaemonSpecs, flattening all of them into one
// Conditions list -- the spec's grammar nests DaemonSpec | DaemonSpec[]
// where DaemonSpec itself is "one or more LogCondition", so a daemon's
// full condition set can arrive in any of these shapes.
func (d *DaemonSpec) UnmarshalJSON(data []byte) error {
	var single LogCondition
	if err := json.Unmarshal(data, &single); err == nil && single.Type != "" {
		if err := single.Validate(); err != nil {
			return err
		}
		d.Conditions = []LogCondition{single}
		return nil
	}

	var rawArray []json.RawMessage
	if err := json.Unmarshal(data, &rawArray); err != nil {
		return errors.Wrap(err, "daemon spec must be a condition object or an array")
	}
	for _, raw := range rawArray {
		var cond LogCondition
		if err := json.Unmarshal(raw, &cond); err == nil && cond.Type != "" {
			if err := cond.Validate(); err != nil {
				return err
			}
			d.Conditions = append(d.Conditions, cond)
			continue
		}
		var nested DaemonSpec
		if err := json.Unmarshal(raw, &nested); err != nil {
			return errors.Wrap(err, "invalid daemon spec element")
		}
		d.Conditions = append(d.Conditions, nested.Conditions...)
	}
	return nil
}

// Command is one step of a TargetConfig: either a plain shell string, or a
// `{run, daemon?}` object (spec 3).
type Command struct {
	Run    string
	Daemon *DaemonSpec
}

// UnmarshalJSON implements the Command = string | {run, daemon?} union.
func (c *Command) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		c.Run = plain
		return nil
	}

	var obj struct {
		Run    string          `json:"run"`
		Daemon json.RawMessage `json:"daemon,omitempty"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return errors.Wrap(err, "command must be a string or {run, daemon?} object")
	}
	c.Run = obj.Run
	if len(obj.Daemon) > 0 {
		var spec DaemonSpec
		if err := json.Unmarshal(obj.Daemon, &spec); err != nil {
			return err
		}
		c.Daemon = &spec
	}
	return nil
}

// IsDaemon reports whether this command carries daemon supervision.
func (c Command) IsDaemon() bool {
	return c.Daemon != nil && len(c.Daemon.Conditions) > 0
}

// TargetConfig is the ordered commands plus source globs for one named
// target within a workspace (spec 3).
type TargetConfig struct {
	Cmd []Command `json:"cmd"`
	Src []string  `json:"src"`
}

// UnmarshalJSON implements the `cmd: Command | Command[]` union.
func (t *TargetConfig) UnmarshalJSON(data []byte) error {
	var obj struct {
		Cmd json.RawMessage `json:"cmd"`
		Src []string        `json:"src"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	t.Src = obj.Src

	if len(obj.Cmd) == 0 {
		return nil
	}
	var single Command
	if err := json.Unmarshal(obj.Cmd, &single); err == nil && !looksLikeArray(obj.Cmd) {
		t.Cmd = []Command{single}
		return nil
	}
	var many []Command
	if err := json.Unmarshal(obj.Cmd, &many); err != nil {
		return errors.Wrap(err, "cmd must be a Command or an array of Commands")
	}
	t.Cmd = many
	return nil
}

func looksLikeArray(data json.RawMessage) bool {
	for _, b := range data {
		switch b {
		case ' ', '\t', '\n', '\r':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// TargetFile is the on-disk `{targets?, extends?}` shape per workspace root
// (spec 6).
type TargetFile struct {
	Targets map[string]TargetConfig `json:"targets"`
	Extends string                  `json:"extends,omitempty"`
}

// TargetFileName is the conventional per-workspace target config filename.
const TargetFileName = "targets.json"

// LoadTargetFile reads and resolves the `extends` chain for the target
// config file at root. A missing file is equivalent to `{}` (spec 6).
// Self-extension is rejected.
func LoadTargetFile(root string) (*TargetFile, error) {
	return loadTargetFile(root, TargetFileName, make(map[string]bool))
}

func loadTargetFile(root string, fileName string, visited map[string]bool) (*TargetFile, error) {
	path := filepath.Join(root, fileName)
	if visited[path] {
		return nil, errors.Errorf("target config %s extends itself", path)
	}
	visited[path] = true

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &TargetFile{}, nil
		}
		return nil, errors.Wrapf(err, "reading target config %s", path)
	}

	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing target config %s", path)
	}

	var tf TargetFile
	if err := json.Unmarshal(data, &tf); err != nil {
		return nil, errors.Wrapf(err, "parsing target config %s", path)
	}

	if tf.Extends == "" {
		return &tf, nil
	}

	extendsPath := filepath.Join(root, tf.Extends)
	extendsDir := filepath.Dir(extendsPath)
	extendsFile := filepath.Base(extendsPath)
	if extendsDir == root && extendsFile == fileName {
		return nil, errors.Errorf("target config %s extends itself via %s", path, tf.Extends)
	}

	parent, err := loadTargetFile(extendsDir, extendsFile, visited)
	if err != nil {
		return nil, err
	}

	return mergeTargetFiles(parent, &tf), nil
}

// mergeTargetFiles overlays child's targets on top of parent's, using
// mapstructure to decode each merged target back into a typed TargetConfig
// after a generic field-by-field map merge -- this is the one config-shape
// problem a loosely-typed decode genuinely simplifies, since a target
// definition can be a full override or a partial one.
func mergeTargetFiles(parent, child *TargetFile) *TargetFile {
	merged := map[string]TargetConfig{}
	for name, cfg := range parent.Targets {
		merged[name] = cfg
	}
	for name, cfg := range child.Targets {
		if _, exists := merged[name]; !exists {
			merged[name] = cfg
			continue
		}
		merged[name] = mergeTargetConfig(merged[name], cfg)
	}
	return &TargetFile{Targets: merged}
}

func mergeTargetConfig(base, override TargetConfig) TargetConfig {
	raw := map[string]interface{}{
		"cmd": base.Cmd,
		"src": base.Src,
	}
	if len(override.Cmd) > 0 {
		raw["cmd"] = override.Cmd
	}
	if len(override.Src) > 0 {
		raw["src"] = override.Src
	}

	var merged TargetConfig
	dec, _ := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: &merged, TagName: "json"})
	_ = dec.Decode(raw)
	return merged
}
