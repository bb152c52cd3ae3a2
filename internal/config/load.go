package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	lerrors "github.com/gxo-labs/lightning/pkg/lightning/v1/errors"
)

// SupportedSchemaMajor is the schemaVersion major this build accepts.
const SupportedSchemaMajor = "v1"

// Load validates configYAML against the embedded schema, decodes it strictly,
// checks schemaVersion compatibility and runs the structural checks.
func Load(configYAML []byte, filePathHint string) (*File, error) {
	if len(bytes.TrimSpace(configYAML)) == 0 {
		return nil, lerrors.NewConfigError("configuration content cannot be empty", nil)
	}

	if err := ValidateWithSchema(configYAML); err != nil {
		return nil, lerrors.NewConfigError(fmt.Sprintf("configuration '%s' failed schema validation", filePathHint), err)
	}

	var file File
	if err := yamlUnmarshalStrict(configYAML, &file); err != nil {
		return nil, lerrors.NewConfigError(fmt.Sprintf("failed to parse configuration YAML '%s'", filePathHint), err)
	}
	file.FilePath = filePathHint

	if err := checkSchemaVersion(file.SchemaVersion, filePathHint); err != nil {
		return nil, err
	}

	if errs := ValidateStructure(&file); len(errs) > 0 {
		messages := make([]string, len(errs))
		for i, e := range errs {
			messages[i] = e.Error()
		}
		return nil, lerrors.NewValidationError(
			fmt.Sprintf("configuration '%s' has %d validation error(s):\n- %s", filePathHint, len(errs), strings.Join(messages, "\n- ")),
			errs[0],
		)
	}
	return &file, nil
}

// LoadFromFile reads and loads a configuration from disk.
func LoadFromFile(filePath string) (*File, error) {
	if filePath == "" {
		return nil, lerrors.NewConfigError("configuration file path cannot be empty", nil)
	}
	absPath, err := filepath.Abs(filePath)
	if err != nil {
		return nil, lerrors.NewConfigError(fmt.Sprintf("failed to get absolute path for '%s'", filePath), err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, lerrors.NewConfigError(fmt.Sprintf("failed to read configuration file '%s'", absPath), err)
	}
	return Load(data, absPath)
}

func checkSchemaVersion(version, filePathHint string) error {
	if version == "" {
		return lerrors.NewValidationError(fmt.Sprintf("configuration '%s' is missing required 'schemaVersion' field", filePathHint), nil)
	}
	v := version
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return lerrors.NewValidationError(fmt.Sprintf("configuration '%s' has invalid 'schemaVersion' format: '%s'", filePathHint, version), nil)
	}
	if semver.Major(v) != SupportedSchemaMajor {
		return lerrors.NewValidationError(
			fmt.Sprintf("configuration '%s' schemaVersion '%s' is not compatible with required major '%s'", filePathHint, version, SupportedSchemaMajor),
			nil,
		)
	}
	return nil
}

// yamlUnmarshalStrict rejects fields the target struct does not declare.
func yamlUnmarshalStrict(in []byte, out interface{}) error {
	decoder := yaml.NewDecoder(bytes.NewReader(in))
	decoder.KnownFields(true)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("YAML parsing error: %w", err)
	}
	return nil
}
