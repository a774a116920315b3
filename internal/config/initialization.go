package config

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"inventory-backup/internal/backup"

	"gopkg.in/yaml.v3"
)

// InitializationResult is the outcome of a preflight check of the environment
type InitializationResult struct {
	Success          bool     `json:"success" yaml:"success"`
	ConfigValid      bool     `json:"configValid" yaml:"config_valid"`
	StorageReady     bool     `json:"storageReady" yaml:"storage_ready"`
	ToolsAvailable   bool     `json:"toolsAvailable" yaml:"tools_available"`
	Warnings         []string `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Errors           []string `json:"errors,omitempty" yaml:"errors,omitempty"`
	RecommendedFixes []string `json:"recommendedFixes,omitempty" yaml:"recommended_fixes,omitempty"`
}

// Initializer checks that a configuration can actually run backups on this host
type Initializer struct {
	config   *Config
	lookPath func(string) (string, error)
}

// NewInitializer creates an initializer for cfg
func NewInitializer(cfg *Config) *Initializer {
	return &Initializer{config: cfg, lookPath: exec.LookPath}
}

// Check validates the configuration, prepares the store layout and looks for
// the dump tools. Problems are collected rather than returned one by one.
func (i *Initializer) Check() *InitializationResult {
	result := &InitializationResult{Success: true, ConfigValid: true, StorageReady: true, ToolsAvailable: true}

	if err := i.config.Validate(); err != nil {
		result.ConfigValid = false
		result.fail(err.Error(), "fix the reported configuration values")
	}

	i.checkStorage(result)
	i.checkTools(result)
	i.checkAssets(result)

	if !i.config.DatabaseConfigured() {
		result.Warnings = append(result.Warnings, "no database configured; only asset backups are available")
	}
	if len(i.config.Backup.Entities) == 0 {
		result.Warnings = append(result.Warnings, "backup.entities is empty; scheduled runs take no entity snapshots")
	}

	return result
}

func (r *InitializationResult) fail(message, fix string) {
	r.Success = false
	r.Errors = append(r.Errors, message)
	if fix != "" {
		r.RecommendedFixes = append(r.RecommendedFixes, fix)
	}
}

func (i *Initializer) checkStorage(result *InitializationResult) {
	mode, err := i.config.Permissions()
	if err != nil {
		mode = 0755
	}

	if _, err := backup.NewFileStore(i.config.Storage.Root, backup.FileStoreOptions{Permissions: mode}, nil); err != nil {
		result.StorageReady = false
		result.fail(fmt.Sprintf("storage root %s is not usable: %v", i.config.Storage.Root, err),
			fmt.Sprintf("create %s and make it writable for this user", i.config.Storage.Root))
		return
	}

	probe := filepath.Join(i.config.Storage.Root, ".tmp", ".write-test")
	if err := os.WriteFile(probe, []byte("ok"), 0600); err != nil {
		result.StorageReady = false
		result.fail(fmt.Sprintf("storage root %s is not writable: %v", i.config.Storage.Root, err),
			"check the permissions of the storage root")
		return
	}
	os.Remove(probe)
}

func (i *Initializer) checkTools(result *InitializationResult) {
	if !i.config.DatabaseConfigured() {
		return
	}
	for _, tool := range []string{i.config.Dump.DumpCommand, i.config.Dump.ClientCommand} {
		if _, err := i.lookPath(tool); err != nil {
			result.ToolsAvailable = false
			result.fail(fmt.Sprintf("%s not found in PATH", tool),
				fmt.Sprintf("install the MySQL client tools or set dump.%s", toolKey(i.config, tool)))
		}
	}
}

func toolKey(cfg *Config, tool string) string {
	if tool == cfg.Dump.DumpCommand {
		return "dump_command"
	}
	return "client_command"
}

func (i *Initializer) checkAssets(result *InitializationResult) {
	dir := i.config.Backup.AssetsDir
	if dir == "" {
		return
	}
	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		result.Warnings = append(result.Warnings, fmt.Sprintf("assets directory %s does not exist yet", dir))
	case err != nil:
		result.fail(fmt.Sprintf("assets directory %s: %v", dir, err), "")
	case !info.IsDir():
		result.fail(fmt.Sprintf("assets path %s is not a directory", dir), "point backup.assets_dir at a directory")
	}
}

// WriteDefaultConfig writes a yaml file holding every default plus sample
// connection values.
// An existing file is only replaced when force is set.
func WriteDefaultConfig(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("configuration file %s already exists (use --force to overwrite)", path)
		}
	}

	cfg := Default()
	cfg.Database.Host = "localhost"
	cfg.Database.Username = "inventory"
	cfg.Database.Database = "inventory"
	cfg.Backup.Entities = []string{"clients", "sellers", "references"}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode default configuration: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create configuration directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}
