package config

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/viper"
)

// BundleSpec describes one versioned artifact bundle: where to fetch it,
// where it lands on disk, and where its stable "current" symlink lives.
type BundleSpec struct {
	URL     string `mapstructure:"url"`
	SHA256  string `mapstructure:"sha256"`
	Remote  string `mapstructure:"remote"`
	Root    string `mapstructure:"root"`
	Dir     string `mapstructure:"dir"`
	Current string `mapstructure:"current"`
	Version string `mapstructure:"version"`
}

// CloudflaredSpec configures the optional outbound tunnel. When enabled,
// exactly one auth mode is required: a token, or a tunnel ID plus a
// credentials file.
type CloudflaredSpec struct {
	Enabled   bool   `mapstructure:"enabled"`
	Hostname  string `mapstructure:"hostname"`
	Port      int    `mapstructure:"port"`
	Token     string `mapstructure:"token"`
	TunnelID  string `mapstructure:"tunnel_id"`
	CredsJSON string `mapstructure:"creds_json"`
}

// BootstrapConfig is the full, validated input to a bootstrap run. It is
// constructed once per invocation and never mutated afterwards.
type BootstrapConfig struct {
	BootstrapUser string `mapstructure:"bootstrap_user"`
	BootstrapHome string `mapstructure:"bootstrap_home"`
	SSHUser       string `mapstructure:"ssh_user"`

	BootstrapRoot string `mapstructure:"bootstrap_root"`
	BootstrapDir  string `mapstructure:"bootstrap_dir"`
	BootstrapTmp  string `mapstructure:"bootstrap_tmp"`
	LogFile       string `mapstructure:"log_file"`

	ExpectedOS   string `mapstructure:"expected_os"`
	ExpectedArch string `mapstructure:"expected_arch"`

	// "auto" or a decimal number of gigabytes for the loopback image.
	ImageSize string   `mapstructure:"image_size"`
	DataDisks []string `mapstructure:"data_disks"`

	Packages    []string `mapstructure:"packages"`
	GPU         bool     `mapstructure:"gpu"`
	NodeVersion string   `mapstructure:"node_version"`

	EnvFile  string   `mapstructure:"env_file"`
	EnvLines []string `mapstructure:"env_lines"`

	ProjectHostBundle BundleSpec `mapstructure:"project_host_bundle"`
	ProjectBundle     BundleSpec `mapstructure:"project_bundle"`
	ToolsBundle       BundleSpec `mapstructure:"tools_bundle"`

	Cloudflared CloudflaredSpec `mapstructure:"cloudflared"`

	SecretURL   string `mapstructure:"secret_url"`
	SecretToken string `mapstructure:"secret_token"`
	SecretCA    string `mapstructure:"secret_ca"`
	SecretPath  string `mapstructure:"secret_path"`

	DonePaths []string `mapstructure:"bootstrap_done_paths"`

	// Hook scripts carried over from the minimal shell-era orchestrator.
	// All optional; run when present, skipped when empty. The per-bundle
	// fetch hooks run as the bootstrap user after their bundle deploys.
	LegacyBootstrapScript    string `mapstructure:"legacy_bootstrap_script"`
	FetchProjectHostScript   string `mapstructure:"fetch_project_host_script"`
	FetchProjectBundleScript string `mapstructure:"fetch_project_bundle_script"`
	FetchToolsScript         string `mapstructure:"fetch_tools_script"`
	InstallServiceScript     string `mapstructure:"install_service_script"`

	Parallel bool `mapstructure:"parallel"`
}

// Bundle kind names accepted by the --only subset selector.
const (
	BundleProjectHost = "project-host"
	BundleProject     = "project"
	BundleTools       = "tools"
)

// NamedBundle pairs a bundle kind with its spec, in deploy order.
type NamedBundle struct {
	Name string
	Spec BundleSpec
}

// Load reads the JSON config document at path and validates it.
// Validation stops at the first missing or malformed field so the error
// names exactly one thing to fix.
func Load(path string) (*BootstrapConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetDefault("parallel", true)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg BootstrapConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *BootstrapConfig) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"bootstrap_user", c.BootstrapUser},
		{"bootstrap_home", c.BootstrapHome},
		{"ssh_user", c.SSHUser},
		{"bootstrap_root", c.BootstrapRoot},
		{"bootstrap_dir", c.BootstrapDir},
		{"expected_os", c.ExpectedOS},
		{"expected_arch", c.ExpectedArch},
		{"env_file", c.EnvFile},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("config: %s missing", f.name)
		}
	}

	if c.ImageSize != "" && c.ImageSize != "auto" {
		gb, err := strconv.Atoi(c.ImageSize)
		if err != nil || gb <= 0 {
			return fmt.Errorf("config: image_size must be %q or a positive integer GB, got %q", "auto", c.ImageSize)
		}
	}

	for _, b := range c.Bundles() {
		if err := b.Spec.validate(b.Name); err != nil {
			return err
		}
	}

	if err := c.Cloudflared.validate(); err != nil {
		return err
	}

	if c.SecretURL != "" && c.SecretPath == "" {
		return fmt.Errorf("config: secret_path missing (required when secret_url is set)")
	}
	return nil
}

func (b *BundleSpec) validate(name string) error {
	required := []struct {
		field string
		value string
	}{
		{"url", b.URL},
		{"remote", b.Remote},
		{"root", b.Root},
		{"dir", b.Dir},
		{"current", b.Current},
	}
	for _, f := range required {
		if f.value == "" {
			return fmt.Errorf("config: %s bundle: %s missing", name, f.field)
		}
	}
	return nil
}

func (s *CloudflaredSpec) validate() error {
	if !s.Enabled {
		return nil
	}
	if s.Hostname == "" {
		return fmt.Errorf("config: cloudflared.hostname missing")
	}
	if s.Port <= 0 {
		return fmt.Errorf("config: cloudflared.port missing or invalid")
	}
	if s.Token == "" && (s.TunnelID == "" || s.CredsJSON == "") {
		return fmt.Errorf("config: cloudflared needs token, or tunnel_id plus creds_json")
	}
	return nil
}

// Bundles returns the three bundles in deploy order.
func (c *BootstrapConfig) Bundles() []NamedBundle {
	return []NamedBundle{
		{Name: BundleProjectHost, Spec: c.ProjectHostBundle},
		{Name: BundleProject, Spec: c.ProjectBundle},
		{Name: BundleTools, Spec: c.ToolsBundle},
	}
}

// FetchScript returns the optional fetch hook for a bundle kind, empty
// when none is configured.
func (c *BootstrapConfig) FetchScript(name string) string {
	switch name {
	case BundleProjectHost:
		return c.FetchProjectHostScript
	case BundleProject:
		return c.FetchProjectBundleScript
	case BundleTools:
		return c.FetchToolsScript
	}
	return ""
}

// Bundle looks up one bundle by its kind name.
func (c *BootstrapConfig) Bundle(name string) (NamedBundle, bool) {
	for _, b := range c.Bundles() {
		if b.Name == name {
			return b, true
		}
	}
	return NamedBundle{}, false
}

// ImageAuto reports whether the loopback image size should be computed
// from the host disk, and the explicit size in GB otherwise.
func (c *BootstrapConfig) ImageAuto() (bool, int) {
	if c.ImageSize == "" || c.ImageSize == "auto" {
		return true, 0
	}
	gb, _ := strconv.Atoi(c.ImageSize)
	return false, gb
}

// Mountpoint of the managed data filesystem.
func (c *BootstrapConfig) Mountpoint() string {
	return c.BootstrapRoot
}

// SecretsDir under the managed data directory.
func (c *BootstrapConfig) SecretsDir() string {
	return filepath.Join(c.BootstrapDir, "secrets")
}

// TmpDir is the world-writable scratch directory on the data filesystem.
func (c *BootstrapConfig) TmpDir() string {
	if c.BootstrapTmp != "" {
		return c.BootstrapTmp
	}
	return filepath.Join(c.BootstrapRoot, "tmp")
}

// Env returns the BOOTSTRAP_* variables exported to every child command.
func (c *BootstrapConfig) Env() []string {
	env := []string{
		"BOOTSTRAP_USER=" + c.BootstrapUser,
		"BOOTSTRAP_HOME=" + c.BootstrapHome,
		"BOOTSTRAP_ROOT=" + c.BootstrapRoot,
		"BOOTSTRAP_DIR=" + c.BootstrapDir,
	}
	if c.BootstrapTmp != "" {
		env = append(env, "BOOTSTRAP_TMP="+c.BootstrapTmp)
	}
	return env
}
