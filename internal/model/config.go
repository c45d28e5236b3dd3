package model

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// MailboxConfig holds the IMAP settings for the approver's mailbox.
type MailboxConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	// Password may be left empty in the file, in which case it is
	// resolved from the system keyring at startup.
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
	// Folder is the mailbox to poll for approval replies.
	Folder string `mapstructure:"folder" yaml:"folder"`
}

// SMTPConfig holds the outbound mail settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	Username string `mapstructure:"username" yaml:"username"`
	Password string `mapstructure:"password" yaml:"password"`
	TLS      bool   `mapstructure:"tls" yaml:"tls"`
}

// ApprovalConfig holds the approval-cycle settings.
type ApprovalConfig struct {
	// ApproverEmail receives approval-request emails, and only replies
	// from this address are honored by the poller.
	ApproverEmail string `mapstructure:"approver_email" yaml:"approver_email"`
	// PollIntervalSec is how often the mailbox is checked for replies.
	PollIntervalSec int `mapstructure:"poll_interval_sec" yaml:"poll_interval_sec"`
}

// ServerConfig holds the HTTP gateway settings.
type ServerConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level service configuration.
type AppConfig struct {
	DBPath   string         `mapstructure:"db_path" yaml:"db_path"`
	LogLevel string         `mapstructure:"log_level" yaml:"log_level"`
	Mailbox  MailboxConfig  `mapstructure:"mailbox" yaml:"mailbox"`
	SMTP     SMTPConfig     `mapstructure:"smtp" yaml:"smtp"`
	Approval ApprovalConfig `mapstructure:"approval" yaml:"approval"`
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/approverd/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "approverd", "config.yaml")
}

// defaultAppConfig returns a sensible default configuration.
func defaultAppConfig() *AppConfig {
	return &AppConfig{
		DBPath:   "approvals.db",
		LogLevel: "info",
		Mailbox: MailboxConfig{
			Port:   "993",
			TLS:    true,
			Folder: "INBOX",
		},
		SMTP: SMTPConfig{
			Port: "465",
			TLS:  true,
		},
		Approval: ApprovalConfig{
			PollIntervalSec: 30,
		},
		Server: ServerConfig{
			Addr: ":8080",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	v.SetDefault("db_path", "approvals.db")
	v.SetDefault("log_level", "info")
	v.SetDefault("mailbox.port", "993")
	v.SetDefault("mailbox.tls", true)
	v.SetDefault("mailbox.folder", "INBOX")
	v.SetDefault("smtp.port", "465")
	v.SetDefault("smtp.tls", true)
	v.SetDefault("approval.poll_interval_sec", 30)
	v.SetDefault("server.addr", ":8080")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return defaultAppConfig(), nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return defaultAppConfig(), nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := defaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if cfg.Approval.PollIntervalSec <= 0 {
		cfg.Approval.PollIntervalSec = 30
	}

	return cfg, nil
}

// Validate checks that the settings required to run the service are present.
func (c *AppConfig) Validate() error {
	var missing []string
	if c.Approval.ApproverEmail == "" {
		missing = append(missing, "approval.approver_email")
	}
	if c.Mailbox.Host == "" {
		missing = append(missing, "mailbox.host")
	}
	if c.SMTP.Host == "" {
		missing = append(missing, "smtp.host")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config keys: %v", missing)
	}
	return nil
}
