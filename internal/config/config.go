// Package config implements postilion's configuration: a single YAML
// document, loaded with defaults-then-override semantics.
package config

import (
	"fmt"
	"os"
	"time"

	"blitiri.com.ar/go/log"
	yaml "gopkg.in/yaml.v2"
)

// Config is the top-level configuration document.
type Config struct {
	Hostname string `yaml:"hostname"`

	MaxDataSizeMb int64 `yaml:"max_data_size_mb"`

	SmtpAddress              []string `yaml:"smtp_address"`
	SubmissionAddress        []string `yaml:"submission_address"`
	SubmissionOverTlsAddress []string `yaml:"submission_over_tls_address"`
	MonitoringAddress        string   `yaml:"monitoring_address"`

	MailDeliveryAgentBin  string   `yaml:"mail_delivery_agent_bin"`
	MailDeliveryAgentArgs []string `yaml:"mail_delivery_agent_args"`

	DataDir string `yaml:"data_dir"`

	// MetaSpoolBackend and DataSpoolBackend each independently select a
	// spool.Backend implementation ("localdisk" or "boltkv") for the
	// "meta" and "data" named spools. They may differ: a deployment can
	// keep small, frequently-scanned metadata in boltkv while leaving
	// bulky message bodies on localdisk, or any other combination.
	MetaSpoolBackend string `yaml:"meta_spool_backend"`
	DataSpoolBackend string `yaml:"data_spool_backend"`

	SuffixSeparators string `yaml:"suffix_separators"`
	DropCharacters   string `yaml:"drop_characters"`

	MailLogPath string `yaml:"mail_log_path"`

	MaxQueueItems   int    `yaml:"max_queue_items"`
	GiveUpSendAfter string `yaml:"give_up_send_after"`

	// EgressPool/EgressSource are threaded through to every
	// disposition.Record an attempt produces; they play no role in
	// routing, which is a courier concern.
	EgressPool   string `yaml:"egress_pool"`
	EgressSource string `yaml:"egress_source"`
}

var defaultConfig = Config{
	MaxDataSizeMb: 50,

	SmtpAddress:              []string{"systemd"},
	SubmissionAddress:        []string{"systemd"},
	SubmissionOverTlsAddress: []string{"systemd"},

	MailDeliveryAgentBin:  "maildrop",
	MailDeliveryAgentArgs: []string{"-f", "%from%", "-d", "%to_user%"},

	DataDir: "/var/lib/postilion",

	MetaSpoolBackend: "localdisk",
	DataSpoolBackend: "localdisk",

	SuffixSeparators: "+",
	DropCharacters:   ".",

	MailLogPath: "<syslog>",

	MaxQueueItems:   200,
	GiveUpSendAfter: "20h",
}

// Load reads the configuration document at path, applying it on top of
// the package defaults.
func Load(path string) (*Config, error) {
	c := defaultConfig

	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %q: %v", path, err)
	}

	fromFile := Config{}
	if err := yaml.Unmarshal(buf, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing config: %v", err)
	}
	override(&c, &fromFile)

	if c.Hostname == "" {
		c.Hostname, err = os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("could not get hostname: %v", err)
		}
	}

	if _, err := time.ParseDuration(c.GiveUpSendAfter); err != nil {
		return nil, fmt.Errorf(
			"invalid give_up_send_after value %q: %v", c.GiveUpSendAfter, err)
	}

	return &c, nil
}

// override applies every field set in o on top of c. We don't use a
// generic deep-merge helper because the semantics ("set" means "non-zero",
// not "present in the document") are specific enough to spell out.
func override(c, o *Config) {
	if o.Hostname != "" {
		c.Hostname = o.Hostname
	}
	if o.MaxDataSizeMb > 0 {
		c.MaxDataSizeMb = o.MaxDataSizeMb
	}
	if len(o.SmtpAddress) > 0 {
		c.SmtpAddress = o.SmtpAddress
	}
	if len(o.SubmissionAddress) > 0 {
		c.SubmissionAddress = o.SubmissionAddress
	}
	if len(o.SubmissionOverTlsAddress) > 0 {
		c.SubmissionOverTlsAddress = o.SubmissionOverTlsAddress
	}
	if o.MonitoringAddress != "" {
		c.MonitoringAddress = o.MonitoringAddress
	}

	if o.MailDeliveryAgentBin != "" {
		c.MailDeliveryAgentBin = o.MailDeliveryAgentBin
	}
	if len(o.MailDeliveryAgentArgs) > 0 {
		c.MailDeliveryAgentArgs = o.MailDeliveryAgentArgs
	}

	if o.DataDir != "" {
		c.DataDir = o.DataDir
	}
	if o.MetaSpoolBackend != "" {
		c.MetaSpoolBackend = o.MetaSpoolBackend
	}
	if o.DataSpoolBackend != "" {
		c.DataSpoolBackend = o.DataSpoolBackend
	}

	if o.SuffixSeparators != "" {
		c.SuffixSeparators = o.SuffixSeparators
	}
	if o.DropCharacters != "" {
		c.DropCharacters = o.DropCharacters
	}
	if o.MailLogPath != "" {
		c.MailLogPath = o.MailLogPath
	}

	if o.MaxQueueItems > 0 {
		c.MaxQueueItems = o.MaxQueueItems
	}
	if o.GiveUpSendAfter != "" {
		c.GiveUpSendAfter = o.GiveUpSendAfter
	}

	if o.EgressPool != "" {
		c.EgressPool = o.EgressPool
	}
	if o.EgressSource != "" {
		c.EgressSource = o.EgressSource
	}
}

// LogConfig logs the given configuration, in a human-friendly way.
func LogConfig(c *Config) {
	log.Infof("Configuration:")
	log.Infof("  Hostname: %q", c.Hostname)
	log.Infof("  Max data size (MB): %d", c.MaxDataSizeMb)
	log.Infof("  SMTP Addresses: %q", c.SmtpAddress)
	log.Infof("  Submission Addresses: %q", c.SubmissionAddress)
	log.Infof("  Submission+TLS Addresses: %q", c.SubmissionOverTlsAddress)
	log.Infof("  Monitoring address: %q", c.MonitoringAddress)
	log.Infof("  MDA: %q %q", c.MailDeliveryAgentBin, c.MailDeliveryAgentArgs)
	log.Infof("  Data directory: %q", c.DataDir)
	log.Infof("  Meta spool backend: %q", c.MetaSpoolBackend)
	log.Infof("  Data spool backend: %q", c.DataSpoolBackend)
	log.Infof("  Suffix separators: %q", c.SuffixSeparators)
	log.Infof("  Drop characters: %q", c.DropCharacters)
	log.Infof("  Mail log: %q", c.MailLogPath)
	log.Infof("  Max queue items: %d", c.MaxQueueItems)
	log.Infof("  Give up send after: %s", c.GiveUpSendAfterDuration())
	log.Infof("  Egress pool/source: %q / %q", c.EgressPool, c.EgressSource)
}

// GiveUpSendAfterDuration parses GiveUpSendAfter. Load validates the
// string at load time, so the error here is never reachable in practice.
func (c *Config) GiveUpSendAfterDuration() time.Duration {
	d, _ := time.ParseDuration(c.GiveUpSendAfter)
	return d
}
