package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const appName = "udyndns"

var (
	defaultHTTPURLs = map[Family][]string{
		AnyFamily: {"https://api64.ipify.org", "https://icanhazip.com"},
		IPv4:      {"https://api.ipify.org", "https://checkip.amazonaws.com"},
		IPv6:      {"https://api6.ipify.org", "https://ipv6.icanhazip.com"},
	}
	defaultDNSServers = map[Family]string{
		AnyFamily: "208.67.222.222:53",
		IPv4:      "208.67.222.222:53",
		IPv6:      "[2620:119:35::35]:53",
	}
)

// Load reads the configuration from command-line arguments, environment
// variables and an optional config file, in that order of precedence.
func Load(args []string) (*Config, error) {
	v := viper.New()

	flags := pflag.NewFlagSet(appName, pflag.ContinueOnError)
	flags.StringP("config", "c", "", "config file")
	flags.StringP("auth", "a", "", "auth JSON file")
	flags.StringP("project", "p", "", "GCP project")
	flags.StringP("zone", "z", "", "GCP DNS zone")
	flags.StringP("name", "n", "", "DNS name")
	flags.BoolP("force", "f", false, "force update")
	flags.Uint("poll-frequency", 0, "poll frequency in seconds")
	flags.BoolP("verbose", "v", false, "verbose")
	flags.String("provider", "", "DNS provider (clouddns, route53, pihole)")
	flags.String("resolver", "", "external address resolver (http, dns)")
	flags.String("family", "", "address family (any, ipv4, ipv6)")
	flags.String("data-dir", "", "state directory")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	v.SetDefault("Force", false)
	v.SetDefault("PollFrequency", 0)
	v.SetDefault("Verbose", false)
	v.SetDefault("CycleTimeout", 30*time.Second)
	v.SetDefault("LogLevel", slog.LevelInfo)
	v.SetDefault("Nameserver.Type", CloudDNS)
	v.SetDefault("Nameserver.CloudDNS.CredentialsFile", defaultCredentialsFile())
	v.SetDefault("Nameserver.CloudDNS.TTL", 300)
	v.SetDefault("Nameserver.CloudDNS.Endpoint", "https://dns.googleapis.com/dns/v1/projects")
	v.SetDefault("Nameserver.Route53.TTL", 300)
	v.SetDefault("Nameserver.Route53.AWSRegion", "us-west-1")
	v.SetDefault("Resolver.Type", HTTPResolver)
	v.SetDefault("Resolver.Family", AnyFamily)
	v.SetDefault("Resolver.Timeout", 10*time.Second)
	v.SetDefault("Resolver.DNS.Hostname", "myip.opendns.com.")
	v.SetDefault("Prometheus.ListenAddr", ":9100")
	v.SetDefault("Prometheus.MetricsPath", "/metrics")

	v.BindEnv("RecordName", "RECORD_NAME")
	v.BindEnv("Force", "FORCE")
	v.BindEnv("PollFrequency", "POLL_FREQUENCY")
	v.BindEnv("Verbose", "VERBOSE")
	v.BindEnv("DataDir", "DATA_DIR")
	v.BindEnv("CycleTimeout", "CYCLE_TIMEOUT")
	v.BindEnv("LogLevel", "LOG_LEVEL")
	v.BindEnv("Nameserver.Type", "NAMESERVER_TYPE")
	v.BindEnv("Nameserver.CloudDNS.Project", "CLOUDDNS_PROJECT")
	v.BindEnv("Nameserver.CloudDNS.Zone", "CLOUDDNS_ZONE")
	v.BindEnv("Nameserver.CloudDNS.CredentialsFile", "CLOUDDNS_CREDENTIALS_FILE")
	v.BindEnv("Nameserver.CloudDNS.TTL", "CLOUDDNS_TTL")
	v.BindEnv("Nameserver.CloudDNS.Endpoint", "CLOUDDNS_ENDPOINT")
	v.BindEnv("Nameserver.Route53.HostedZone", "ROUTE53_HOSTED_ZONE")
	v.BindEnv("Nameserver.Route53.TTL", "ROUTE53_TTL")
	v.BindEnv("Nameserver.Route53.AWSRegion", "AWS_REGION")
	v.BindEnv("Nameserver.Route53.CredentialsFile", "ROUTE53_CREDENTIALS_FILE")
	v.BindEnv("Nameserver.Route53.AccessKeyID", "ROUTE53_ACCESS_KEY_ID")
	v.BindEnv("Nameserver.Route53.SecretAccessKey", "ROUTE53_SECRET_ACCESS_KEY")
	v.BindEnv("Nameserver.Pihole.URL", "PIHOLE_URL")
	v.BindEnv("Nameserver.Pihole.Password", "PIHOLE_PASSWORD")
	v.BindEnv("Resolver.Type", "RESOLVER_TYPE")
	v.BindEnv("Resolver.Family", "RESOLVER_FAMILY")
	v.BindEnv("Resolver.Timeout", "RESOLVER_TIMEOUT")
	v.BindEnv("Resolver.HTTP.URLs", "RESOLVER_HTTP_URLS")
	v.BindEnv("Resolver.HTTP.XPath", "RESOLVER_HTTP_XPATH")
	v.BindEnv("Resolver.DNS.Server", "RESOLVER_DNS_SERVER")
	v.BindEnv("Resolver.DNS.Hostname", "RESOLVER_DNS_HOSTNAME")
	v.BindEnv("Prometheus.ListenAddr", "PROMETHEUS_LISTEN_ADDR")
	v.BindEnv("Prometheus.MetricsPath", "PROMETHEUS_METRICS_PATH")

	v.BindPFlag("RecordName", flags.Lookup("name"))
	v.BindPFlag("Force", flags.Lookup("force"))
	v.BindPFlag("PollFrequency", flags.Lookup("poll-frequency"))
	v.BindPFlag("Verbose", flags.Lookup("verbose"))
	v.BindPFlag("DataDir", flags.Lookup("data-dir"))
	v.BindPFlag("Nameserver.Type", flags.Lookup("provider"))
	v.BindPFlag("Nameserver.CloudDNS.Project", flags.Lookup("project"))
	v.BindPFlag("Nameserver.CloudDNS.Zone", flags.Lookup("zone"))
	v.BindPFlag("Nameserver.CloudDNS.CredentialsFile", flags.Lookup("auth"))
	v.BindPFlag("Resolver.Type", flags.Lookup("resolver"))
	v.BindPFlag("Resolver.Family", flags.Lookup("family"))

	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, &Error{Key: "config", Reason: "couldn't read config file", Err: err}
		}
	}

	config := &Config{}
	err := v.Unmarshal(config, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	)))
	if err != nil {
		return nil, fmt.Errorf("couldn't parse config: %w", err)
	}

	// Manual fixes
	if len(config.Resolver.HTTP.URLs) == 1 {
		config.Resolver.HTTP.URLs = splitAndFilter(config.Resolver.HTTP.URLs[0])
	}
	if len(config.Resolver.HTTP.URLs) == 0 {
		config.Resolver.HTTP.URLs = defaultHTTPURLs[config.Resolver.Family]
	}
	if config.Resolver.DNS.Server == "" {
		config.Resolver.DNS.Server = defaultDNSServers[config.Resolver.Family]
	}
	if config.DataDir == "" {
		config.DataDir = defaultDataDir()
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	if err := prepareDataDir(config.DataDir); err != nil {
		return nil, err
	}
	return config, nil
}

func splitAndFilter(data string) (ret []string) {
	for _, val := range strings.Split(data, " ") {
		if val == "" {
			continue
		}
		ret = append(ret, val)
	}
	return
}

// key.json next to the executable, when there is one.
func defaultCredentialsFile() string {
	exe, err := os.Executable()
	if err != nil {
		return ""
	}
	return filepath.Join(filepath.Dir(exe), "key.json")
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "share", appName)
}

func prepareDataDir(dir string) error {
	if dir == "" {
		return &Error{Key: "DataDir", Reason: "no data directory could be determined"}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &Error{Key: "DataDir", Reason: "unusable data directory", Err: err}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return &Error{Key: "DataDir", Reason: "unusable data directory", Err: err}
	}
	if !info.IsDir() {
		return &Error{Key: "DataDir", Reason: fmt.Sprintf("%s is not a directory", dir)}
	}
	return nil
}
