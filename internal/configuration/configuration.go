package configuration

import (
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jeremywohl/flatten"
	"github.com/metal-toolbox/lbcfg/internal/model"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

var (
	defaultClientTimeout  = 30 * time.Second
	defaultManagementPort = 443
)

// ClientOptions holds the appliance management API client configuration.
type ClientOptions struct {
	// InsecureSkipVerify disables TLS certificate verification. Factory
	// appliances ship with self-signed certificates, so this defaults on.
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	// Timeout for a single API request.
	Timeout time.Duration `mapstructure:"timeout"`

	// QueryRetries is the number of retries for the read-only license
	// state query. All other calls are never retried.
	QueryRetries int `mapstructure:"query_retries"`
}

func newClientOptions() *ClientOptions {
	return &ClientOptions{
		InsecureSkipVerify: true,
		Timeout:            defaultClientTimeout,
	}
}

// SecretsOptions points at non-interactive sources for the run secrets.
// Anything left empty is prompted for on the terminal when first needed.
type SecretsOptions struct {
	AdminPasswordFile string `mapstructure:"admin_password_file"`
	KempIDFile        string `mapstructure:"kemp_id_file"`
	KempPasswordFile  string `mapstructure:"kemp_password_file"`
}

// Configuration holds application configuration read from a YAML file or set
// by env variables, plus the static appliance inventory.
// nolint:govet // prefer readability over field alignment optimization for this case.
type Configuration struct {
	// LogLevel is the app verbose logging level.
	// one of - info, debug, trace
	LogLevel string `mapstructure:"log_level"`

	// DryRun runs the bootstrap against a simulated fleet.
	DryRun bool `mapstructure:"dry_run"`

	// ParameterFailurePolicy is applied when a single parameter push
	// fails: "abort" fails the appliance, "continue" records and goes on.
	ParameterFailurePolicy string `mapstructure:"parameter_failure_policy"`

	// Client defines the management API client configuration parameters.
	Client *ClientOptions `mapstructure:"client"`

	// Secrets defines non-interactive secret sources.
	Secrets *SecretsOptions `mapstructure:"secrets"`

	// Appliances is the ordered inventory to bootstrap.
	Appliances []model.Appliance `mapstructure:"appliances"`

	// Parameters are applied to every appliance, in order, after the
	// hostname is set.
	Parameters []model.Parameter `mapstructure:"parameters"`

	EnableProfiling bool `mapstructure:"enable_profiling"`
}

// New creates an empty configuration struct.
func New() *Configuration {
	config := &Configuration{}

	// these are initialized here so viper can read in configuration from env vars
	// once https://github.com/spf13/viper/pull/1429 is merged, this can go.
	config.Client = newClientOptions()
	config.Secrets = &SecretsOptions{}

	return config
}

func (c *Configuration) AsLogFields() []any {
	return []any{
		"logLevel", c.LogLevel,
		"dryRun", c.DryRun,
		"parameterFailurePolicy", c.ParameterFailurePolicy,
		"insecureSkipVerify", c.Client.InsecureSkipVerify,
		"queryRetries", c.Client.QueryRetries,
		"appliances", len(c.Appliances),
		"parameters", len(c.Parameters),
		"enableProfiling", c.EnableProfiling,
	}
}

func (c *Configuration) LoadArgs(args *model.Args) {
	c.LogLevel = args.LogLevel
	c.EnableProfiling = args.EnableProfiling

	if args.DryRun {
		c.DryRun = true
	}
}

// Policy returns the parameter failure policy, defaulting to abort.
func (c *Configuration) Policy() model.ParameterPolicy {
	if c.ParameterFailurePolicy == "" {
		return model.ParameterPolicyAbort
	}

	policy, err := model.ParsePolicy(c.ParameterFailurePolicy)
	if err != nil {
		return model.ParameterPolicyAbort
	}

	return policy
}

// Load the application configuration.
// Reads in the configFile when available and overrides from environment variables.
func Load(args *model.Args) (*Configuration, error) {
	viperConfig := viper.New()
	viperConfig.SetConfigType("yaml")
	viperConfig.SetEnvPrefix(model.AppName)
	viperConfig.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viperConfig.AutomaticEnv()

	if args.ConfigFile != "" {
		fh, err := os.Open(args.ConfigFile)
		if err != nil {
			return nil, errors.Wrap(model.ErrConfig, err.Error())
		}

		if err = viperConfig.ReadConfig(fh); err != nil {
			return nil, errors.Wrap(model.ErrConfig, "ReadConfig error: "+err.Error())
		}
	}

	config := New()
	config.LoadArgs(args)

	if err := config.envBindVars(viperConfig); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
	}

	if err := viperConfig.Unmarshal(config); err != nil {
		return nil, errors.Wrap(model.ErrConfig, "Unmarshal error: "+err.Error())
	}

	config.envVarOverrides(viperConfig)

	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Configuration) envVarOverrides(viperConfig *viper.Viper) {
	if logLevel := viperConfig.GetString("log.level"); logLevel != "" {
		c.LogLevel = logLevel
	}

	if file := viperConfig.GetString("secrets.admin.password.file"); file != "" {
		c.Secrets.AdminPasswordFile = file
	}

	if file := viperConfig.GetString("secrets.kemp.id.file"); file != "" {
		c.Secrets.KempIDFile = file
	}

	if file := viperConfig.GetString("secrets.kemp.password.file"); file != "" {
		c.Secrets.KempPasswordFile = file
	}
}

// envBindVars binds environment variables to the struct
// without a configuration file being unmarshalled,
// this is a workaround for a viper bug,
//
// This can be replaced by the solution in https://github.com/spf13/viper/pull/1429
// once that PR is merged.
func (c *Configuration) envBindVars(viperConfig *viper.Viper) error {
	envKeysMap := map[string]interface{}{}
	if err := mapstructure.Decode(c, &envKeysMap); err != nil {
		return err
	}

	// Flatten nested conf map
	flat, err := flatten.Flatten(envKeysMap, "", flatten.DotStyle)
	if err != nil {
		return errors.Wrap(err, "Unable to flatten configuration")
	}

	for k := range flat {
		if err := viperConfig.BindEnv(k); err != nil {
			return errors.Wrap(model.ErrConfig, "env var bind error: "+err.Error())
		}
	}

	return nil
}

func (c *Configuration) validate() error {
	if len(c.Appliances) == 0 {
		return errors.Wrap(model.ErrConfig, "no appliances in inventory")
	}

	if c.ParameterFailurePolicy != "" {
		if _, err := model.ParsePolicy(c.ParameterFailurePolicy); err != nil {
			return err
		}
	}

	if c.Client.QueryRetries < 0 {
		return errors.Wrap(model.ErrConfig, "client query_retries must not be negative")
	}

	for i := range c.Appliances {
		appliance := &c.Appliances[i]

		appliance.ID = uuid.New()

		if appliance.Port == 0 {
			appliance.Port = defaultManagementPort
		}
	}

	return nil
}
