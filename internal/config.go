// Copyright © 2026 Genome Research Limited
//
//  This file is part of jobdriver.
//
//  jobdriver is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  jobdriver is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with jobdriver. If not, see <http://www.gnu.org/licenses/>.

package internal

// this file implements the config system used by the cmd package

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/creasty/defaults"
	"github.com/inconshreveable/log15"
	"github.com/jinzhu/configor"
	"github.com/olekukonko/tablewriter"
)

const (
	configCommonBasename = ".jobdriver_config.yml"
	configEnvPrefix      = "JOBDRIVER"
	configDirEnvVar      = configEnvPrefix + "_CONFIG_DIR"
	deploymentEnvVar     = configEnvPrefix + "_DEPLOYMENT"

	// Production is the name of the main deployment
	Production = "production"

	// Development is the name of the development deployment, used during testing
	Development = "development"

	// ConfigSourceEnvVar is a config value source
	ConfigSourceEnvVar = "env var"

	// ConfigSourceDefault is a config value source
	ConfigSourceDefault = "default"

	sourcesProperty = "sources"
	optionsProperty = "Options"
)

// Config holds the configuration options for the jobdriver command line
// tools. Options are the driver options (like LSF_SERVER) passed to the
// driver when it is created.
type Config struct {
	Driver       string `default:"local"`
	MaxSubmit    int    `default:"2"`
	PollInterval int    `default:"10"`
	LogLevel     string `default:"warn"`
	ManagerDir   string `default:"~/.jobdriver"`
	RegistryFile string `default:"jobs.db"`
	Deployment   string `default:"production"`
	Options      map[string]string
	sources      map[string]string
}

// merge compares existing to new Config values, and for each one that has
// changed, sets the given source on the changed property in our sources,
// and sets the new value on ourselves. Options are merged key by key, with
// each key's source stored as "Options.<key>".
func (c *Config) merge(new *Config, source string) {
	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	vNew := reflect.ValueOf(*new)

	if c.sources == nil {
		c.sources = make(map[string]string)
	}

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		if property == optionsProperty {
			c.mergeOptions(new.Options, source)

			continue
		}

		if vNew.Field(i).Interface() != v.Field(i).Interface() {
			c.sources[property] = source

			adrField := reflect.ValueOf(c).Elem().Field(i)
			switch typeOfC.Field(i).Type.Kind() {
			case reflect.String:
				adrField.SetString(vNew.Field(i).String())
			case reflect.Int:
				adrField.SetInt(vNew.Field(i).Int())
			case reflect.Bool:
				adrField.SetBool(vNew.Field(i).Bool())
			}
		}
	}
}

func (c *Config) mergeOptions(new map[string]string, source string) {
	for key, val := range new {
		if current, set := c.Options[key]; set && current == val {
			continue
		}

		if c.Options == nil {
			c.Options = make(map[string]string)
		}

		c.Options[key] = val
		c.sources[optionsProperty+"."+key] = source
	}
}

// clone makes a new Config with our values.
func (c *Config) clone() *Config {
	new := &Config{}

	v := reflect.ValueOf(*c)
	typeOfC := v.Type()
	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty || property == optionsProperty {
			continue
		}

		adrField := reflect.ValueOf(new).Elem().Field(i)
		switch typeOfC.Field(i).Type.Kind() {
		case reflect.String:
			adrField.SetString(v.Field(i).String())
		case reflect.Int:
			adrField.SetInt(v.Field(i).Int())
		case reflect.Bool:
			adrField.SetBool(v.Field(i).Bool())
		}
	}

	if c.Options != nil {
		new.Options = make(map[string]string, len(c.Options))
		for key, val := range c.Options {
			new.Options[key] = val
		}
	}

	new.sources = make(map[string]string)
	for key, val := range c.sources {
		new.sources[key] = val
	}

	return new
}

// Source returns where the value of a Config field was defined. For driver
// options, ask for "Options.<key>".
func (c Config) Source(field string) string {
	if c.sources == nil {
		return ConfigSourceDefault
	}
	source, set := c.sources[field]
	if !set {
		return ConfigSourceDefault
	}
	return source
}

func (c Config) String() string {
	v := reflect.ValueOf(c)
	typeOfC := v.Type()

	tableString := &strings.Builder{}
	table := tablewriter.NewWriter(tableString)
	table.SetHeader([]string{"Config", "Value", "Source"})
	table.SetAlignment(tablewriter.ALIGN_LEFT)

	for i := 0; i < v.NumField(); i++ {
		property := typeOfC.Field(i).Name
		if property == sourcesProperty {
			continue
		}

		if property == optionsProperty {
			keys := make([]string, 0, len(c.Options))
			for key := range c.Options {
				keys = append(keys, key)
			}
			sort.Strings(keys)

			for _, key := range keys {
				field := optionsProperty + "." + key
				table.Append([]string{field, c.Options[key], c.Source(field)})
			}

			continue
		}

		table.Append([]string{property, fmt.Sprintf("%v", v.Field(i).Interface()), c.Source(property)})
	}

	table.Render()
	return tableString.String()
}

// RegistryPath returns the absolute path of the job registry database.
func (c Config) RegistryPath() string {
	if filepath.IsAbs(c.RegistryFile) {
		return c.RegistryFile
	}
	return filepath.Join(c.ManagerDir, c.RegistryFile)
}

/*
ConfigLoad loads configuration settings from files and environment
variables. Note, this function exits on error, since without config we can't
do anything.

We prefer settings in config file in current dir over config file in home
directory over config file in dir pointed to by JOBDRIVER_CONFIG_DIR.

The deployment argument determines if we read .jobdriver_config.production.yml
or .jobdriver_config.development.yml; we always read .jobdriver_config.yml. If
the empty string is supplied, deployment is taken from the environment variable
JOBDRIVER_DEPLOYMENT, and if that's not set it defaults to production.

Multiple of these files can be used to have settings that are common to
multiple users and deployments, and settings specific to users or deployments.
Driver options go under an "options" map in the files, eg.

    driver: lsf
    options:
      LSF_SERVER: LOCAL
      LSF_QUEUE: normal

Settings found in no file can be set with the environment variable
JOBDRIVER_<setting name in caps>, eg.
export JOBDRIVER_DRIVER="slurm"
*/
func ConfigLoad(deployment string, logger log15.Logger) Config {
	config, err := configLoad(deployment)
	if err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}

	return config
}

// configLoad does the work of ConfigLoad, returning errors instead of
// exiting.
func configLoad(deployment string) (Config, error) {
	pwd, err := os.Getwd()
	if err != nil {
		return Config{}, err
	}

	if deployment != Development && deployment != Production {
		deployment = DefaultDeployment()
	}

	// we don't os.Setenv("CONFIGOR_ENV", deployment) to stop configor loading
	// files we before we want it to
	if err = os.Setenv("CONFIGOR_ENV_PREFIX", configEnvPrefix); err != nil {
		return Config{}, err
	}

	// because we want to know the source of every value, we can't take
	// advantage of configor.Load() being able to take all env vars and config
	// files at once. We do it repeatedly and merge results instead
	config := &Config{}
	if err = defaults.Set(config); err != nil {
		return Config{}, err
	}

	configEnv := &Config{}
	if err = configor.Load(configEnv); err != nil {
		return Config{}, err
	}
	config.merge(configEnv, ConfigSourceEnvVar)

	// read each config file and merge results
	configDeploymentBasename := ".jobdriver_config." + deployment + ".yml"

	var dirs []string
	if configDir := os.Getenv(configDirEnvVar); configDir != "" {
		dirs = append(dirs, configDir)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return Config{}, fmt.Errorf("could not find home dir: %w", err)
	}
	dirs = append(dirs, home, pwd)

	for _, dir := range dirs {
		for _, basename := range []string{configCommonBasename, configDeploymentBasename} {
			if err = configLoadFromFile(config, filepath.Join(dir, basename)); err != nil {
				return Config{}, err
			}
		}
	}

	// adjust properties as needed
	config.Deployment = deployment
	config.ManagerDir = TildaToHome(config.ManagerDir) + "_" + deployment

	return *config, nil
}

func configLoadFromFile(config *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}

	configFile := config.clone()
	if err := configor.Load(configFile, path); err != nil {
		return fmt.Errorf("could not load config file %s: %w", path, err)
	}
	config.merge(configFile, path)

	return nil
}

// IsProduction tells you if we're in the production deployment.
func (c Config) IsProduction() bool {
	return c.Deployment == Production
}

// IsDevelopment tells you if we're in the development deployment.
func (c Config) IsDevelopment() bool {
	return c.Deployment == Development
}

// DefaultDeployment works out the default deployment: production unless
// JOBDRIVER_DEPLOYMENT says development.
func DefaultDeployment() string {
	if os.Getenv(deploymentEnvVar) == Development {
		return Development
	}
	return Production
}
