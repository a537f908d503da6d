package config

import (
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"reprun.io/reprun/pkg/log"
)

// Parse loads configuration in ascending priority:
//
//	defaults < config file < environment < command line flags
//
// Flags are the source of truth for what can be configured: for a registered
// flag "mysql-addr" the file key "mysql.addr" and the environment variable
// "MYSQL_ADDR" are consulted before explicit flags override both.
func Parse(fs *pflag.FlagSet) error {
	LoadConfigFile(fs)
	LoadEnv(fs)
	if err := fs.Parse(os.Args); err != nil {
		return err
	}
	Print(fs)
	return nil
}

func Print(fs *pflag.FlagSet) {
	fs.VisitAll(func(flag *pflag.Flag) {
		if flag.Changed {
			log.Infof("config from flag: --%s=%s", flag.Name, flag.Value)
		}
	})
}

func LoadEnv(fs *pflag.FlagSet) {
	flagNameToEnvKey := func(fname string) string {
		return strings.ToUpper(strings.ReplaceAll(fname, "-", "_"))
	}
	fs.VisitAll(func(f *pflag.Flag) {
		envname := flagNameToEnvKey(f.Name)
		val, ok := os.LookupEnv(envname)
		if ok {
			log.Infof("config from env: %s=%s", envname, val)
			_ = f.Value.Set(val)
		}
	})
}

func LoadConfigFile(fs *pflag.FlagSet) {
	flagNameToConfigKey := func(fname string) string {
		return strings.ToLower(strings.ReplaceAll(fname, "-", "."))
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("config")
	if err := v.ReadInConfig(); err != nil {
		log.Warnf("no config file found")
	}

	fs.VisitAll(func(f *pflag.Flag) {
		filekeyname := flagNameToConfigKey(f.Name)
		val := v.GetString(filekeyname)
		if val != "" {
			log.Infof("config from file: %s=%s", filekeyname, val)
			_ = f.Value.Set(val)
		}
	})
}
