package app

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/autopeer-io/fleetsync/pkg/log"
)

const configFlagName = "config"

var cfgFile string

// addConfigFlag adds --config to fs and arranges for viper to read it, or
// $HOME/.<name>/<name>.yaml and ./<name>.yaml when unset. Every option can
// also be set from the environment as <NAME>_<GROUP>_<OPTION>.
func addConfigFlag(basename string, fs *pflag.FlagSet) {
	fs.StringVarP(&cfgFile, configFlagName, "c", cfgFile, "Read configuration from specified `FILE`, support JSON, TOML, YAML, HCL, or Java properties formats.")

	viper.AutomaticEnv()
	viper.SetEnvPrefix(strings.ReplaceAll(strings.ToUpper(basename), "-", "_"))
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	cobra.OnInitialize(func() {
		if cfgFile != "" {
			viper.SetConfigFile(cfgFile)
		} else {
			viper.AddConfigPath(".")
			if home, err := os.UserHomeDir(); err == nil {
				viper.AddConfigPath(filepath.Join(home, "."+basename))
			}
			viper.SetConfigName(basename)
		}

		if err := viper.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if cfgFile != "" || !errors.As(err, &notFound) {
				log.Warn("Failed to read configuration file", "file", cfgFile, "error", err)
			}
		}
	})
}

// watchConfig logs edits to the config file. Options are read once at start,
// so changes take effect on restart.
func watchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		log.Info("Config file changed, restart to apply", "name", e.Name, "op", e.Op.String())
	})
	viper.WatchConfig()
}

func formatBaseName(basename string) string {
	return strings.ToLower(filepath.Base(basename))
}
