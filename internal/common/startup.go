package common

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	commonconfig "github.com/i-dream-of-ai/aegra/internal/common/config"
)

const baseConfigFileName = "config"

// EnvPrefix is the prefix of environment variables overriding config keys,
// e.g. BACKTEST_QUEUE_CONCURRENCY overrides queue.concurrency.
const EnvPrefix = "BACKTEST"

// LoadConfig reads the base config from defaultPath, merges any user
// specified files on top and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, overrideConfigs []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(baseConfigFileName)
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Errorf("Error reading base config path=%s name=%s: %v", defaultPath, baseConfigFileName, err)
			os.Exit(-1)
		}
		log.Warnf("No base config found in %s, relying on defaults and overrides", defaultPath)
	}
	log.Infof("Read base config from %s", v.ConfigFileUsed())

	for _, overrideConfig := range overrideConfigs {
		v.SetConfigFile(overrideConfig)
		err := v.MergeInConfig()
		if err != nil {
			log.Errorf("Error reading config from %s: %v", overrideConfig, err)
			os.Exit(-1)
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, commonconfig.CustomHooks...); err != nil {
		log.Error(err)
		os.Exit(-1)
	}

	return v
}

// BindCommandlineArguments makes flags parsed by pflag (and cobra, which
// registers on the same set) visible through the global viper instance.
func BindCommandlineArguments() {
	err := viper.BindPFlags(pflag.CommandLine)
	if err != nil {
		log.Error(err)
		os.Exit(-1)
	}
}

func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// SetLogLevel applies a logrus level name, keeping the current level when
// the name is empty or unknown.
func SetLogLevel(level string) {
	if level == "" {
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("Unknown log level %q, keeping %s", level, log.GetLevel())
		return
	}
	log.SetLevel(parsed)
}

func ServeMetrics(port uint16) (shutdown func()) {
	return ServeMetricsFor(port, http.NewServeMux())
}

func ServeMetricsFor(port uint16, mux *http.ServeMux) (shutdown func()) {
	mux.Handle("/metrics", promhttp.Handler())
	return ServeHttp(port, mux)
}

func ServeHttp(port uint16, handler http.Handler) (shutdown func()) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: handler}

	go func() {
		log.Printf("Starting http server listening on %d", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatalf("http server on port %d failed", port)
		}
	}()

	return func() {
		log.Printf("Stopping http server listening on %d", port)
		if err := srv.Close(); err != nil {
			log.WithError(err).Error("failed to stop http server")
		}
	}
}
