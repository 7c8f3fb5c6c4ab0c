package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the reconciliation and repair knobs that operators tune
// without redeploying: staleness thresholds and per-category repair limits.
type BillingConfig struct {
	// StaleHoldAge is how old a held reservation must be before the
	// reconciliation loop considers releasing it.
	StaleHoldAge time.Duration `mapstructure:"staleHoldAge"`
	// PSPLookback bounds the list_payments window of the PSP comparison pass.
	PSPLookback time.Duration `mapstructure:"pspLookback"`
	// MaxRepairsPerCategory bounds repairs applied in a single run.
	MaxRepairsPerCategory int `mapstructure:"maxRepairsPerCategory"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		StaleHoldAge:          time.Hour,
		PSPLookback:           72 * time.Hour,
		MaxRepairsPerCategory: 100,
	}
}

// BillingConfigHolder serves the current BillingConfig and hot-reloads it when
// billing.yml changes on disk.
type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/pixelforge/config")
	v.AddConfigPath("/etc/pixelforge")
	v.AddConfigPath(".")

	v.SetEnvPrefix("PIXELFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		defaults := DefaultBillingConfig()
		v.SetDefault("billing.staleHoldAge", defaults.StaleHoldAge)
		v.SetDefault("billing.pspLookback", defaults.PSPLookback)
		v.SetDefault("billing.maxRepairsPerCategory", defaults.MaxRepairsPerCategory)
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	return h.current.Load().(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.StaleHoldAge <= 0 {
		return errors.New("billing.staleHoldAge must be positive")
	}
	if cfg.PSPLookback <= 0 {
		return errors.New("billing.pspLookback must be positive")
	}
	if cfg.MaxRepairsPerCategory <= 0 {
		return errors.New("billing.maxRepairsPerCategory must be positive")
	}
	return nil
}
