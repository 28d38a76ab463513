package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// PricingCatalog is the versioned plan and package table the ledger reads
// grant amounts and caps from. It is owned by the pricing team; the ledger
// never writes it.
type PricingCatalog struct {
	Version     string                  `mapstructure:"version"`
	DefaultPlan string                  `mapstructure:"defaultPlan"`
	Plans       map[string]PlanEntry    `mapstructure:"plans"`
	Packages    map[string]PackageEntry `mapstructure:"packages"`
}

type PlanEntry struct {
	GrantedSeconds         int64 `mapstructure:"grantedSeconds"`
	RolloverCapSeconds     int64 `mapstructure:"rolloverCapSeconds"`
	DailyBonusSeconds      int64 `mapstructure:"dailyBonusSeconds"`
	MonthlyBonusCapSeconds int64 `mapstructure:"monthlyBonusCapSeconds"`
	ValidityDays           int   `mapstructure:"validityDays"`
}

type PackageEntry struct {
	GrantedSeconds int64  `mapstructure:"grantedSeconds"`
	ValidityDays   int    `mapstructure:"validityDays"`
	Label          string `mapstructure:"label"`
}

func DefaultPricingCatalog() PricingCatalog {
	return PricingCatalog{
		Version:     "builtin-1",
		DefaultPlan: "free",
		Plans: map[string]PlanEntry{
			"free": {
				GrantedSeconds:         0,
				RolloverCapSeconds:     0,
				DailyBonusSeconds:      900,
				MonthlyBonusCapSeconds: 18000,
				ValidityDays:           30,
			},
			"pro": {
				GrantedSeconds:         36000,
				RolloverCapSeconds:     30000,
				DailyBonusSeconds:      900,
				MonthlyBonusCapSeconds: 18000,
				ValidityDays:           30,
			},
		},
		Packages: map[string]PackageEntry{
			"boost-1h":  {GrantedSeconds: 3600, ValidityDays: 90, Label: "1 hour boost"},
			"boost-10h": {GrantedSeconds: 36000, ValidityDays: 180, Label: "10 hour boost"},
		},
	}
}

type PricingCatalogHolder struct {
	current atomic.Value // holds PricingCatalog
}

// NewStaticCatalogHolder returns a holder that never reloads.
func NewStaticCatalogHolder(c PricingCatalog) (*PricingCatalogHolder, error) {
	c = normalizeCatalog(c)
	if err := validatePricingCatalog(c); err != nil {
		return nil, err
	}
	holder := &PricingCatalogHolder{}
	holder.current.Store(c)
	return holder, nil
}

func NewPricingCatalogHolder(cfg Config, log *zap.Logger) (*PricingCatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.catalog")

	v := viper.New()
	if cfg.Ledger.CatalogPath != "" {
		v.SetConfigFile(cfg.Ledger.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/meterledger")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("METERLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fromFile := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read pricing catalog: %w", err)
		}
		fromFile = false
	}

	cfgCatalog := DefaultPricingCatalog()
	if fromFile {
		var loaded PricingCatalog
		if err := v.UnmarshalKey("catalog", &loaded); err != nil {
			return nil, fmt.Errorf("decode pricing catalog: %w", err)
		}
		cfgCatalog = loaded
	}
	cfgCatalog = normalizeCatalog(cfgCatalog)
	if err := validatePricingCatalog(cfgCatalog); err != nil {
		return nil, err
	}

	holder := &PricingCatalogHolder{}
	holder.current.Store(cfgCatalog)
	log.Info("catalog.loaded", zap.String("version", cfgCatalog.Version), zap.Bool("from_file", fromFile))

	if !fromFile {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingCatalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog.reload_failed", zap.Error(err))
			return
		}
		updated = normalizeCatalog(updated)
		if err := validatePricingCatalog(updated); err != nil {
			log.Warn("catalog.invalid_ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("catalog.reloaded", zap.String("file", e.Name), zap.String("version", updated.Version))
	})

	return holder, nil
}

func (h *PricingCatalogHolder) Get() PricingCatalog {
	return h.current.Load().(PricingCatalog)
}

func normalizeCatalog(c PricingCatalog) PricingCatalog {
	c.Version = strings.TrimSpace(c.Version)
	c.DefaultPlan = slug.Make(strings.TrimSpace(c.DefaultPlan))

	plans := make(map[string]PlanEntry, len(c.Plans))
	for key, plan := range c.Plans {
		plans[slug.Make(strings.TrimSpace(key))] = plan
	}
	c.Plans = plans

	packages := make(map[string]PackageEntry, len(c.Packages))
	for key, pkg := range c.Packages {
		packages[slug.Make(strings.TrimSpace(key))] = pkg
	}
	c.Packages = packages
	return c
}

func validatePricingCatalog(c PricingCatalog) error {
	if c.Version == "" {
		return errors.New("catalog.version cannot be empty")
	}
	if len(c.Plans) == 0 {
		return errors.New("catalog.plans cannot be empty")
	}
	if _, ok := c.Plans[c.DefaultPlan]; !ok {
		return fmt.Errorf("catalog.defaultPlan %q is not a known plan", c.DefaultPlan)
	}
	for key, plan := range c.Plans {
		if plan.GrantedSeconds < 0 || plan.RolloverCapSeconds < 0 ||
			plan.DailyBonusSeconds < 0 || plan.MonthlyBonusCapSeconds < 0 {
			return fmt.Errorf("catalog.plans.%s: seconds cannot be negative", key)
		}
		if plan.ValidityDays <= 0 {
			return fmt.Errorf("catalog.plans.%s: validityDays must be positive", key)
		}
	}
	for key, pkg := range c.Packages {
		if pkg.GrantedSeconds <= 0 {
			return fmt.Errorf("catalog.packages.%s: grantedSeconds must be positive", key)
		}
		if pkg.ValidityDays < 0 {
			return fmt.Errorf("catalog.packages.%s: validityDays cannot be negative", key)
		}
	}
	return nil
}
