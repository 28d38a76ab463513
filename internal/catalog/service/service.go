package service

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/gosimple/slug"
	catalogdomain "github.com/smallbiznis/meterledger/internal/catalog/domain"
	"github.com/smallbiznis/meterledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const maxPackageSuggestions = 3

type Params struct {
	fx.In

	Holder *config.PricingCatalogHolder
	Log    *zap.Logger
}

type Service struct {
	holder *config.PricingCatalogHolder
	log    *zap.Logger
}

func NewService(p Params) catalogdomain.Service {
	return &Service{
		holder: p.Holder,
		log:    p.Log.Named("catalog.service"),
	}
}

// NormalizeKey maps free-form plan and package names onto catalog keys.
func NormalizeKey(key string) string {
	return slug.Make(strings.TrimSpace(key))
}

func (s *Service) Version() string {
	return s.holder.Get().Version
}

// Plan resolves key, falling back to the default plan when key is empty.
func (s *Service) Plan(ctx context.Context, key string) (catalogdomain.Plan, error) {
	cat := s.holder.Get()
	key = NormalizeKey(key)
	if key == "" {
		key = cat.DefaultPlan
	}
	entry, ok := cat.Plans[key]
	if !ok {
		return catalogdomain.Plan{}, catalogdomain.ErrPlanNotFound
	}
	return catalogdomain.Plan{
		Key:                    key,
		GrantedSeconds:         entry.GrantedSeconds,
		RolloverCapSeconds:     entry.RolloverCapSeconds,
		DailyBonusSeconds:      entry.DailyBonusSeconds,
		MonthlyBonusCapSeconds: entry.MonthlyBonusCapSeconds,
		ValidityDays:           entry.ValidityDays,
	}, nil
}

func (s *Service) PlanOrDefault(ctx context.Context, key string) catalogdomain.Plan {
	plan, err := s.Plan(ctx, key)
	if err == nil {
		return plan
	}
	s.log.Warn("catalog.plan.unknown", zap.String("plan_key", key), zap.String("catalog_version", s.Version()))
	plan, err = s.Plan(ctx, "")
	if err != nil {
		return catalogdomain.Plan{}
	}
	return plan
}

func (s *Service) Package(ctx context.Context, key string) (catalogdomain.Package, error) {
	cat := s.holder.Get()
	key = NormalizeKey(key)
	entry, ok := cat.Packages[key]
	if !ok {
		return catalogdomain.Package{}, catalogdomain.ErrPackageNotFound
	}
	return toPackage(key, entry), nil
}

// Packages lists every package, smallest grant first.
func (s *Service) Packages(ctx context.Context) []catalogdomain.Package {
	cat := s.holder.Get()
	out := make([]catalogdomain.Package, 0, len(cat.Packages))
	for key, entry := range cat.Packages {
		out = append(out, toPackage(key, entry))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].GrantedSeconds != out[j].GrantedSeconds {
			return out[i].GrantedSeconds < out[j].GrantedSeconds
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Suggest proposes ways to cover shortfall seconds: the smallest packages
// that cover it (or the largest one when none does) and, when nextBonus is
// positive, the upcoming daily bonus.
func (s *Service) Suggest(ctx context.Context, shortfall int64, nextBonus int64, nextBonusAt *time.Time) []catalogdomain.Suggestion {
	packages := s.Packages(ctx)
	out := make([]catalogdomain.Suggestion, 0, maxPackageSuggestions+1)

	for _, pkg := range packages {
		if pkg.GrantedSeconds < shortfall {
			continue
		}
		out = append(out, packageSuggestion(pkg, true))
		if len(out) == maxPackageSuggestions {
			break
		}
	}
	if len(out) == 0 && len(packages) > 0 {
		out = append(out, packageSuggestion(packages[len(packages)-1], false))
	}

	if nextBonus > 0 {
		out = append(out, catalogdomain.Suggestion{
			Kind:         catalogdomain.SuggestionDailyBonus,
			Seconds:      nextBonus,
			CoversNeeded: nextBonus >= shortfall,
			AvailableAt:  nextBonusAt,
		})
	}
	return out
}

func packageSuggestion(pkg catalogdomain.Package, covers bool) catalogdomain.Suggestion {
	return catalogdomain.Suggestion{
		Kind:         catalogdomain.SuggestionPackage,
		Key:          pkg.Key,
		Label:        pkg.Label,
		Seconds:      pkg.GrantedSeconds,
		CoversNeeded: covers,
	}
}

func toPackage(key string, entry config.PackageEntry) catalogdomain.Package {
	return catalogdomain.Package{
		Key:            key,
		Label:          entry.Label,
		GrantedSeconds: entry.GrantedSeconds,
		ValidityDays:   entry.ValidityDays,
	}
}
