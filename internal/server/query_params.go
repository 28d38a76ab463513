package server

import (
	"errors"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	balancedomain "github.com/smallbiznis/meterledger/internal/balance/domain"
)

func parseOptionalInt64(value string) (*int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseInt(trimmed, 10, 64)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseSnowflakeID(value string) (snowflake.ID, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || parsed == 0 {
		return 0, errors.New("invalid_snowflake_id")
	}
	return parsed, nil
}

// parseEventTypes reads a comma separated type filter such as
// "consumption,adjustment".
func parseEventTypes(value string) ([]balancedomain.EventType, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	var out []balancedomain.EventType
	for _, part := range strings.Split(trimmed, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := balancedomain.EventType(strings.ToLower(part))
		switch t {
		case balancedomain.EventSubscriptionCredit,
			balancedomain.EventPackageCredit,
			balancedomain.EventDailyBonusCredit,
			balancedomain.EventConsumption,
			balancedomain.EventRolloverCreated,
			balancedomain.EventRolloverDiscarded,
			balancedomain.EventAdjustment:
			out = append(out, t)
		default:
			return nil, errors.New("invalid_event_type")
		}
	}
	return out, nil
}
