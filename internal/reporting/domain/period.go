package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	PeriodDay   = "day"
	PeriodWeek  = "week"
	PeriodMonth = "month"
	PeriodDays  = "days"
)

// ParsePeriod accepts "day", "week", "month" or a day count from a days=N
// query parameter. An empty period means month.
func ParsePeriod(name, days string) (Period, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	days = strings.TrimSpace(days)

	if days != "" {
		n, err := strconv.Atoi(days)
		if err != nil || n < 1 || n > MaxUsageDays {
			return Period{}, ErrInvalidPeriod
		}
		return Period{Name: PeriodDays, Days: n}, nil
	}

	switch name {
	case "":
		return Period{Name: PeriodMonth}, nil
	case PeriodDay, PeriodWeek, PeriodMonth:
		return Period{Name: name}, nil
	default:
		return Period{}, ErrInvalidPeriod
	}
}

// Window returns the half-open UTC range [from, to) the period covers at now.
// Weeks and day counts end with today; a month is the calendar month.
func (p Period) Window(now time.Time) (time.Time, time.Time, error) {
	now = now.UTC()
	y, m, d := now.Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	to := today.AddDate(0, 0, 1)

	switch p.Name {
	case PeriodDay:
		return today, to, nil
	case PeriodWeek:
		return today.AddDate(0, 0, -6), to, nil
	case PeriodMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC), to, nil
	case PeriodDays:
		if p.Days < 1 || p.Days > MaxUsageDays {
			return time.Time{}, time.Time{}, ErrInvalidPeriod
		}
		return today.AddDate(0, 0, -(p.Days - 1)), to, nil
	default:
		return time.Time{}, time.Time{}, ErrInvalidPeriod
	}
}

func (p Period) String() string {
	if p.Name == PeriodDays {
		return strconv.Itoa(p.Days) + "d"
	}
	return p.Name
}
