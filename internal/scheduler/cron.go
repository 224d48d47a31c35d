package scheduler

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// BuildSpec renders the merge schedule settings as a five-field cron
// expression: "MM HH * * *" for daily, "MM HH * * d,d" for weekly.
// Days use cron's Sunday=0 convention, same as the merge_days setting.
func BuildSpec(schedule, mergeTime string, days []int) (string, error) {
	hh, mm, ok := strings.Cut(mergeTime, ":")
	if !ok || hh == "" || mm == "" {
		return "", fmt.Errorf("scheduler: merge_time %q is not HH:MM", mergeTime)
	}
	switch schedule {
	case "daily":
		return fmt.Sprintf("%s %s * * *", mm, hh), nil
	case "weekly":
		list, err := dayList(days)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %s * * %s", mm, hh, list), nil
	default:
		return "", fmt.Errorf("scheduler: merge_schedule %q is not daily or weekly", schedule)
	}
}

func dayList(days []int) (string, error) {
	if len(days) == 0 {
		return "", fmt.Errorf("scheduler: weekly schedule needs at least one merge day")
	}
	sorted := make([]int, len(days))
	copy(sorted, days)
	sort.Ints(sorted)
	parts := make([]string, 0, len(sorted))
	seen := make(map[int]bool, len(sorted))
	for _, d := range sorted {
		if d < 0 || d > 6 {
			return "", fmt.Errorf("scheduler: merge day %d out of range 0..6", d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		parts = append(parts, strconv.Itoa(d))
	}
	return strings.Join(parts, ","), nil
}

// Next evaluates a cron expression against now and returns the following
// activation. The location of now decides the wall clock the expression
// refers to.
func Next(expr string, now time.Time) (time.Time, error) {
	sched, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}
	return sched.Next(now), nil
}
