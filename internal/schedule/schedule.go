package schedule

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Type 表示计划的触发方式。
type Type string

const (
	TypeOnce      Type = "once"
	TypeRecurring Type = "recurring"
)

// Frequency 表示重复计划的频率档位。
type Frequency string

const (
	FrequencyMinutely Frequency = "minutely"
	FrequencyHourly   Frequency = "hourly"
	FrequencyDaily    Frequency = "daily"
	FrequencyWeekly   Frequency = "weekly"
	FrequencyMonthly  Frequency = "monthly"
)

// Schedule 是附着在意图上的重复描述符。创建后只有调度循环推进
// NextExecution，或通过显式 Stop 置为不活跃。
type Schedule struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Frequency     Frequency `json:"frequency,omitempty"`
	Interval      int       `json:"interval,omitempty"`
	NextExecution time.Time `json:"next_execution,omitempty"`
	IsActive      bool      `json:"is_active"`
}

// everyPattern 匹配 "every N <unit>" 形式的泛化表达。
var everyPattern = regexp.MustCompile(`every\s+(\d+)\s+(minute|hour|day|week|month)s?`)

// Parse 从自由文本描述中解析重复计划。匹配按优先级短路：
// 先匹配固定短语，再尝试 "every N <unit>" 泛化模式；都不命中则为一次性计划。
func Parse(description string) Schedule {
	text := strings.ToLower(description)

	switch {
	case strings.Contains(text, "every minute") || strings.Contains(text, "per minute"):
		return recurring(FrequencyMinutely, 1)
	case strings.Contains(text, "daily") || strings.Contains(text, "every day"):
		return recurring(FrequencyDaily, 1)
	case strings.Contains(text, "weekly") || strings.Contains(text, "every week"):
		return recurring(FrequencyWeekly, 1)
	case strings.Contains(text, "hourly") || strings.Contains(text, "every hour"):
		return recurring(FrequencyHourly, 1)
	case strings.Contains(text, "monthly") || strings.Contains(text, "every month"):
		return recurring(FrequencyMonthly, 1)
	}

	if match := everyPattern.FindStringSubmatch(text); match != nil {
		interval, err := strconv.Atoi(match[1])
		if err == nil && interval > 0 {
			switch match[2] {
			case "minute":
				return recurring(FrequencyMinutely, interval)
			case "hour":
				return recurring(FrequencyHourly, interval)
			case "day":
				return recurring(FrequencyDaily, interval)
			case "week":
				return recurring(FrequencyWeekly, interval)
			case "month":
				return recurring(FrequencyMonthly, interval)
			}
		}
	}

	return Schedule{Type: TypeOnce, IsActive: false}
}

func recurring(freq Frequency, interval int) Schedule {
	return Schedule{
		Type:      TypeRecurring,
		Frequency: freq,
		Interval:  interval,
		IsActive:  true,
	}
}

// NextExecution 计算下一次触发时刻。分钟/小时/天/周档位按固定毫秒
// 倍数叠加；月档位按日历推进，日期在目标月有效时保持不变。
func NextExecution(freq Frequency, interval int, from time.Time) time.Time {
	if interval <= 0 {
		interval = 1
	}
	switch freq {
	case FrequencyMinutely:
		return from.Add(time.Duration(interval) * time.Minute)
	case FrequencyHourly:
		return from.Add(time.Duration(interval) * time.Hour)
	case FrequencyDaily:
		return from.Add(time.Duration(interval) * 24 * time.Hour)
	case FrequencyWeekly:
		return from.Add(time.Duration(interval) * 7 * 24 * time.Hour)
	case FrequencyMonthly:
		return from.AddDate(0, interval, 0)
	default:
		return from
	}
}

// IsValidFrequency 检查频率是否为支持的枚举值。
func IsValidFrequency(freq Frequency) bool {
	switch freq {
	case FrequencyMinutely, FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
		return true
	default:
		return false
	}
}

func cloneSchedule(s *Schedule) *Schedule {
	clone := *s
	return &clone
}
