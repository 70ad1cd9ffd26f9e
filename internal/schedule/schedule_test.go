package schedule

import (
	"testing"
	"time"
)

func TestParseFixedPhrases(t *testing.T) {
	cases := []struct {
		description string
		frequency   Frequency
		interval    int
	}{
		{"swap 10 USDC every minute", FrequencyMinutely, 1},
		{"rebalance per minute", FrequencyMinutely, 1},
		{"send 5 USDC daily to the vault", FrequencyDaily, 1},
		{"top up gas every day", FrequencyDaily, 1},
		{"weekly DCA into ETH", FrequencyWeekly, 1},
		{"claim rewards every week", FrequencyWeekly, 1},
		{"compound hourly", FrequencyHourly, 1},
		{"check position every hour", FrequencyHourly, 1},
		{"pay subscription monthly", FrequencyMonthly, 1},
		{"renew every month", FrequencyMonthly, 1},
	}
	for _, tc := range cases {
		t.Run(tc.description, func(t *testing.T) {
			sched := Parse(tc.description)
			if sched.Type != TypeRecurring {
				t.Fatalf("应解析为重复计划，实际 %s", sched.Type)
			}
			if sched.Frequency != tc.frequency || sched.Interval != tc.interval {
				t.Fatalf("解析结果不符: %s/%d，期望 %s/%d",
					sched.Frequency, sched.Interval, tc.frequency, tc.interval)
			}
			if !sched.IsActive {
				t.Fatal("重复计划应默认活跃")
			}
		})
	}
}

func TestParseEveryNPattern(t *testing.T) {
	cases := []struct {
		description string
		frequency   Frequency
		interval    int
	}{
		{"transfer every 3 days", FrequencyDaily, 3},
		{"rebalance every 2 weeks", FrequencyWeekly, 2},
		{"ping every 15 minutes", FrequencyMinutely, 15},
		{"rotate every 6 hours", FrequencyHourly, 6},
		{"review every 2 months", FrequencyMonthly, 2},
	}
	for _, tc := range cases {
		t.Run(tc.description, func(t *testing.T) {
			sched := Parse(tc.description)
			if sched.Type != TypeRecurring {
				t.Fatalf("应解析为重复计划，实际 %s", sched.Type)
			}
			if sched.Frequency != tc.frequency || sched.Interval != tc.interval {
				t.Fatalf("解析结果不符: %s/%d，期望 %s/%d",
					sched.Frequency, sched.Interval, tc.frequency, tc.interval)
			}
		})
	}
}

// 固定短语优先于泛化模式："every day" 命中 daily 短语，不再进入 every N 分支。
func TestParsePriorityOrder(t *testing.T) {
	sched := Parse("send 1 USDC every day")
	if sched.Frequency != FrequencyDaily || sched.Interval != 1 {
		t.Fatalf("固定短语应优先命中: %s/%d", sched.Frequency, sched.Interval)
	}
}

func TestParseOneShot(t *testing.T) {
	sched := Parse("send 10 USDC to the treasury now")
	if sched.Type != TypeOnce {
		t.Fatalf("无周期表达应解析为一次性计划，实际 %s", sched.Type)
	}
	if sched.IsActive {
		t.Fatal("一次性计划不应进入活跃状态")
	}
}

func TestNextExecutionEveryThreeDays(t *testing.T) {
	now := time.Now()
	sched := Parse("transfer every 3 days")
	next := NextExecution(sched.Frequency, sched.Interval, now)

	want := now.Add(3 * 24 * time.Hour)
	if diff := next.Sub(want); diff > time.Second || diff < -time.Second {
		t.Fatalf("下次触发时刻偏差过大: %v", diff)
	}
}

func TestNextExecutionMonthlyCalendar(t *testing.T) {
	from := time.Date(2026, time.January, 15, 10, 0, 0, 0, time.UTC)
	next := NextExecution(FrequencyMonthly, 1, from)
	want := time.Date(2026, time.February, 15, 10, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("月度计划应按日历推进: %v != %v", next, want)
	}
}

func TestNextExecutionDefaultsInterval(t *testing.T) {
	now := time.Now()
	next := NextExecution(FrequencyHourly, 0, now)
	if !next.Equal(now.Add(time.Hour)) {
		t.Fatalf("interval<=0 应按 1 处理: %v", next)
	}
}
