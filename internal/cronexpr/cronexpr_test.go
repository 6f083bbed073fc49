package cronexpr

import (
	"testing"
	"time"
)

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := []string{
		"0 0 * * * ?",
		"0 30 * * * ?",
		"*/5 * * * *",
		"0 0 12 * * ? *",
		"@hourly",
		"@every 90s",
		"  15 10 * * 1-5  ",
	}
	for _, expr := range valid {
		if err := Validate(expr); err != nil {
			t.Fatalf("Validate(%q) error: %v", expr, err)
		}
	}

	invalid := []string{"", "   ", "not a cron", "0 0 25 * * ?", "0 0 12 * * ? 2030", "* * *"}
	for _, expr := range invalid {
		if err := Validate(expr); err == nil {
			t.Fatalf("Validate(%q) should fail", expr)
		}
	}
}

func TestNextQuartzHourly(t *testing.T) {
	t.Parallel()

	from := time.Date(2025, 1, 1, 10, 15, 0, 0, time.UTC)
	got, err := Next("0 0 * * * ?", from, 3, nil)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	want := []time.Time{
		time.Date(2025, 1, 1, 11, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2025, 1, 1, 13, 0, 0, 0, time.UTC),
	}
	if len(got) != len(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
	for i := range want {
		if !got[i].Equal(want[i]) {
			t.Fatalf("Next[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestNextHonorsLocation(t *testing.T) {
	t.Parallel()

	loc := time.FixedZone("UTC+7", 7*3600)
	from := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC) // 07:00 local
	got, err := Next("0 8 * * *", from, 1, loc)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if want := time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC); !got[0].Equal(want) {
		t.Fatalf("Next = %v, want %v", got[0], want)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	res := Check("0 30 9 * * ?", time.Now(), 2, time.UTC)
	if !res.Valid || len(res.NextTimes) != 2 || res.Description != "at second=0, minute=30, hour=9" {
		t.Fatalf("Check = %+v", res)
	}
	bad := Check("nope", time.Now(), 2, nil)
	if bad.Valid || bad.Error == "" {
		t.Fatalf("Check(nope) = %+v", bad)
	}
}
