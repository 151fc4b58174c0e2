package campaign

import (
	"testing"
	"time"
)

func businessHours() AllowedWindow {
	return AllowedWindow{StartHour: 9, EndHour: 20}
}

func TestWindow_InWindowUnchanged(t *testing.T) {
	w := businessHours()
	at := time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	if got := w.Next(at); !got.Equal(at) {
		t.Fatalf("in-window time must be unchanged, got %v", got)
	}
}

func TestWindow_LateEveningShiftsToNextMorning(t *testing.T) {
	// 23:58 against 09:00-20:00 must land on the next day's 09:00.
	w := businessHours()
	at := time.Date(2025, 3, 10, 23, 58, 0, 0, time.UTC)
	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if got := w.Next(at); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestWindow_EarlyMorningShiftsToSameDayStart(t *testing.T) {
	w := businessHours()
	at := time.Date(2025, 3, 10, 6, 15, 0, 0, time.UTC)
	want := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	if got := w.Next(at); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestWindow_EndBoundaryIsExclusive(t *testing.T) {
	w := businessHours()
	at := time.Date(2025, 3, 10, 20, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 11, 9, 0, 0, 0, time.UTC)
	if got := w.Next(at); !got.Equal(want) {
		t.Fatalf("send at end boundary must roll over, got %v", got)
	}
}

func TestWindow_SkipsDisallowedDays(t *testing.T) {
	w := AllowedWindow{
		StartHour: 9, EndHour: 17,
		Days: []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday},
	}
	// Friday 18:00 -> Monday 09:00.
	at := time.Date(2025, 3, 14, 18, 0, 0, 0, time.UTC)
	want := time.Date(2025, 3, 17, 9, 0, 0, 0, time.UTC)
	if got := w.Next(at); !got.Equal(want) {
		t.Fatalf("expected Monday open, got %v", got)
	}
}

func TestWindow_TimezoneRespected(t *testing.T) {
	w := AllowedWindow{StartHour: 9, EndHour: 20, Timezone: "America/Chicago"}
	chi, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	// 03:00 UTC is evening in Chicago; must shift to 09:00 Chicago time.
	at := time.Date(2025, 6, 10, 3, 0, 0, 0, time.UTC)
	got := w.Next(at).In(chi)
	if got.Hour() != 9 || got.Minute() != 0 {
		t.Fatalf("expected 09:00 Chicago, got %v", got)
	}
	if !w.Contains(got) {
		t.Fatalf("result must fall inside the window")
	}
}

func TestWindow_Validate(t *testing.T) {
	bad := AllowedWindow{StartHour: 20, EndHour: 9}
	if err := bad.Validate(); err == nil {
		t.Fatalf("inverted window must fail validation")
	}
	if err := businessHours().Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}

func TestSchedule_ValidateSequenceOrders(t *testing.T) {
	s := Schedule{
		ID: "s1", CampaignID: "c1", Channel: "email",
		Steps: []Step{
			{SequenceOrder: 1, TemplateID: "t1"},
			{SequenceOrder: 1, TemplateID: "t2"},
		},
	}
	if err := s.Validate(); err == nil {
		t.Fatalf("duplicate sequence orders must fail")
	}
	s.Steps[1].SequenceOrder = 2
	if err := s.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
}
