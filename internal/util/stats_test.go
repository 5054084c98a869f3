package util

import "testing"

func TestFormatBytesFixedWidth(t *testing.T) {
	cases := map[float64]string{
		0:          " 0.0   B",
		99:         "99.0   B",
		1536:       " 1.5 KiB",
		100 * 1024: " 0.1 MiB",
		3 << 30:    " 3.0 GiB",
	}
	for in, want := range cases {
		got := formatBytes(in)
		if got != want {
			t.Errorf("formatBytes(%v) = %q, want %q", in, got, want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) = %q, want 8 chars", in, got)
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(0, 1536, 3, 1, 0)
	want := "In:  0.0   B/s | Out:  1.5 KiB/s | Links:  3 ( 1↑  0↓)"
	if got != want {
		t.Errorf("formatStats = %q, want %q", got, want)
	}
}

func TestStatsCounters(t *testing.T) {
	s := &stats{}
	s.AddLink()
	s.AddLink()
	s.RemoveLink()
	s.AddSent(10)
	s.AddRecv(4)
	s.AddRecv(6)

	if s.LinksUp.Load() != 2 || s.LinksDown.Load() != 1 {
		t.Errorf("links = %d/%d, want 2/1", s.LinksUp.Load(), s.LinksDown.Load())
	}
	if s.MsgsSent.Load() != 1 || s.BytesSent.Load() != 10 {
		t.Errorf("sent = %d msgs / %d bytes", s.MsgsSent.Load(), s.BytesSent.Load())
	}
	if s.MsgsRecv.Load() != 2 || s.BytesRecv.Load() != 10 {
		t.Errorf("recv = %d msgs / %d bytes", s.MsgsRecv.Load(), s.BytesRecv.Load())
	}
}
