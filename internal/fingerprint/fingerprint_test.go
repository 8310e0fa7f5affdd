package fingerprint

import (
	"testing"
	"time"
)

func TestComputeDeterministic(t *testing.T) {
	d := Descriptor{
		Name:         "report.pdf",
		SizeBytes:    2048,
		LastModified: time.UnixMilli(1700000000000),
		MimeType:     "application/pdf",
	}
	first := Compute(d)
	if first == "" {
		t.Fatal("expected non-empty fingerprint")
	}
	for i := 0; i < 5; i++ {
		if got := Compute(d); got != first {
			t.Fatalf("fingerprint not stable: %s vs %s", got, first)
		}
	}
}

func TestComputeSensitivity(t *testing.T) {
	base := Descriptor{
		Name:         "report.pdf",
		SizeBytes:    2048,
		LastModified: time.UnixMilli(1700000000000),
		MimeType:     "application/pdf",
	}
	variants := []Descriptor{
		{Name: "other.pdf", SizeBytes: base.SizeBytes, LastModified: base.LastModified, MimeType: base.MimeType},
		{Name: base.Name, SizeBytes: 2049, LastModified: base.LastModified, MimeType: base.MimeType},
		{Name: base.Name, SizeBytes: base.SizeBytes, LastModified: base.LastModified.Add(time.Second), MimeType: base.MimeType},
		{Name: base.Name, SizeBytes: base.SizeBytes, LastModified: base.LastModified, MimeType: "text/plain"},
	}
	want := Compute(base)
	for i, v := range variants {
		if Compute(v) == want {
			t.Errorf("variant %d unexpectedly collided with base", i)
		}
	}
}
