package rollingwindow

import "testing"

func TestWindowAggregation(t *testing.T) {
	w := New(18_000_000, 300_000)
	const t0 = int64(1_700_000_000_000)

	w.Add(t0, 100)
	w.Add(t0+120_000, 50)

	if got := w.Total(t0 + 120_000); got != 150 {
		t.Fatalf("total = %d, want 150", got)
	}

	w.Add(t0+17_999_000, 25)
	if got := w.Total(t0 + 18_000_001); got != 25 {
		t.Fatalf("total after expiry = %d, want 25", got)
	}
}

func TestAddMergesSameBucket(t *testing.T) {
	w := New(18_000_000, 300_000)
	const t0 = int64(1_700_000_000_000)

	w.Add(t0, 10)
	w.Add(t0+1000, 5) // same bucket (bucket size 300_000ms)

	if got := w.Total(t0 + 1000); got != 15 {
		t.Fatalf("total = %d, want 15", got)
	}
	if len(w.buckets) != 1 {
		t.Fatalf("buckets = %d, want 1", len(w.buckets))
	}
}

func TestExpiryIsInclusiveAtBoundary(t *testing.T) {
	w := New(1000, 100)
	w.Add(0, 10)

	// bucketStart(0) = 0; W=1000; at now=1000, cutoff = now - W = 0.
	// bucketStartMillis (0) <= cutoff (0) => expired.
	if got := w.Total(1000); got != 0 {
		t.Fatalf("total at exact boundary = %d, want 0 (inclusive expiry)", got)
	}
}

func TestAddIgnoresNonPositive(t *testing.T) {
	w := New(18_000_000, 300_000)
	w.Add(0, 0)
	w.Add(0, -5)
	if got := w.Total(0); got != 0 {
		t.Fatalf("total = %d, want 0", got)
	}
}

func TestSerializeRoundtrip(t *testing.T) {
	w := New(18_000_000, 300_000)
	const t0 = int64(1_700_000_000_000)
	w.Add(t0, 100)
	w.Add(t0+120_000, 50)

	wRef := New(18_000_000, 300_000)
	wRef.Add(t0, 100)
	wRef.Add(t0+120_000, 50)

	snap := w.Serialize()
	w2 := Load(snap)

	for _, probe := range []int64{t0, t0 + 120_000, t0 + 18_000_001} {
		if got, want := w2.Total(probe), wRef.Total(probe); got != want {
			t.Fatalf("at %d: restored total = %d, want %d", probe, got, want)
		}
	}
}

func TestOldestLiveBucketStart(t *testing.T) {
	w := New(18_000_000, 300_000)
	const t0 = int64(1_700_000_000_000)
	w.Add(t0, 10)
	w.Add(t0+600_000, 5)

	oldest, ok := w.OldestLiveBucketStart(t0 + 600_000)
	if !ok {
		t.Fatal("expected a live bucket")
	}
	if oldest != bucketStart(t0, 300_000) {
		t.Fatalf("oldest = %d, want %d", oldest, bucketStart(t0, 300_000))
	}
}
