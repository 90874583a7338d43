package events

import "testing"

func TestRecordDispatchesEnabledTypes(t *testing.T) {
	r := NewRecorder(PartitionLoaded)

	var got []Event
	r.Listen(func(e Event) { got = append(got, e) })

	r.Record(Event{Type: PartitionLoaded, Partition: 3})
	r.Record(Event{Type: ObjectLoaded, Key: "k"})

	if len(got) != 1 {
		t.Fatalf("dispatched %d events", len(got))
	}
	if got[0].Partition != 3 || got[0].Timestamp.IsZero() {
		t.Fatalf("event = %+v", got[0])
	}

	if r.Recordable(ObjectLoaded) {
		t.Fatal("disabled type recordable")
	}
	r.Enable(ObjectLoaded)
	if !r.Recordable(ObjectLoaded) {
		t.Fatal("enabled type not recordable")
	}
	r.Record(Event{Type: ObjectLoaded, Key: "k"})
	if len(got) != 2 {
		t.Fatalf("dispatched %d events after enable", len(got))
	}
}

func TestTypeStrings(t *testing.T) {
	for _, c := range []struct {
		typ  Type
		want string
	}{
		{RebalanceStarted, "REBALANCE_STARTED"},
		{RebalanceStopped, "REBALANCE_STOPPED"},
		{PartitionLoaded, "PARTITION_LOADED"},
		{PartitionDataLost, "PARTITION_DATA_LOST"},
		{ObjectLoaded, "OBJECT_LOADED"},
		{Type(0), "UNKNOWN"},
	} {
		if got := c.typ.String(); got != c.want {
			t.Errorf("%d.String() = %q, want %q", c.typ, got, c.want)
		}
	}
}
