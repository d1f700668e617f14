package bus

import "testing"

func TestRoutingKey(t *testing.T) {
	cases := []struct {
		pattern, correlationID, want string
	}{
		{"reports.export.*", "abc-123", "reports.export.abc-123"},
		{"reports.export", "abc-123", "reports.export.abc-123"},
	}
	for _, tc := range cases {
		if got := RoutingKey(tc.pattern, tc.correlationID); got != tc.want {
			t.Errorf("RoutingKey(%q, %q) = %q, want %q", tc.pattern, tc.correlationID, got, tc.want)
		}
	}
}

func TestMarshalDispatchMessage(t *testing.T) {
	msg := DispatchMessage{CorrelationID: "abc", JobID: "job-1", JobName: "export", ExecuteAt: 100}
	data, err := Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected non-empty payload")
	}
}
