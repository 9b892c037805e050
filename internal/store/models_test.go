package store

import "testing"

func TestSyncDirectionPermissions(t *testing.T) {
	cases := []struct {
		direction SyncDirection
		push      bool
		pull      bool
	}{
		{DirectionToRemoteOnly, true, false},
		{DirectionFromRemoteOnly, false, true},
		{DirectionBidirectional, true, true},
	}

	for _, tc := range cases {
		if got := tc.direction.AllowsPush(); got != tc.push {
			t.Errorf("%s: AllowsPush() = %v, want %v", tc.direction, got, tc.push)
		}
		if got := tc.direction.AllowsPull(); got != tc.pull {
			t.Errorf("%s: AllowsPull() = %v, want %v", tc.direction, got, tc.pull)
		}
	}
}

func TestSyncDirectionValid(t *testing.T) {
	for _, d := range []SyncDirection{DirectionToRemoteOnly, DirectionFromRemoteOnly, DirectionBidirectional} {
		if !d.Valid() {
			t.Errorf("expected %s to be valid", d)
		}
	}
	if SyncDirection("both_ways").Valid() {
		t.Errorf("expected unknown direction to be invalid")
	}
}
