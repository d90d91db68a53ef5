package identity

import (
	"errors"
	"testing"
)

func TestResolveScenario(t *testing.T) {
	docSelf, docPeer, err := Resolve(RoleDoctor, "A1")
	if err != nil {
		t.Fatal(err)
	}
	patSelf, patPeer, err := Resolve(RolePatient, "A1")
	if err != nil {
		t.Fatal(err)
	}
	if docSelf != "doc-A1" || docPeer != "pat-A1" {
		t.Fatalf("doctor resolved (%q, %q)", docSelf, docPeer)
	}
	if patSelf != "pat-A1" || patPeer != "doc-A1" {
		t.Fatalf("patient resolved (%q, %q)", patSelf, patPeer)
	}
}

func TestResolveMutuallyAddressable(t *testing.T) {
	ids := []string{"A1", "appt-42", "x y/z", "9f8e7d6c-aaaa-bbbb", "ümlaut_1", "a.b.c"}
	for _, id := range ids {
		t.Run(id, func(t *testing.T) {
			dSelf, dPeer, err := Resolve(RoleDoctor, id)
			if err != nil {
				t.Fatal(err)
			}
			pSelf, pPeer, err := Resolve(RolePatient, id)
			if err != nil {
				t.Fatal(err)
			}
			if dSelf == pSelf {
				t.Fatalf("identities collide: %q", dSelf)
			}
			if dPeer != pSelf || pPeer != dSelf {
				t.Fatalf("not mutually addressable: doctor(%q→%q) patient(%q→%q)", dSelf, dPeer, pSelf, pPeer)
			}
			// Stable across calls.
			again, _, _ := Resolve(RoleDoctor, id)
			if again != dSelf {
				t.Fatalf("unstable name: %q vs %q", again, dSelf)
			}
		})
	}
}

func TestResolveSanitizes(t *testing.T) {
	self, peer, err := Resolve(RoleDoctor, "a b/../c!")
	if err != nil {
		t.Fatal(err)
	}
	if self != "doc-abc" || peer != "pat-abc" {
		t.Fatalf("got (%q, %q)", self, peer)
	}
}

func TestResolveErrors(t *testing.T) {
	if _, _, err := Resolve(Role("nurse"), "A1"); !errors.Is(err, ErrUnknownRole) {
		t.Fatalf("want ErrUnknownRole, got %v", err)
	}
	if _, _, err := Resolve(RolePatient, "///"); !errors.Is(err, ErrEmptyAppointmentID) {
		t.Fatalf("want ErrEmptyAppointmentID, got %v", err)
	}
}

func TestParseRole(t *testing.T) {
	for in, want := range map[string]Role{"doctor": RoleDoctor, " Patient ": RolePatient} {
		got, err := ParseRole(in)
		if err != nil || got != want {
			t.Fatalf("ParseRole(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseRole("admin"); err == nil {
		t.Fatal("expected error for admin role")
	}
}

func TestRoleHelpers(t *testing.T) {
	if RoleDoctor.Counterpart() != RolePatient || RolePatient.Counterpart() != RoleDoctor {
		t.Fatal("counterpart mismatch")
	}
	if !RoleDoctor.Privileged() || RolePatient.Privileged() {
		t.Fatal("only the doctor is privileged")
	}
	if got := BroadcastChannel("A1"); got != "videocall-A1" {
		t.Fatalf("broadcast channel = %q", got)
	}
}
