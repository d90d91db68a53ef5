// Package identity derives the deterministic peer names two participants of an
// appointment use to find each other on the broker. The name is the rendezvous
// point: neither side exchanges anything out of band.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/consult/internal/util"
)

// Role is the participant's side of the consultation.
type Role string

const (
	RoleDoctor  Role = "doctor"
	RolePatient Role = "patient"
)

const (
	doctorPrefix  = "doc-"
	patientPrefix = "pat-"

	broadcastPrefix = "videocall-"
)

var (
	ErrUnknownRole        = errors.New("identity: unknown role")
	ErrEmptyAppointmentID = errors.New("identity: appointment id is empty after sanitizing")
)

// ParseRole accepts "doctor" or "patient" (case-insensitive).
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Valid reports whether r is one of the two known roles.
func (r Role) Valid() bool { return r == RoleDoctor || r == RolePatient }

// Counterpart returns the other role.
func (r Role) Counterpart() Role {
	if r == RoleDoctor {
		return RolePatient
	}
	return RoleDoctor
}

// Privileged reports whether ending the call as r ends it for both sides.
func (r Role) Privileged() bool { return r == RoleDoctor }

func (r Role) prefix() string {
	if r == RoleDoctor {
		return doctorPrefix
	}
	return patientPrefix
}

// Name returns the sanitized peer name for role r in the given appointment.
func Name(r Role, appointmentID string) (string, error) {
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownRole, string(r))
	}
	id := util.SanitizeName(appointmentID)
	if id == "" {
		return "", ErrEmptyAppointmentID
	}
	return util.SanitizeName(r.prefix() + id), nil
}

// Resolve returns the caller's own peer name and the counterpart's name.
// Both participants compute compatible pairs independently.
func Resolve(r Role, appointmentID string) (self, peer string, err error) {
	self, err = Name(r, appointmentID)
	if err != nil {
		return "", "", err
	}
	peer, err = Name(r.Counterpart(), appointmentID)
	if err != nil {
		return "", "", err
	}
	return self, peer, nil
}

// BroadcastChannel is the session-scoped channel carrying call-ended notices.
func BroadcastChannel(appointmentID string) string {
	return broadcastPrefix + appointmentID
}
