package slots

import (
	"fmt"
	"strings"
	"time"

	"github.com/hackgods/doctor-scheduling/internal/scheduling"
)

// Eligibility reason codes. slot_unavailable is shared with the booking engine.
const (
	ReasonSlotUnavailable     = scheduling.ReasonSlotUnavailable
	ReasonBelowMinAge         = "below_min_age"
	ReasonAboveMaxAge         = "above_max_age"
	ReasonGenderRestricted    = "gender_restricted"
	ReasonInsufficientNotice  = "insufficient_notice"
	ReasonBeyondBookingWindow = "beyond_booking_window"
)

// PatientProfile is what eligibility needs to know about the booking patient.
// A nil Age skips the age bounds and an empty Gender skips the gender restriction.
type PatientProfile struct {
	Age    *int
	Gender string
}

type Eligibility struct {
	OK      bool
	Reason  string
	Message string
}

func eligible() Eligibility { return Eligibility{OK: true} }

func ineligible(reason, format string, args ...any) Eligibility {
	return Eligibility{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// CheckEligibility decides whether patient may book slot at now. It never errors;
// a rejection carries a reason code.
func CheckEligibility(slot *scheduling.TimeSlot, patient PatientProfile, now time.Time) Eligibility {
	if !slot.IsBookable() {
		return ineligible(ReasonSlotUnavailable, "slot is not open for booking")
	}

	r := slot.Restrictions
	if patient.Age != nil {
		if r.MinPatientAge != nil && *patient.Age < *r.MinPatientAge {
			return ineligible(ReasonBelowMinAge, "minimum age is %d", *r.MinPatientAge)
		}
		if r.MaxPatientAge != nil && *patient.Age > *r.MaxPatientAge {
			return ineligible(ReasonAboveMaxAge, "maximum age is %d", *r.MaxPatientAge)
		}
	}

	if r.GenderRestriction != "" && patient.Gender != "" && !strings.EqualFold(r.GenderRestriction, patient.Gender) {
		return ineligible(ReasonGenderRestricted, "slot is restricted to %s patients", r.GenderRestriction)
	}

	until := slot.StartsAt.Sub(now)
	if until < time.Duration(r.AdvanceBookingHours)*time.Hour {
		return ineligible(ReasonInsufficientNotice, "must book at least %d hours ahead", r.AdvanceBookingHours)
	}
	if r.MaxAdvanceDays > 0 && until > time.Duration(r.MaxAdvanceDays)*24*time.Hour {
		return ineligible(ReasonBeyondBookingWindow, "cannot book more than %d days ahead", r.MaxAdvanceDays)
	}

	return eligible()
}
