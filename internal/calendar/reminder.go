package calendar

import "fmt"

// ReminderKind is a record date mirrored into configured calendars
type ReminderKind int

const (
	TaxDue ReminderKind = iota
	MotExpiry
)

// ReminderKinds lists every kind in reconciliation order
var ReminderKinds = []ReminderKind{TaxDue, MotExpiry}

// Field returns the record key holding the reminder date
func (k ReminderKind) Field() string {
	switch k {
	case TaxDue:
		return "taxDueDate"
	case MotExpiry:
		return "motExpiryDate"
	}
	return ""
}

// Summary returns the event title for a registration
func (k ReminderKind) Summary(reg string) string {
	switch k {
	case TaxDue:
		return fmt.Sprintf("Tax - Due - %s", reg)
	case MotExpiry:
		return fmt.Sprintf("MOT - Expiry - %s", reg)
	}
	return ""
}

// Description returns the event description for a registration
func (k ReminderKind) Description(reg string) string {
	switch k {
	case TaxDue:
		return fmt.Sprintf("DVLA Reminder - Tax Due - %s", reg)
	case MotExpiry:
		return fmt.Sprintf("DVLA Reminder - Mot Expires - %s", reg)
	}
	return ""
}

func (k ReminderKind) String() string {
	switch k {
	case TaxDue:
		return "tax_due"
	case MotExpiry:
		return "mot_expiry"
	}
	return fmt.Sprintf("reminder(%d)", int(k))
}
