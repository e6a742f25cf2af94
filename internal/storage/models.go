package storage

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the storage and wire format of calendar dates. Dates are
// kept as TEXT so lexical order is chronological order in both dialects.
const DateLayout = "2006-01-02"

// timestampLayout is fixed width for the same reason.
const timestampLayout = "2006-01-02T15:04:05.000000Z"

// Date is a calendar date without time of day or zone.
type Date struct {
	time.Time
}

// NewDate truncates t to its calendar date.
func NewDate(t time.Time) Date {
	y, m, d := t.Date()
	return Date{time.Date(y, m, d, 0, 0, 0, 0, time.UTC)}
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, err
	}
	return Date{t}, nil
}

// MustDate is ParseDate for literals; it panics on malformed input.
func MustDate(s string) Date {
	d, err := ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(DateLayout)
}

// Value implements driver.Valuer.
func (d Date) Value() (driver.Value, error) {
	return d.String(), nil
}

// Scan implements sql.Scanner.
func (d *Date) Scan(src any) error {
	switch v := src.(type) {
	case string:
		return d.parse(v)
	case []byte:
		return d.parse(string(v))
	case time.Time:
		*d = NewDate(v)
		return nil
	default:
		return fmt.Errorf("scan date: unsupported type %T", src)
	}
}

func (d *Date) parse(s string) error {
	p, err := ParseDate(s)
	if err != nil {
		return fmt.Errorf("scan date: %w", err)
	}
	*d = p
	return nil
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if s == "" {
		*d = Date{}
		return nil
	}
	return d.parse(s)
}

// Person is a real individual, identified by national ID and/or passport.
type Person struct {
	ID          int64     `json:"id"`
	Surname     string    `json:"surname"`
	GivenName   string    `json:"givenName"`
	Nationality string    `json:"nationality"`
	Origin      string    `json:"origin"`
	NationalID  *string   `json:"nationalId,omitempty"`
	Passport    *string   `json:"passport,omitempty"`
	BirthDate   *Date     `json:"birthDate,omitempty"`
	Profession  string    `json:"profession,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// FullName returns "SURNAME, Given".
func (p Person) FullName() string {
	if p.GivenName == "" {
		return p.Surname
	}
	return p.Surname + ", " + p.GivenName
}

// Stay is one lodging event of a Person.
type Stay struct {
	ID                int64     `json:"id"`
	PersonID          int64     `json:"personId"`
	EstablishmentID   *int64    `json:"establishmentId,omitempty"`
	EstablishmentName string    `json:"establishmentName,omitempty"`
	Room              string    `json:"room"`
	Age               *int      `json:"age,omitempty"`
	EntryDate         Date      `json:"entryDate"`
	ExitDate          *Date     `json:"exitDate,omitempty"`
	Destination       string    `json:"destination,omitempty"`
	HasVehicle        bool      `json:"hasVehicle"`
	VehicleDetails    string    `json:"vehicleDetails,omitempty"`
	RecordedBy        string    `json:"recordedBy"`
	BatchID           string    `json:"batchId,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// Establishment is a lodging property.
type Establishment struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Phone     string    `json:"phone,omitempty"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"createdAt"`
}

// Room belongs to an Establishment.
type Room struct {
	ID              int64     `json:"id"`
	EstablishmentID int64     `json:"establishmentId"`
	Number          string    `json:"number"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"createdAt"`
}

// AuditRecord is an immutable log entry.
type AuditRecord struct {
	ID         int64           `json:"id"`
	ActingUser string          `json:"actingUser"`
	Action     string          `json:"action"`
	Table      string          `json:"table"`
	RecordID   *int64          `json:"recordId,omitempty"`
	PersonID   *int64          `json:"personId,omitempty"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	IPAddress  string          `json:"ipAddress,omitempty"`
	BatchID    string          `json:"batchId,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// User is an operator account.
type User struct {
	ID             int64      `json:"id"`
	Username       string     `json:"username"`
	PasswordHash   string     `json:"-"`
	FullName       string     `json:"fullName"`
	Role           string     `json:"role"`
	Active         bool       `json:"active"`
	FailedAttempts int        `json:"failedAttempts"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty"`
	LastLogin      *time.Time `json:"lastLogin,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// MappingTemplate is an operator-confirmed column mapping saved for reuse.
type MappingTemplate struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Headers   []string          `json:"headers"`
	Mapping   map[string]string `json:"mapping"`
	CreatedBy string            `json:"createdBy"`
	CreatedAt time.Time         `json:"createdAt"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(timestampLayout, s)
	if err != nil {
		// Rows written by hand or by older tools may carry plain RFC3339.
		return time.Parse(time.RFC3339Nano, s)
	}
	return t, nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
