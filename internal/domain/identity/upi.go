package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf16"
)

const (
	maxSequence    = 999999
	checksumModulo = 36 * 36
)

var upiPattern = regexp.MustCompile(`^([A-Z]{2,4})-(\d{4})-(\d{6})-([A-Z0-9]{2})$`)

// UPI is a parsed universal patient identifier:
// INSTITUTION-YEAR-SEQUENCE-CHECKSUM, e.g. RAD-2025-000001-P9.
type UPI struct {
	Institution string
	Year        int
	Sequence    int
	Checksum    string
}

func (u UPI) String() string {
	return fmt.Sprintf("%s-%04d-%06d-%s", u.Institution, u.Year, u.Sequence, u.Checksum)
}

// ValidationError reports malformed identifiers or unusable patient facts.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// GenerationError means a UPI could not be issued, typically because the
// sequence source was unreachable.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string { return "generate universal id: " + e.Err.Error() }
func (e *GenerationError) Unwrap() error { return e.Err }

// Validate checks the identifier's structure. The checksum is not recomputed;
// see VerifyChecksum.
func Validate(candidate string) bool {
	return upiPattern.MatchString(candidate)
}

func ParseUPI(s string) (UPI, error) {
	m := upiPattern.FindStringSubmatch(s)
	if m == nil {
		return UPI{}, &ValidationError{Field: "universal_id", Value: s, Reason: "expected INSTITUTION-YYYY-NNNNNN-CC"}
	}
	year, _ := strconv.Atoi(m[2])
	seq, _ := strconv.Atoi(m[3])
	return UPI{Institution: m[1], Year: year, Sequence: seq, Checksum: m[4]}, nil
}

// Checksum derives the two-character check value from the patient facts and
// the sequence number.
func Checksum(f PatientFacts, sequence int) string {
	input := strings.Join([]string{
		strings.ToLower(f.FirstName),
		strings.ToLower(f.LastName),
		f.BirthDate.UTC().Format("2006-01-02"),
		f.Gender,
		strconv.Itoa(sequence),
	}, "|")

	sum := 0
	for _, unit := range utf16.Encode([]rune(input)) {
		sum += int(unit)
	}
	cs := strings.ToUpper(strconv.FormatInt(int64(sum%checksumModulo), 36))
	if len(cs) < 2 {
		cs = "0" + cs
	}
	return cs
}

// VerifyChecksum reports whether upi is well formed and its checksum matches
// the given facts.
func VerifyChecksum(upi string, f PatientFacts) bool {
	u, err := ParseUPI(upi)
	if err != nil {
		return false
	}
	return Checksum(f, u.Sequence) == u.Checksum
}

// SequenceSource reports the highest sequence already issued under an
// INSTITUTION-YEAR- prefix, or 0 when none has been.
type SequenceSource interface {
	HighestSequence(ctx context.Context, prefix string) (int, error)
}

// Generator issues new UPIs. It never writes; persisting the identifier is
// the caller's job.
type Generator struct {
	institution string
	seq         SequenceSource
	now         func() time.Time
}

func NewGenerator(institution string, seq SequenceSource) *Generator {
	return &Generator{institution: institution, seq: seq, now: time.Now}
}

// WithClock replaces the clock the issuing year is taken from.
func (g *Generator) WithClock(now func() time.Time) *Generator {
	g.now = now
	return g
}

func (g *Generator) Institution() string { return g.institution }

// Prefix returns the INSTITUTION-YEAR- scope for the current year.
func (g *Generator) Prefix() string {
	return fmt.Sprintf("%s-%04d-", g.institution, g.now().Year())
}

func (g *Generator) Generate(ctx context.Context, f PatientFacts) (string, error) {
	if err := f.Validate(); err != nil {
		return "", &ValidationError{Field: "patient", Reason: err.Error()}
	}

	prefix := g.Prefix()
	highest, err := g.seq.HighestSequence(ctx, prefix)
	if err != nil {
		return "", &GenerationError{Err: fmt.Errorf("read sequence for %s: %w", prefix, err)}
	}
	next := highest + 1
	if next > maxSequence {
		return "", &GenerationError{Err: errors.New("sequence exhausted for " + strings.TrimSuffix(prefix, "-"))}
	}

	return fmt.Sprintf("%s%06d-%s", prefix, next, Checksum(f, next)), nil
}
