// Package templates renders provider message templates. Placeholders use
// single braces ({employeeName}); unknown placeholders render literally so a
// provider typo never blocks an outreach message.
package templates

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"

	"github.com/shiftfill/escalation-engine/internal/records"
)

// Standard placeholder names available to provider templates.
const (
	VarEmployeeName = "employeeName"
	VarPatientName  = "patientName"
	VarDate         = "date"
	VarTime         = "time"
	VarStartTime    = "startTime"
	VarEndTime      = "endTime"
	VarSuburb       = "suburb"
)

// Variables is one substitution set.
type Variables map[string]string

// Digest returns a stable SHA-256 over the variable set. The prompt cache
// keys on it, so two calls with equal variables must produce equal digests.
func (v Variables) Digest() string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(v[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Render substitutes {name} placeholders from vars. A placeholder whose name
// is not in vars, or malformed braces, pass through unchanged.
func Render(tmpl string, vars Variables) string {
	var b strings.Builder
	b.Grow(len(tmpl))
	for i := 0; i < len(tmpl); {
		if tmpl[i] != '{' {
			b.WriteByte(tmpl[i])
			i++
			continue
		}
		j := i + 1
		for j < len(tmpl) && isNameChar(tmpl[j]) {
			j++
		}
		if j > i+1 && j < len(tmpl) && tmpl[j] == '}' {
			if val, ok := vars[tmpl[i+1:j]]; ok {
				b.WriteString(val)
				i = j + 1
				continue
			}
		}
		b.WriteByte('{')
		i++
	}
	return b.String()
}

func isNameChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// ShiftVariables builds the authoritative substitution set for one staff
// member and occurrence, with times rendered in the provider's zone.
func ShiftVariables(employeeName string, occ *records.Occurrence, loc *time.Location) Variables {
	if loc == nil {
		loc = time.UTC
	}
	at := occ.ScheduledAt.In(loc)
	return Variables{
		VarEmployeeName: employeeName,
		VarPatientName:  occ.PatientName,
		VarDate:         at.Format("Monday 2 January"),
		VarTime:         at.Format("3:04 PM"),
		VarStartTime:    formatClock(occ.WindowStart),
		VarEndTime:      formatClock(occ.WindowEnd),
		VarSuburb:       occ.Suburb,
	}
}

// formatClock converts "14:30" to "2:30 PM", passing through anything it
// cannot parse.
func formatClock(v string) string {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return v
	}
	return t.Format("3:04 PM")
}
