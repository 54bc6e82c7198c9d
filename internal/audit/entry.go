package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Category classifies what kind of mutation an entry records.
type Category string

const (
	CategoryAuth       Category = "AUTH"
	CategoryData       Category = "DATA"
	CategoryExport     Category = "EXPORT"
	CategoryLicense    Category = "LICENSE"
	CategoryPermission Category = "PERMISSION"
	CategoryBackup     Category = "BACKUP"
	CategorySystem     Category = "SYSTEM"
	CategorySecurity   Category = "SECURITY"
)

// Categories lists every valid category in display order.
var Categories = []Category{
	CategoryAuth, CategoryData, CategoryExport, CategoryLicense,
	CategoryPermission, CategoryBackup, CategorySystem, CategorySecurity,
}

// Valid reports whether c is one of the known categories.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory parses a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("%w: unknown category %q", ErrInvalidFilter, s)
	}
	return c, nil
}

// Severity is the operator-facing importance of an entry.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
	SeveritySecurity Severity = "SECURITY"
)

// Severities lists every valid severity from least to most severe.
var Severities = []Severity{SeverityInfo, SeverityWarning, SeverityCritical, SeveritySecurity}

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// Rank orders severities: INFO < WARNING < CRITICAL < SECURITY.
// Unknown severities rank -1.
func (s Severity) Rank() int {
	for i, known := range Severities {
		if s == known {
			return i
		}
	}
	return -1
}

// ParseSeverity parses a severity name case-insensitively.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToUpper(strings.TrimSpace(s)))
	if !sev.Valid() {
		return "", fmt.Errorf("%w: unknown severity %q", ErrInvalidFilter, s)
	}
	return sev, nil
}

// Actor identifies the user who performed an action. System-initiated
// events carry no actor.
type Actor struct {
	UserID   string `json:"user_id,omitempty" validate:"max=128,required_without=Username"`
	Username string `json:"username,omitempty" validate:"max=256,required_without=UserID"`
}

// Label is the human-readable name used in tabular exports.
func (a *Actor) Label() string {
	if a == nil {
		return ""
	}
	if a.Username != "" {
		return a.Username
	}
	return a.UserID
}

// RequestContext describes where an action came from. Every field is
// optional; empty means "not recorded".
type RequestContext struct {
	IPAddress string `json:"ip_address,omitempty" validate:"omitempty,ip"`
	UserAgent string `json:"user_agent,omitempty" validate:"max=1024"`
	Device    string `json:"device,omitempty" validate:"max=256"`
	SessionID string `json:"session_id,omitempty" validate:"max=256"`
	RequestID string `json:"request_id,omitempty" validate:"max=256"`
}

// Entry is one immutable record in the ledger.
//
// Sequence, Digest, PreviousDigest and CreatedAt are assigned by the
// Writer at commit time. Every other field comes from the caller's Request.
// TenantID is empty for platform-level events.
type Entry struct {
	Sequence       int64          `json:"sequence_id"`
	TenantID       string         `json:"tenant_id,omitempty"`
	Actor          *Actor         `json:"actor,omitempty"`
	Action         string         `json:"action"`
	Category       Category       `json:"category"`
	Severity       Severity       `json:"severity"`
	EntityType     string         `json:"entity_type,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	Before         []byte         `json:"before,omitempty"`
	After          []byte         `json:"after,omitempty"`
	Context        RequestContext `json:"context"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	Digest         string         `json:"digest,omitempty"`
	PreviousDigest string         `json:"previous_digest,omitempty"`
	Signature      []byte         `json:"signature,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Request is what a caller supplies to Writer.Append: every logical field
// of an Entry except the ones the ledger assigns.
type Request struct {
	TenantID   string         `json:"tenant_id,omitempty" validate:"max=128"`
	Actor      *Actor         `json:"actor,omitempty" validate:"omitempty"`
	Action     string         `json:"action" validate:"required,max=128,action"`
	Category   Category       `json:"category" validate:"required,category"`
	Severity   Severity       `json:"severity" validate:"required,severity"`
	EntityType string         `json:"entity_type,omitempty" validate:"max=128"`
	EntityID   string         `json:"entity_id,omitempty" validate:"max=256"`
	Before     []byte         `json:"before,omitempty"`
	After      []byte         `json:"after,omitempty"`
	Context    RequestContext `json:"context"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// toEntry validates the request and builds the unsealed entry. Metadata is
// normalised through a JSON round trip so that the entry hashes the same
// before and after it has been persisted and reloaded.
func (r *Request) toEntry() (*Entry, error) {
	if err := validateStruct(r, ErrInvalidRequest); err != nil {
		return nil, err
	}

	meta, err := NormalizeMetadata(r.Metadata)
	if err != nil {
		return nil, fmt.Errorf("%w: metadata: %v", ErrInvalidRequest, err)
	}

	e := &Entry{
		TenantID:   strings.TrimSpace(r.TenantID),
		Action:     r.Action,
		Category:   r.Category,
		Severity:   r.Severity,
		EntityType: r.EntityType,
		EntityID:   r.EntityID,
		Before:     nonEmpty(r.Before),
		After:      nonEmpty(r.After),
		Context:    r.Context,
		Metadata:   meta,
	}
	if r.Actor != nil && (r.Actor.UserID != "" || r.Actor.Username != "") {
		actor := *r.Actor
		e.Actor = &actor
	}
	return e, nil
}

// NormalizeMetadata re-decodes metadata from its JSON encoding, keeping
// numbers as json.Number. An empty map normalises to nil.
func NormalizeMetadata(m map[string]any) (map[string]any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return DecodeMetadata(data)
}

// DecodeMetadata parses stored metadata JSON. Empty input and "null"
// decode to nil.
func DecodeMetadata(data []byte) (map[string]any, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

// EncodeMetadata returns the canonical JSON encoding of metadata, or nil
// when there is none.
func EncodeMetadata(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func nonEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
