package model

import "time"

// LinkingStatus describes how an identity is bound to a registered account.
type LinkingStatus string

const (
	LinkUnlinked LinkingStatus = "unlinked"
	LinkPending  LinkingStatus = "pending"
	LinkLinked   LinkingStatus = "linked"
	LinkManual   LinkingStatus = "manual"
)

// ConfidenceTier is the coarse trust level of a resolution.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// MatchSource names the resolution tier that produced a match.
type MatchSource string

const (
	SourceManual     MatchSource = "manual"
	SourceExternalID MatchSource = "external_id"
	SourceRegistry   MatchSource = "registry"
	SourceFuzzy      MatchSource = "fuzzy"
	SourceFallback   MatchSource = "fallback"
)

// Tier maps a match source to its confidence tier.
func (s MatchSource) Tier() ConfidenceTier {
	switch s {
	case SourceManual, SourceExternalID, SourceRegistry:
		return ConfidenceHigh
	case SourceFuzzy:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// NameVariant is one entry of an identity's append-only name history.
type NameVariant struct {
	ID            string      `json:"id"`
	Name          string      `json:"name"`
	FirstSeen     time.Time   `json:"firstSeen"`
	LastSeen      time.Time   `json:"lastSeen"`
	SessionCount  int         `json:"sessionCount"`
	LastSessionID string      `json:"lastSessionId,omitempty"`
	Confidence    int         `json:"confidence"`
	Source        MatchSource `json:"source"`
}

// DriverIdentity is a cross-session identity record.
type DriverIdentity struct {
	ID               string        `json:"id"`
	ExternalID       string        `json:"externalId,omitempty"`
	AccountID        string        `json:"accountId,omitempty"`
	PrimaryName      string        `json:"primaryName"`
	NameHistory      []NameVariant `json:"nameHistory"`
	TotalSessions    int           `json:"totalSessions"`
	TotalLaps        int           `json:"totalLaps"`
	LinkingStatus    LinkingStatus `json:"linkingStatus"`
	Confidence       int           `json:"confidence"`
	ManuallyVerified bool          `json:"manuallyVerified"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// Variant returns the history entry for name, or nil.
func (d *DriverIdentity) Variant(name string) *NameVariant {
	for i := range d.NameHistory {
		if d.NameHistory[i].Name == name {
			return &d.NameHistory[i]
		}
	}
	return nil
}

// Clone returns a deep copy.
func (d DriverIdentity) Clone() DriverIdentity {
	out := d
	out.NameHistory = append([]NameVariant(nil), d.NameHistory...)
	return out
}

// Account is a registered driver owned by the booking system.
type Account struct {
	ID         string `json:"id"`
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Alias      string `json:"alias,omitempty"`
	ExternalID string `json:"externalId,omitempty"`
}
