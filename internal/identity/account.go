// Package identity holds the core domain types shared by the resolver,
// linker and merger: the Account document, provider assertions, and the
// error taxonomy. It contains facts only, no storage logic.
package identity

import "time"

// Status is the lifecycle state of an account.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
	StatusMerged   Status = "merged"
)

// ProviderLink binds one third-party identity (provider + subject) to an
// account. An account may carry zero or more links.
type ProviderLink struct {
	Provider string `bson:"provider" json:"provider"`
	Subject  string `bson:"subject" json:"subject"`
}

// Membership carries the club-side counters and dates for an account.
type Membership struct {
	Level           string     `bson:"level" json:"level"`
	Points          int64      `bson:"points" json:"points"`
	ReferralPoints  int64      `bson:"referralPoints" json:"referralPoints"`
	TotalVisitHours int64      `bson:"totalVisitHours" json:"totalVisitHours"`
	JoinDate        *time.Time `bson:"joinDate,omitempty" json:"joinDate,omitempty"`
	LastActive      *time.Time `bson:"lastActive,omitempty" json:"lastActive,omitempty"`
}

// Referral tracks who referred this account and whom it referred.
type Referral struct {
	ReferredBy       string     `bson:"referredBy,omitempty" json:"referredBy,omitempty"`             // member id
	ReferredByUserID string     `bson:"referredByUserId,omitempty" json:"referredByUserId,omitempty"` // account id
	ReferralDate     *time.Time `bson:"referralDate,omitempty" json:"referralDate,omitempty"`
	Referrals        []string   `bson:"referrals,omitempty" json:"referrals,omitempty"` // account ids
	TotalReferred    int64      `bson:"totalReferred" json:"totalReferred"`
	ActiveReferrals  int64      `bson:"activeReferrals" json:"activeReferrals"`
}

// Account is the central entity. Email and phone are unique among accounts
// whose status is not merged; MemberID is unique across all accounts and
// never reassigned. Version guards optimistic writes.
type Account struct {
	ID            string         `bson:"_id" json:"id"`
	MemberID      string         `bson:"memberId" json:"memberId"`
	Email         string         `bson:"email,omitempty" json:"email,omitempty"`
	Phone         string         `bson:"phone,omitempty" json:"phone,omitempty"`
	DisplayName   string         `bson:"displayName,omitempty" json:"displayName,omitempty"`
	ProviderLinks []ProviderLink `bson:"providerLinks,omitempty" json:"providerLinks,omitempty"`
	Membership    Membership     `bson:"membership" json:"membership"`
	Referral      Referral       `bson:"referral" json:"referral"`
	Status        Status         `bson:"status" json:"status"`
	MergedInto    string         `bson:"mergedInto,omitempty" json:"mergedInto,omitempty"`

	// MergedFrom lists duplicate account ids already consolidated into this
	// account. The merge engine uses it as its re-entry tag: the additive
	// counter step is a no-op when the duplicate id is present.
	MergedFrom []string `bson:"mergedFrom,omitempty" json:"mergedFrom,omitempty"`

	// Password credential attached at registration or when linking
	// completes. Only the hash is ever stored.
	PasswordHash string `bson:"passwordHash,omitempty" json:"-"`
	HashVersion  string `bson:"hashVersion,omitempty" json:"-"`

	Version   int64     `bson:"version" json:"-"`
	CreatedAt time.Time `bson:"createdAt" json:"createdAt"`
	UpdatedAt time.Time `bson:"updatedAt" json:"updatedAt"`
}

// HasProviderLink reports whether the account already carries the given
// provider identity.
func (a *Account) HasProviderLink(provider, subject string) bool {
	for _, l := range a.ProviderLinks {
		if l.Provider == provider && l.Subject == subject {
			return true
		}
	}
	return false
}

// ProviderAssertion is a verified third-party identity assertion issued by
// the credential provider after an out-of-band challenge. The service never
// receives raw secrets, only post-verification claims.
type ProviderAssertion struct {
	Provider    string `json:"provider"`
	Subject     string `json:"subject"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
}

// Claims is the input to IdentityResolver.Probe. All fields are optional,
// but at least one must be set.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Provider string `json:"provider,omitempty"`
	Subject  string `json:"subject,omitempty"`
}

// Empty reports whether no claim field is set.
func (c Claims) Empty() bool {
	return c.Email == "" && c.Phone == "" && (c.Provider == "" || c.Subject == "")
}
