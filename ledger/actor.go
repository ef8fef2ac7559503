package ledger

// Role distinguishes ordinary users from arbitrators and background jobs.
type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

// Actor is the authenticated caller of a workflow operation.
type Actor struct {
	ID   string
	Role Role
}

// User returns a regular-user actor.
func User(id string) Actor { return Actor{ID: id, Role: RoleUser} }

// Admin returns an arbitrator actor.
func Admin(id string) Actor { return Actor{ID: id, Role: RoleAdmin} }

// System is the actor used by scheduled sweeps.
func System() Actor { return Actor{ID: "system", Role: RoleSystem} }

// Privileged reports whether the actor may act on transactions it is not a party to.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

// IsAdmin reports whether the actor is a human arbitrator.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Party identifies which side of a transaction an actor is on.
type Party string

const (
	PartyBuyer  Party = "buyer"
	PartySeller Party = "seller"
	PartyAdmin  Party = "admin"
	PartySystem Party = "system"
)

// PartyOf resolves the actor's side for a transaction between buyerID and
// sellerID. ok is false when the actor has no standing.
func PartyOf(a Actor, buyerID, sellerID string) (Party, bool) {
	switch {
	case a.ID != "" && a.ID == buyerID:
		return PartyBuyer, true
	case a.ID != "" && a.ID == sellerID:
		return PartySeller, true
	case a.Role == RoleAdmin:
		return PartyAdmin, true
	case a.Role == RoleSystem:
		return PartySystem, true
	}
	return "", false
}
