package role

import "github.com/samber/lo"

// Role identifies a staff or guest privilege level. Ordering is by rank,
// not by declaration or storage order.
type Role string

const (
	Admin  Role = "admin"
	Tutor  Role = "tutor"
	Host   Role = "host"
	User   Role = "user"
	Extern Role = "extern"
)

var ranks = map[Role]int{
	Extern: 0,
	User:   1,
	Host:   2,
	Tutor:  3,
	Admin:  4,
}

// ascending by rank
var ordered = []Role{Extern, User, Host, Tutor, Admin}

// Valid reports whether r is a known role.
func Valid(r Role) bool {
	_, ok := ranks[r]
	return ok
}

// Rank returns the ordinal position of r. Unknown roles rank below Extern.
func Rank(r Role) int {
	if rank, ok := ranks[r]; ok {
		return rank
	}
	return -1
}

// Meets reports whether r satisfies the given role floor.
func (r Role) Meets(floor Role) bool {
	return Rank(r) >= Rank(floor)
}

// Leq returns every role ranked at or below r, ascending.
func Leq(r Role) []Role {
	return lo.Filter(ordered, func(other Role, _ int) bool {
		return Rank(other) <= Rank(r)
	})
}

// Capabilities returns the roles a client may act as, ascending. Extern is
// not a capability.
func Capabilities(r Role) []Role {
	return lo.Filter(Leq(r), func(other Role, _ int) bool {
		return other != Extern
	})
}
