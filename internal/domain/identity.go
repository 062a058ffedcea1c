package domain

// IdentityKind - тег варианта Identity
type IdentityKind int

const (
	IdentityAnonymous IdentityKind = iota
	IdentityUser
)

// Identity - результат аутентификации соединения.
// Роль вычисляется один раз при проверке токена.
type Identity struct {
	Kind IdentityKind
	User *User
	Role string
}

func Anonymous() Identity {
	return Identity{Kind: IdentityAnonymous}
}

func Authenticated(user *User) Identity {
	return Identity{Kind: IdentityUser, User: user, Role: user.Role}
}

func (i Identity) IsAnonymous() bool {
	return i.Kind != IdentityUser || i.User == nil
}

func (i Identity) Username() string {
	if i.IsAnonymous() {
		return ""
	}
	return i.User.Username
}
