package chat

import "regexp"

var usernameRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{3,20}$`)

// ValidateUsername checks that a username conforms to the 3-20 character
// rule enforced at identity creation.
func ValidateUsername(username string) error {
	if !usernameRegexp.MatchString(username) {
		return ErrInvalidUsername
	}
	return nil
}
