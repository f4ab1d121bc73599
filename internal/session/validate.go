package session

import (
	"fmt"
	"regexp"
)

var (
	nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)
	userRegexp = regexp.MustCompile(`^[A-Za-z0-9_.@-]{1,128}$`)
)

// ValidateName checks that name is usable as a session directory.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid session name %q: must match %s", name, nameRegexp)
	}
	return nil
}

// ValidateUserID checks that id can be sent as a user identity.
func ValidateUserID(id string) error {
	if !userRegexp.MatchString(id) {
		return fmt.Errorf("invalid user id %q: must match %s", id, userRegexp)
	}
	return nil
}
