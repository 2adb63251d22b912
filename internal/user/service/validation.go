package service

import (
	"net/mail"
	"regexp"

	"ojforge/pkg/errors"
)

// Username: 3-32 chars, starts with a letter, then letters, numbers, dot,
// underscore, hyphen.
var usernamePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_.-]{2,31}$`)

func validateUsername(username string) error {
	if !usernamePattern.MatchString(username) {
		return errors.New(errors.InvalidUsername)
	}
	return nil
}

// validatePassword enforces 8-128 printable ASCII chars with at least one
// letter and one digit. Spaces are rejected; they survive copy-paste too
// poorly to allow.
func validatePassword(password string) error {
	if len(password) < 8 {
		return errors.Newf(errors.InvalidPassword, "password must be at least 8 characters")
	}
	if len(password) > 128 {
		return errors.Newf(errors.InvalidPassword, "password must be at most 128 characters")
	}
	var letter, digit bool
	for i := 0; i < len(password); i++ {
		switch b := password[i]; {
		case b < 0x21 || b > 0x7e:
			return errors.Newf(errors.InvalidPassword, "password must be printable ASCII without spaces")
		case b >= '0' && b <= '9':
			digit = true
		case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z':
			letter = true
		}
	}
	if !letter || !digit {
		return errors.Newf(errors.InvalidPassword, "password must contain a letter and a number")
	}
	return nil
}

// validateEmail accepts an empty address, the field is optional. A
// non-empty one must parse as a bare RFC 5322 address.
func validateEmail(email string) error {
	if email == "" {
		return nil
	}
	if len(email) > 254 {
		return errors.New(errors.InvalidEmail)
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return errors.New(errors.InvalidEmail)
	}
	return nil
}
