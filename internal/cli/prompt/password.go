package prompt

import (
	"fmt"

	"github.com/manifoldco/promptui"
)

// minPasswordLength applies when choosing a new share password, not when
// entering the password of an existing share.
const minPasswordLength = 8

// Password reads one masked secret: the installation passphrase, or the
// password of a protected share being consumed.
func Password(label string) (string, error) {
	p := promptui.Prompt{
		Label: label,
		Mask:  '*',
	}
	secret, err := p.Run()
	return secret, wrapError(err)
}

// NewPassword collects a fresh share password: masked entry with a minimum
// length, then a confirmation round. A mismatch returns ErrPasswordMismatch.
func NewPassword() (string, error) {
	p := promptui.Prompt{
		Label: "Password",
		Mask:  '*',
		Validate: func(input string) error {
			if len(input) < minPasswordLength {
				return fmt.Errorf("password must be at least %d characters", minPasswordLength)
			}
			return nil
		},
	}
	password, err := p.Run()
	if err != nil {
		return "", wrapError(err)
	}

	confirm, err := Password("Confirm password")
	if err != nil {
		return "", err
	}
	if password != confirm {
		return "", ErrPasswordMismatch
	}
	return password, nil
}
