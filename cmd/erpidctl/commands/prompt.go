package commands

import (
	"errors"
	"fmt"

	"github.com/manifoldco/promptui"

	"erpid.org/internal/auth"
)

var errAborted = errors.New("aborted")

func wrapPromptError(err error) error {
	if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
		return errAborted
	}
	return err
}

// promptPassword asks twice and applies the password policy on entry.
var promptPassword = func(label string) (string, error) {
	first := promptui.Prompt{
		Label:    label,
		Mask:     '*',
		Validate: auth.CheckPasswordPolicy,
	}
	password, err := first.Run()
	if err != nil {
		return "", wrapPromptError(err)
	}
	confirm := promptui.Prompt{Label: "Confirm " + label, Mask: '*'}
	again, err := confirm.Run()
	if err != nil {
		return "", wrapPromptError(err)
	}
	if password != again {
		return "", errors.New("passwords do not match")
	}
	return password, nil
}

// confirmAction returns false when the operator answers no.
var confirmAction = func(label string) (bool, error) {
	p := promptui.Prompt{Label: fmt.Sprintf("%s [y/N]", label), IsConfirm: true}
	if _, err := p.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) {
			return false, nil
		}
		return false, wrapPromptError(err)
	}
	return true, nil
}
