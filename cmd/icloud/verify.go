package main

import (
	"context"
	"fmt"

	"github.com/AlecAivazis/survey/v2"
	"github.com/ivandeex/go-icloud-session/icloud/api"
	"github.com/pkg/errors"
)

// prompter asks the user for codes and choices.
type prompter interface {
	input(message string) (string, error)
	choose(message string, options []string) (int, error)
}

// verifier is the part of icloud.Client the challenge flow drives.
type verifier interface {
	Requires2FA() bool
	Requires2SA() bool
	Validate2FACode(ctx context.Context, code string) (bool, error)
	TrustedDevices(ctx context.Context) ([]api.Device, error)
	SendVerificationCode(ctx context.Context, dev *api.Device) (bool, error)
	ValidateVerificationCode(ctx context.Context, dev *api.Device, code string) (bool, error)
}

// errNeedsInteraction means the account asks for a code but prompts are disabled.
var errNeedsInteraction = errors.New("verification code required, run without --non-interactive")

// surveyUI asks questions on the terminal.
type surveyUI struct{}

func (surveyUI) confirm(message string) (bool, error) {
	ok := false
	err := survey.AskOne(&survey.Confirm{Message: message}, &ok)
	return ok, err
}

func (surveyUI) input(message string) (string, error) {
	var answer string
	err := survey.AskOne(&survey.Input{Message: message}, &answer, survey.WithValidator(survey.Required))
	return answer, err
}

func (surveyUI) choose(message string, options []string) (int, error) {
	index := 0
	err := survey.AskOne(&survey.Select{Message: message, Options: options}, &index)
	return index, err
}

// verify drives the two-factor or two-step challenge, if the account needs one.
// It reports whether a challenge was passed.
func verify(ctx context.Context, client verifier, ui prompter, interactive bool) (bool, error) {
	if !interactive && (client.Requires2FA() || client.Requires2SA()) {
		return false, errNeedsInteraction
	}
	for {
		switch {
		case client.Requires2FA():
			fmt.Println("Two-factor authentication required.")
			code, err := ui.input("Enter validation code:")
			if err != nil {
				return false, err
			}
			ok, err := client.Validate2FACode(ctx, code)
			if err != nil {
				return false, err
			}
			if !ok {
				fmt.Println("Failed to verify verification code")
				continue
			}
			fmt.Println("Successfully verified 2FA code")
			return true, nil

		case client.Requires2SA():
			fmt.Println("Two-step authentication required.")
			devices, err := client.TrustedDevices(ctx)
			if err != nil {
				return false, err
			}
			if len(devices) == 0 {
				return false, errors.New("no trusted devices to send a code to")
			}
			dev, err := chooseDevice(ui, devices)
			if err != nil {
				return false, err
			}
			sent, err := client.SendVerificationCode(ctx, dev)
			if err != nil {
				return false, errors.Wrap(err, "cannot send verification code")
			}
			if !sent {
				return false, errors.New("failed to send verification code")
			}
			code, err := ui.input("Please enter validation code received:")
			if err != nil {
				return false, err
			}
			ok, err := client.ValidateVerificationCode(ctx, dev, code)
			if err != nil {
				return false, err
			}
			if !ok {
				fmt.Println("Failed to verify verification code")
				continue
			}
			fmt.Println("Successfully verified 2SA code")
			return true, nil

		default:
			return false, nil
		}
	}
}

func chooseDevice(ui prompter, devices []api.Device) (*api.Device, error) {
	options := make([]string, len(devices))
	for i := range devices {
		options[i] = devices[i].Label()
	}
	index, err := ui.choose("Which device would you like to use?", options)
	if err != nil {
		return nil, err
	}
	return &devices[index], nil
}
