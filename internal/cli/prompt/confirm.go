// Package prompt implements interactive terminal prompts for the idscp2ctl
// CLI (DAPS URL entry, overwrite confirmation), on top of promptui.
package prompt

import (
	"errors"
	"fmt"
	"strings"

	"github.com/manifoldco/promptui"
)

// ErrAborted is returned when the user aborts a prompt with Ctrl+C.
var ErrAborted = errors.New("prompt: aborted")

// IsAborted reports whether err indicates the user aborted a prompt.
func IsAborted(err error) bool {
	return errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrAbort) || errors.Is(err, ErrAborted)
}

// Confirm asks a yes/no question, defaulting to defaultYes on a bare Enter.
func Confirm(label string, defaultYes bool) (bool, error) {
	hint := "y/N"
	if defaultYes {
		hint = "Y/n"
	}

	p := promptui.Prompt{Label: fmt.Sprintf("%s [%s]", label, hint), IsConfirm: true}
	answer, err := p.Run()
	switch {
	case err == nil:
		return strings.EqualFold(answer, "y") || strings.EqualFold(answer, "yes"), nil
	case errors.Is(err, promptui.ErrInterrupt):
		return false, ErrAborted
	case errors.Is(err, promptui.ErrAbort):
		// promptui's IsConfirm prompt treats anything but y/yes as abort,
		// including a bare Enter; fall back to the configured default.
		if answer == "" {
			return defaultYes, nil
		}
		return false, nil
	default:
		return false, err
	}
}
