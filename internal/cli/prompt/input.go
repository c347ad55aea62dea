package prompt

import "github.com/manifoldco/promptui"

// Input prompts for a line of text, pre-filled with defaultValue (accepted
// verbatim on a bare Enter).
func Input(label string, defaultValue string) (string, error) {
	p := promptui.Prompt{Label: label, Default: defaultValue}
	answer, err := p.Run()
	if err != nil {
		if IsAborted(err) {
			return "", ErrAborted
		}
		return "", err
	}
	return answer, nil
}
