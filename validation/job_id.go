package validation

import "regexp"

var jobIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateJobID checks a caller-supplied job id.
func ValidateJobID(id string) error {
	if !jobIDPattern.MatchString(id) {
		return ErrInvalidJobID
	}
	return nil
}
