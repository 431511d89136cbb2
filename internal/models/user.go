package models

import (
	"fmt"
	"strings"
)

// Session is the identity of the user driving a workspace. It is passed
// explicitly to every component that acts on behalf of the user.
type Session struct {
	UID   string `json:"uid"`
	Email string `json:"email"`
}

func (s Session) Validate() error {
	if strings.TrimSpace(s.UID) == "" {
		return fmt.Errorf("%w: session uid is required", ErrValidation)
	}
	return nil
}
